package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/output"
)

var (
	showRefresh bool
	showFiles   bool
	showChat    int
	showJSON    bool
)

var showCmd = &cobra.Command{
	Use:   "show <build-id>",
	Short: "Show a build's details",
	Long: `Show the cached snapshot of a build. A build that is not cached, or
any build when --refresh is set, is fetched from the backend and
reconciled with the local copy first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBuild(commandContext(cmd), args[0], showRefresh)
		if err != nil {
			return err
		}
		if showJSON {
			enc := json.NewEncoder(ui.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(b)
		}
		printBuild(b, showFiles, showChat)
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showRefresh, "refresh", false, "Reconcile with the backend before showing")
	showCmd.Flags().BoolVar(&showFiles, "files", false, "List generated files")
	showCmd.Flags().IntVar(&showChat, "chat", 5, "Number of recent chat messages to show")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the snapshot as JSON")
	rootCmd.AddCommand(showCmd)
}

// loadBuild returns the cached snapshot of id, resuming it from the backend
// when refresh is set or nothing is cached.
func loadBuild(ctx context.Context, id string, refresh bool) (*models.BuildSession, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	if !refresh {
		if b, err := s.GetBuild(ctx, id); err == nil {
			return b, nil
		}
	}

	c, err := newClient()
	if err != nil {
		return nil, err
	}
	b, err := newController(c, s).Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	ui.VerboseLog("Reconciled %s with %s", id, c.BaseURL())
	return b, nil
}

func printBuild(b *models.BuildSession, files bool, chat int) {
	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(b.ID))
	if b.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", oneLine(b.Description, 100))
	}
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(b.Status)))
	fmt.Fprintf(ui.Out, "  Progress:   %s\n", output.ProgressBar(b.Progress, 20))
	fmt.Fprintf(ui.Out, "  Mode:       %s (%s)\n", b.Mode, b.PowerMode)
	if b.ProjectID != nil {
		fmt.Fprintf(ui.Out, "  Project:    %d\n", *b.ProjectID)
	}
	live := "no"
	if b.Live {
		live = "yes"
	}
	fmt.Fprintf(ui.Out, "  Live:       %s\n", live)
	if b.PreviewURL != "" {
		fmt.Fprintf(ui.Out, "  Preview:    %s\n", b.PreviewURL)
	}
	if b.Error != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(b.Error))
	}
	fmt.Fprintf(ui.Out, "  Updated:    %s\n", timeAgo(b.UpdatedAt))

	if len(b.Agents) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Agent", "Role", "Status", "Progress", "Task"})
		for _, id := range sortedAgentIDs(b.Agents) {
			a := b.Agents[id]
			task := ""
			if a.CurrentTask != nil {
				task = oneLine(a.CurrentTask.Description, 50)
			}
			table.Append([]string{
				a.ID,
				string(a.Role),
				output.StatusColor(string(a.Status)),
				fmt.Sprintf("%d%%", a.Progress),
				task,
			})
		}
		table.Render()
	}

	if len(b.Checkpoints) > 0 {
		fmt.Fprintln(ui.Out)
		for _, cp := range b.Checkpoints {
			fmt.Fprintf(ui.Out, "  #%d %s (%d%%)\n", cp.Number, cp.Name, cp.Progress)
		}
	}

	if files && len(b.Files) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Path", "Language", "Size"})
		for _, f := range b.Files {
			size := f.Size
			if size == 0 {
				size = int64(len(f.Content))
			}
			table.Append([]string{f.Path, f.Language, formatBytes(size)})
		}
		table.Render()
	} else if len(b.Files) > 0 {
		fmt.Fprintf(ui.Out, "\n  Files:      %d (use --files to list)\n", len(b.Files))
	}

	if chat > 0 && b.Chat.Len() > 0 {
		fmt.Fprintln(ui.Out)
		for _, m := range b.Chat.Last(chat) {
			fmt.Fprintf(ui.Out, "[%s] %s\n", output.RoleColor(string(m.Role)), m.Content)
		}
	}
}
