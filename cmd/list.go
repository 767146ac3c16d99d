package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/store"
)

var (
	listStatus string
	listLive   bool
	listLimit  int
	listRemote bool
	listPage   int
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List builds",
	Long: `List builds cached locally. With --remote, list the backend's build
history instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listRemote {
			return listRemoteRun(cmd)
		}
		return listLocalRun(cmd)
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().BoolVar(&listLive, "live", false, "Only builds that are still running")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of builds")
	listCmd.Flags().BoolVar(&listRemote, "remote", false, "List the backend's build history")
	listCmd.Flags().IntVar(&listPage, "page", 1, "Page of remote history")
	rootCmd.AddCommand(listCmd)
}

func listLocalRun(cmd *cobra.Command) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	builds, err := s.ListBuilds(commandContext(cmd), store.BuildListFilter{
		Status:   models.BuildStatus(listStatus),
		LiveOnly: listLive,
		Limit:    listLimit,
	})
	if err != nil {
		return err
	}
	if len(builds) == 0 {
		ui.Info("No builds cached. Use 'apex build <description>' to start one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Status", "Progress", "Agents", "Files", "Updated", "Description"})
	for _, b := range builds {
		table.Append([]string{
			b.ID,
			output.StatusColor(string(b.Status)),
			output.ProgressBar(b.Progress, 10),
			strconv.Itoa(len(b.Agents)),
			strconv.Itoa(len(b.Files)),
			timeAgo(b.UpdatedAt),
			oneLine(b.Description, 50),
		})
	}
	table.Render()
	return nil
}

func listRemoteRun(cmd *cobra.Command) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.ListBuilds(commandContext(cmd), listPage, listLimit)
	if err != nil {
		return err
	}
	if len(list.Builds) == 0 {
		ui.Info("No builds on %s.", c.BaseURL())
		return nil
	}

	table := ui.Table([]string{"Build ID", "Project", "Status", "Mode", "Files", "Cost", "Created"})
	for _, b := range list.Builds {
		if listStatus != "" && b.Status != listStatus {
			continue
		}
		if listLive && !b.Live {
			continue
		}
		table.Append([]string{
			b.BuildID,
			b.ProjectName,
			output.StatusColor(b.Status),
			b.Mode,
			strconv.Itoa(b.FilesCount),
			fmt.Sprintf("$%.2f", b.TotalCost),
			b.CreatedAt,
		})
	}
	table.Render()

	if list.Limit > 0 && list.Total > int64(list.Page*list.Limit) {
		ui.Info("Page %d, %d builds total. Next: apex list --remote --page %d", list.Page, list.Total, list.Page+1)
	}
	return nil
}
