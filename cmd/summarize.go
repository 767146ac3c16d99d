package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/output"
)

var summarizeRefresh bool

var summarizeCmd = &cobra.Command{
	Use:   "summarize <build-id>",
	Short: "Summarize a build with the configured LLM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		llmClient := newLLMClient()
		if llmClient == nil {
			return fmt.Errorf("summarize needs anthropic.api_key (or ANTHROPIC_API_KEY)")
		}

		ctx := commandContext(cmd)
		b, err := loadBuild(ctx, args[0], summarizeRefresh)
		if err != nil {
			return err
		}

		ui.VerboseLog("Summarizing %s (%d agents, %d files)", b.ID, len(b.Agents), len(b.Files))
		report, err := llmClient.SummarizeBuild(ctx, b)
		if err != nil {
			return err
		}

		fmt.Fprintf(ui.Out, "%s %s\n\n", output.Cyan(b.ID), output.StatusColor(string(b.Status)))
		fmt.Fprintln(ui.Out, report.Summary)
		if len(report.Highlights) > 0 {
			fmt.Fprintf(ui.Out, "\n%s\n", output.Green("Highlights"))
			for _, h := range report.Highlights {
				fmt.Fprintf(ui.Out, "  - %s\n", h)
			}
		}
		if len(report.Risks) > 0 {
			fmt.Fprintf(ui.Out, "\n%s\n", output.Yellow("Risks"))
			for _, r := range report.Risks {
				fmt.Fprintf(ui.Out, "  - %s\n", r)
			}
		}
		return nil
	},
}

func init() {
	summarizeCmd.Flags().BoolVar(&summarizeRefresh, "refresh", false, "Reconcile with the backend first")
	rootCmd.AddCommand(summarizeCmd)
}
