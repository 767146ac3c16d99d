package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/output"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <build-id>",
	Short: "Cancel a running build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if dryRun {
			ui.DryRunMsg("Would cancel build %s", id)
			return nil
		}

		ctx := commandContext(cmd)
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.CancelBuild(ctx, id); err != nil {
			return err
		}
		ui.Success("Cancel requested for %s", output.Cyan(id))

		s, err := getStore()
		if err != nil {
			return err
		}
		b, err := newController(c, s).Resume(ctx, id)
		if err != nil {
			ui.VerboseLog("Could not refresh local copy: %v", err)
			return nil
		}
		ui.Info("Build %s is now %s", output.Cyan(id), output.StatusColor(string(b.Status)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
