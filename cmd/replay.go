package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/reducer"
	"github.com/joescharf/apex/internal/session"
)

var (
	replaySave     bool
	replayThoughts bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <build-id>",
	Short: "Rebuild a session from its recorded event journal",
	Long: `Run every frame recorded for a build back through the reducer and print
the resulting session. With --save, the rebuilt session replaces the cached
snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		ctx := commandContext(cmd)
		s, err := getStore()
		if err != nil {
			return err
		}

		recorded, err := s.ListEvents(ctx, id)
		if err != nil {
			return err
		}
		if len(recorded) == 0 {
			return fmt.Errorf("no recorded events for build %s", id)
		}

		frames := make([][]byte, 0, len(recorded))
		for _, ev := range recorded {
			frames = append(frames, ev.Payload)
		}
		b, skipped := session.Replay(reducer.New(), id, frames)
		if b == nil {
			return fmt.Errorf("none of the %d recorded events for %s could be replayed", len(recorded), id)
		}

		p := &sessionPrinter{out: ui.Out, thoughts: replayThoughts}
		p.print(b)
		ui.Info("Replayed %d events (%d skipped)", len(recorded)-skipped, skipped)

		if !replaySave {
			return nil
		}
		if dryRun {
			ui.DryRunMsg("Would replace cached snapshot of %s", id)
			return nil
		}
		if err := s.SaveBuild(ctx, b); err != nil {
			return err
		}
		ui.Success("Saved replayed snapshot of %s", output.Cyan(id))
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replaySave, "save", false, "Replace the cached snapshot with the replayed one")
	replayCmd.Flags().BoolVar(&replayThoughts, "thoughts", false, "Include agent thoughts in the output")
	rootCmd.AddCommand(replayCmd)
}
