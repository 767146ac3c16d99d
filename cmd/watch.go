package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/apex/internal/api"
	"github.com/joescharf/apex/internal/daemon"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/session"
	"github.com/joescharf/apex/internal/store"
)

// followOptions controls how a followed build is presented.
type followOptions struct {
	chat      bool
	thoughts  bool
	servePort int
}

var watchOpts followOptions

var watchCmd = &cobra.Command{
	Use:   "watch <build-id>",
	Short: "Follow a build's live event stream",
	Long: `Attach to a build and print agents, checkpoints and chat as they happen.

With --chat, lines typed on stdin are sent to the lead agent. Two commands
are recognised: /cancel stops the build and /detach stops watching.
Interrupting with Ctrl-C detaches; the build keeps running and can be
watched again later.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		return followBuild(commandContext(cmd), newController(c, s), s, args[0], watchOpts)
	},
}

var chatOpts followOptions

var chatCmd = &cobra.Command{
	Use:   "chat <build-id>",
	Short: "Follow a build and talk to its lead agent",
	Long:  "Shorthand for 'apex watch --chat <build-id>'.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		chatOpts.chat = true
		return followBuild(commandContext(cmd), newController(c, s), s, args[0], chatOpts)
	},
}

func init() {
	addFollowFlags(watchCmd, &watchOpts)
	chatCmd.Flags().BoolVar(&chatOpts.thoughts, "thoughts", false, "print agent thoughts")
	chatCmd.Flags().IntVar(&chatOpts.servePort, "serve", 0, "also serve the dashboard on this port")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(chatCmd)
}

func addFollowFlags(cmd *cobra.Command, opts *followOptions) {
	cmd.Flags().BoolVar(&opts.chat, "chat", false, "send stdin lines to the lead agent")
	cmd.Flags().BoolVar(&opts.thoughts, "thoughts", false, "print agent thoughts")
	cmd.Flags().IntVar(&opts.servePort, "serve", 0, "also serve the dashboard on this port")
}

// followBuild attaches ctrl to buildID and prints updates until the build
// ends or the user detaches.
func followBuild(ctx context.Context, ctrl *session.Controller, s store.Store, buildID string, opts followOptions) error {
	lock := daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "watch", buildID+".pid"))
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("build %s is already being watched: %w", buildID, err)
	}
	defer func() { _ = lock.Release() }()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	printer := &sessionPrinter{out: ui.Out, thoughts: opts.thoughts}
	updates, unsubscribe := ctrl.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for st := range updates {
			printer.print(st)
		}
	}()

	if opts.servePort > 0 {
		go func() {
			if err := runHTTP(ctx, s, opts.servePort, api.WithLogger(logger), api.WithLive(ctrl)); err != nil {
				ui.Warning("Dashboard stopped: %v", err)
			}
		}()
	}
	if opts.chat {
		ui.Info("Chat enabled. Type a message and press Enter; /cancel stops the build, /detach stops watching.")
		go chatLoop(ctx, ctrl, os.Stdin)
	}

	err := ctrl.Attach(ctx, buildID)
	unsubscribe()
	<-printed

	switch {
	case errors.Is(err, context.Canceled):
		ui.Info("Detached from %s. Resume with: apex watch %s", output.Cyan(buildID), buildID)
		return nil
	case errors.Is(err, session.ErrStreamLost):
		ui.Warning("Lost the event stream for %s; it is still running. Resume with: apex watch %s", buildID, buildID)
		return err
	case err != nil:
		return err
	}

	if st := ctrl.State(); st != nil && st.Status.IsTerminal() {
		printOutcome(st)
		return nil
	}
	ui.Info("Stopped watching %s", output.Cyan(buildID))
	return nil
}

// chatLoop forwards lines from r to the lead agent until r is exhausted or
// ctx is done.
func chatLoop(ctx context.Context, ctrl *session.Controller, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/detach":
			ctrl.Detach()
			return
		case "/cancel":
			if err := ctrl.Cancel(ctx); err != nil {
				ui.Warning("Cancel failed: %v", err)
			}
			continue
		}
		if err := ctrl.SendMessage(ctx, line); err != nil {
			ui.Warning("Message not sent: %v", err)
		}
	}
}
