package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/apex/internal/client"
	"github.com/joescharf/apex/internal/output"
	"github.com/joescharf/apex/internal/session"
	"github.com/joescharf/apex/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "apex",
	Short: "Start, follow and resume multi-agent app builds",
	Long: `apex is a terminal client for a multi-agent app builder.
It starts builds, follows their live event stream, chats with the lead
agent, and keeps a local record of every build so an interrupted session
can be resumed and reconciled with the backend.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/apex/config.yaml)")
}

func initConfig() {
	// A .env in the working directory may carry APEX_API_TOKEN and friends.
	_ = godotenv.Load()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".config", "apex"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("APEX")
	viper.SetEnvKeyReplacer(envKeys)
	viper.AutomaticEnv()

	setDefaults()

	_ = viper.ReadInConfig()
}

func setDefaults() {
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "apex")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "apex.db"))
	viper.SetDefault("api.url", "http://localhost:8000")
	viper.SetDefault("api.token", "")
	viper.SetDefault("build.mode", "full")
	viper.SetDefault("build.power_mode", "balanced")
	viper.SetDefault("stream.max_reconnects", 5)
	viper.SetDefault("stream.reconnect_delay", "2s")
	viper.SetDefault("serve.port", 8080)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// The store is opened lazily so config/version run without a database.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	s, err := store.NewSQLiteStore(viper.GetString("db_path"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(commandContext(rootCmd)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// newClient returns a backend client from api.url and api.token.
func newClient() (*client.Client, error) {
	return client.New(viper.GetString("api.url"), viper.GetString("api.token"))
}

// newController wires a session controller to the backend and the local store.
func newController(c *client.Client, s store.Store) *session.Controller {
	dial := session.DialerFunc(func(ctx context.Context, buildID string) (session.Stream, error) {
		stream, err := c.Dial(ctx, buildID)
		if err != nil {
			return nil, err
		}
		return stream, nil
	})
	return session.New(c, dial,
		session.WithStore(s),
		session.WithJournal(s),
		session.WithLogger(logger),
		session.WithReconnect(viper.GetInt("stream.max_reconnects"), viper.GetDuration("stream.reconnect_delay")),
	)
}

// commandContext returns the command's context, or Background when cobra has
// not set one (direct calls from tests).
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
