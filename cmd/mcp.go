package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/apex/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant inspect cached builds, their transcripts and
generated files. Configure it with:

  {
    "mcpServers": {
      "apex": { "command": "apex", "args": ["mcp"] }
    }
  }

Available tools: apex_list_builds, apex_build_status,
apex_build_transcript, apex_build_thoughts, apex_build_files,
apex_reconcile_build`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		var resumer mcp.Resumer
		if c, err := newClient(); err == nil {
			resumer = newController(c, s)
		} else {
			logger.Warn("backend not configured, apex_reconcile_build disabled", "error", err)
		}

		return mcp.NewServer(s, resumer, buildVersion).ServeStdio(commandContext(cmd))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
