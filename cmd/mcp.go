package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/forge/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio for the
project in the current directory (or runtime.root).

Configure in Claude Code with:

  {
    "mcpServers": {
      "forge": { "command": "forge", "args": ["mcp"] }
    }
  }

Available tools: forge_sync_status, forge_list_conflicts,
forge_resolve_conflict, forge_write_file, forge_agent_run,
forge_agent_status, forge_agent_rollback, forge_agent_logs,
forge_agent_history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	// stdout carries the protocol; everything else goes to stderr.
	logger := newLogger(os.Stderr)
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return mcp.NewServer(a.sync, a.runner, a.store).ServeStdio(ctx)
}
