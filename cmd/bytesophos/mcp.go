package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	Long: `Start the Model Context Protocol server for AI assistant integration.
The server speaks JSON-RPC over stdin and stdout; logs go to stderr.

Claude Desktop configuration (claude_desktop_config.json):
  {
    "mcpServers": {
      "bytesophos": {
        "command": "/path/to/bytesophos",
        "args": ["mcp"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	// stdout carries the protocol.
	cfg.Log.Output = "stderr"
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	logger := logging.NewModuleLogger("cli", "mcp")

	return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
		if err := a.recoverRuns(ctx); err != nil {
			return fmt.Errorf("recovering interrupted runs: %w", err)
		}

		mcp.ServerVersion = version
		srv := mcp.NewServer(mcp.Deps{
			Indexer:  a.indexer,
			Searcher: a.searcher,
			Answers:  a.answers,
			Recorder: a.recorder,
			// A local stdio client runs on the same machine as the files.
			AllowLocalPaths: true,
		})

		logger.Info("MCP server ready, listening on stdio", "version", version)
		return srv.ServeStdio(ctx)
	})
}
