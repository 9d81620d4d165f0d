package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AILab-FOI/bytesophos/internal/httpapi"
	"github.com/AILab-FOI/bytesophos/internal/logging"
	"github.com/AILab-FOI/bytesophos/internal/mcp"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the REST and WebSocket API. The MCP tools are served over
streamable HTTP at /mcp on the same listener.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger := logging.NewModuleLogger("cli", "serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	if err := a.recoverRuns(ctx); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("recovering interrupted runs: %w", err)
	}

	mcp.ServerVersion = version
	tools := mcp.NewServer(mcp.Deps{
		Indexer:         a.indexer,
		Searcher:        a.searcher,
		Answers:         a.answers,
		Recorder:        a.recorder,
		AllowLocalPaths: cfg.Server.AllowLocalPaths,
	})

	srv := httpapi.NewServer(httpapi.Deps{
		Storage:   a.store,
		Indexer:   a.indexer,
		Searcher:  a.searcher,
		Answers:   a.answers,
		Recorder:  a.recorder,
		Progress:  a.progress,
		Snapshots: a.snapshots,
		MCP:       tools.Handler(),
	}, cfg.Server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("HTTP shutdown incomplete", "error", serr)
	}
	if cerr := a.Close(shutdownCtx); cerr != nil {
		logger.Warn("close incomplete", "error", cerr)
	}
	return err
}
