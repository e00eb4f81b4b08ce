package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatrecall/chatrecall/internal/config"
	"github.com/chatrecall/chatrecall/internal/mcp"
	"github.com/chatrecall/chatrecall/internal/retrieval"
)

func newServeCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server with background indexing",
		Long: `Starts the MCP server on stdio and the background indexing
orchestrator. The data directory is locked for the lifetime of the
process; a second serve against the same directory fails fast.

Retrieval thresholds are hot-reloaded when the config file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *dataDir, appOptions{withLock: true})
			if err != nil {
				return err
			}
			defer a.Close()

			watcher, err := config.Watch(a.cfg.DataDir, a.logger, func(c *config.Config) {
				a.retriever.SetGate(retrieval.GateConfig{
					HighThreshold:   c.Retrieval.HighThreshold,
					MediumThreshold: c.Retrieval.MediumThreshold,
				})
				a.logger.Info("retrieval gate updated",
					slog.Float64("high", c.Retrieval.HighThreshold),
					slog.Float64("medium", c.Retrieval.MediumThreshold))
			})
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()

			server, err := mcp.NewServer(mcp.ServerConfig{
				Engine:   a.retriever,
				Indexer:  a.orch,
				Embedder: a.embedder,
				Counters: a.sink,
				Config:   a.cfg,
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.orch.Run(gctx)
			})
			g.Go(func() error {
				defer stop()
				return server.Serve(gctx)
			})

			err = g.Wait()
			if err != nil && ctx.Err() != nil {
				// Shutdown via signal is a clean exit.
				return nil
			}
			return err
		},
	}
}
