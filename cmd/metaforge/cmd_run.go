package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"metaforge/internal/compiler"
	"metaforge/internal/runtime"
	"metaforge/pkg/logger"
)

// publishedRetention is how long relayed outbox messages are kept.
const publishedRetention = 24 * time.Hour

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the compiled models until interrupted",
	Long: `Compiles the metadata directory and keeps it current. Definitions are
reloaded when files change (with watch enabled) and when another process
announces a sync. With PostgreSQL the event outbox relay runs as well.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	c, _, err := load(ctx, b)
	if err != nil {
		return err
	}
	c.OnChange(func(model string, u *runtime.Universe) {
		logger.Info(logger.WithModel(ctx, model), "model reloaded", "version", u.Version())
	})
	src := compiler.DirSource(cfg.MetadataDir)

	if cfg.Watch {
		w := compiler.NewWatcher(c, cfg.MetadataDir, cfg.WatchDebounce)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	if b.notifier != nil {
		b.notifier.OnNotify(func(ctx context.Context, payload string) {
			logger.Info(ctx, "sync announced, reloading", "remote_version", payload)
			if _, err := c.Trigger(ctx, src); err != nil {
				logger.Error(ctx, "reload on notification failed", "error", err)
			}
		})
		if err := b.notifier.Start(ctx); err != nil {
			return err
		}
	}
	if b.relay != nil {
		g.Go(func() error {
			return b.relay.Run(ctx, cfg.Outbox.RelayInterval)
		})
		g.Go(func() error {
			return housekeeping(ctx, b)
		})
	}

	logger.Info(ctx, "running", "models", c.Universe().Len(), "version", c.Universe().Version())
	<-ctx.Done()
	logger.Info(context.WithoutCancel(ctx), "shutting down")
	return g.Wait()
}

// housekeeping prunes relayed messages and reports pool usage.
func housekeeping(ctx context.Context, b *backend) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := b.relay.Prune(ctx, time.Now().Add(-publishedRetention))
		if err != nil {
			logger.Warn(ctx, "outbox prune failed", "error", err)
		} else if n > 0 {
			logger.Info(ctx, "outbox pruned", "count", n)
		}
		b.pool.LogStats(ctx)
	}
}
