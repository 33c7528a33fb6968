package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nutrilens/pipeline"
	"nutrilens/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the meal analysis API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := loadConfigs()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			c.server.HTTPAddr = addr
		}

		shutdown, err := initOtel(ctx)
		if err != nil {
			return err
		}
		defer shutdown()

		resolver, err := newResolver(c.pipeline)
		if err != nil {
			return err
		}
		est, err := newEstimator(ctx, c, c.pipeline.Estimator, resolver.Catalog())
		if err != nil {
			return err
		}

		stageLogger, cleanup, err := newStageLogger(c.pipeline, c.pipeline.Estimator)
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				slog.Error("SETUP: Failed to flush stage log", "error", err)
			}
		}()

		meals, err := newMealStore(c.store)
		if err != nil {
			return err
		}
		defer meals.Close()

		images, err := newImageStore(ctx, c.store)
		if err != nil {
			return err
		}

		opts := server.Options{Meals: meals, Images: images}
		if n := newNotifier(c.server); n != nil {
			opts.Notifier = n
		}

		p := pipeline.New(est, resolver, pipeline.WithStageLogger(stageLogger))
		registry := pipeline.NewRegistry(p, pipeline.WithSessionTTL(c.server.SessionTTL))
		go sweepSessions(ctx, registry, c.server.SessionTTL)

		return server.New(registry, opts).ListenAndServe(ctx, c.server.HTTPAddr)
	},
}

// sweepSessions evicts idle sessions until ctx is done.
func sweepSessions(ctx context.Context, r *pipeline.Registry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t := time.NewTicker(ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				slog.Info("SERVER: Evicted idle sessions", "count", n, "live", r.Len())
			}
		}
	}
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides HTTP_ADDR)")
}
