package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/altermundi/sai-etl/internal/config"
	"github.com/altermundi/sai-etl/internal/imagepipe"
	"github.com/altermundi/sai-etl/internal/logging"
	"github.com/altermundi/sai-etl/internal/metrics"
	"github.com/altermundi/sai-etl/internal/observability"
	"github.com/altermundi/sai-etl/internal/queue"
	"github.com/altermundi/sai-etl/internal/store"
	"github.com/altermundi/sai-etl/internal/worker"
)

// shutdownGrace bounds how long Stop() waits for an in-flight batch to
// drain before the process exits regardless.
const shutdownGrace = 30 * time.Second

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Stage 1 ingest loop and the Stage 2 worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.Init(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.Init(cfg.Observability.Metrics.Namespace)
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler())
					if err := http.ListenAndServe(cfg.Observability.Metrics.Addr, mux); err != nil {
						logging.Op().Error("metrics server exited", "error", err)
					}
				}()
			}

			ctx := context.Background()

			target, err := store.NewTargetStore(ctx, cfg.TargetPostgres.DSN, cfg.TargetPostgres.MaxConns)
			if err != nil {
				return fmt.Errorf("connect target postgres: %w", err)
			}
			defer target.Close()

			source, err := store.NewSourceStore(ctx, cfg.SourcePostgres.DSN, cfg.SourcePostgres.MaxConns)
			if err != nil {
				return fmt.Errorf("connect source postgres: %w", err)
			}
			defer source.Close()

			var notifier queue.Notifier
			pgNotifier, err := queue.NewPgNotifier(ctx, cfg.TargetPostgres.DSN)
			if err != nil {
				logging.Op().Warn("listen/notify unavailable, falling back to polling only", "error", err)
				notifier = queue.NewNoopNotifier()
			} else {
				notifier = pgNotifier
			}
			defer notifier.Close()

			writer := store.NewWriter(target)

			stage1 := worker.NewStage1(source, target, notifier, worker.Stage1Config{
				PollInterval: time.Duration(cfg.Stage1.PollIntervalMS) * time.Millisecond,
				Lookback:     cfg.Stage1.Lookback,
				Limit:        cfg.Stage1.Limit,
				MaxAttempts:  cfg.Queue.MaxAttempts,
			})
			stage1.Start()
			defer stage1.Stop()

			imgCfg := imagepipe.Config{
				BinaryDataRoot:    cfg.ImagePipeline.BinaryDataRoot,
				CacheRoot:         cfg.ImagePipeline.CacheRoot,
				ThumbnailMaxWidth: cfg.ImagePipeline.ThumbnailMaxWidth,
				ThumbnailQuality:  cfg.ImagePipeline.ThumbnailQuality,
				WebPQuality:       cfg.ImagePipeline.WebPQuality,
			}

			pool := worker.New(target, source, writer, notifier, worker.NoopEventSink{}, worker.Config{
				WorkerCount:      cfg.Queue.WorkerCount,
				BatchSize:        cfg.Queue.BatchSize,
				PollInterval:     time.Duration(cfg.Queue.PollIntervalMS) * time.Millisecond,
				CleanupInterval:  time.Duration(cfg.Queue.CleanupIntervalMS) * time.Millisecond,
				StaleThreshold:   cfg.Queue.StaleThreshold,
				StatementTimeout: time.Duration(cfg.Queue.StatementTimeoutMS) * time.Millisecond,
				MaxAttempts:      cfg.Queue.MaxAttempts,
				ImagePipeline:    imgCfg,
			})
			pool.Start()

			logging.Op().Info("sai-etl worker daemon started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			done := make(chan struct{})
			go func() {
				pool.Stop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(shutdownGrace):
				logging.Op().Warn("shutdown grace period elapsed, exiting with batch still draining")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}
