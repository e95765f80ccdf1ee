package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/altermundi/sai-etl/internal/config"
	"github.com/altermundi/sai-etl/internal/imagepipe"
	"github.com/altermundi/sai-etl/internal/logging"
	"github.com/altermundi/sai-etl/internal/store"
	"github.com/altermundi/sai-etl/internal/worker"
)

func reprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess <execution-id>",
		Short: "Replay one execution through Stage 2 directly, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var execID int64
			if _, err := fmt.Sscanf(args[0], "%d", &execID); err != nil {
				return fmt.Errorf("invalid execution id %q: %w", args[0], err)
			}

			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			logging.Init(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

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

			writer := store.NewWriter(target)
			imgCfg := imagepipe.Config{
				BinaryDataRoot:    cfg.ImagePipeline.BinaryDataRoot,
				CacheRoot:         cfg.ImagePipeline.CacheRoot,
				ThumbnailMaxWidth: cfg.ImagePipeline.ThumbnailMaxWidth,
				ThumbnailQuality:  cfg.ImagePipeline.ThumbnailQuality,
				WebPQuality:       cfg.ImagePipeline.WebPQuality,
			}

			extracted, img, err := worker.Reprocess(ctx, source, target, writer, imgCfg, execID)
			if err != nil {
				return fmt.Errorf("reprocess execution %d: %w", execID, err)
			}

			var alertLevel string
			if extracted.AlertLevel != nil {
				alertLevel = string(*extracted.AlertLevel)
			}
			fmt.Printf("execution %d reprocessed: has_smoke=%v alert_level=%s detections=%d image_materialized=%v\n",
				execID, extracted.HasSmoke, alertLevel, extracted.DetectionCount, img != nil)
			return nil
		},
	}
	return cmd
}
