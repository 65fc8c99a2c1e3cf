package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/config"
	"github.com/hed1ad/hybridguard/internal/history"
	"github.com/hed1ad/hybridguard/internal/metrics"
	"github.com/hed1ad/hybridguard/internal/server"
	"github.com/hed1ad/hybridguard/pkg/artifacts"
	"github.com/hed1ad/hybridguard/pkg/hybrid"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		modelDir  string
		noHistory bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve decisions over HTTP",
		Long: `Serve loads the artifact bundle once and answers prediction requests over
HTTP. Decisions are recorded to the history database and broadcast on the
live websocket feed. The server refuses to start if any artifact is
missing or corrupt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("models") {
				cfg.Model.Dir = modelDir
			}
			if noHistory {
				cfg.History.Enabled = false
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&modelDir, "models", "", "artifact bundle directory")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record decisions")

	return cmd
}

// loadPredictor loads the bundle in dir and builds a predictor from the
// model settings in cfg.
func loadPredictor(cfg *config.Config, logger *zap.Logger) (*artifacts.Bundle, *hybrid.Predictor, error) {
	bundle, err := artifacts.Load(cfg.Model.Dir)
	if err != nil {
		return nil, nil, err
	}

	opts, err := cfg.PredictorOptions()
	if err != nil {
		return nil, nil, err
	}
	predictor, err := bundle.Predictor(opts...)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("model loaded",
		zap.String("dir", cfg.Model.Dir),
		zap.String("model_version", bundle.Manifest.ModelVersion),
		zap.Int("features", bundle.Scaler.Dim()),
		zap.Strings("classes", bundle.Manifest.Classes),
		zap.Float64("threshold", predictor.Threshold()),
		zap.Stringer("order", predictor.Order()))
	return bundle, predictor, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	bundle, predictor, err := loadPredictor(cfg, logger)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	deps := server.Deps{
		Predictor: predictor,
		Manifest:  bundle.Manifest,
		Metrics:   metrics.New(),
		Logger:    logger,
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.History = store

		pruner, err := history.NewPruner(store, cfg.History.PruneSchedule, cfg.History.Retention, logger)
		if err != nil {
			return err
		}
		if _, err := pruner.RunOnce(ctx); err != nil {
			logger.Warn("initial history prune failed", zap.Error(err))
		}
		pruner.Start()
		defer pruner.Stop(5 * time.Second)
	}

	srv, err := server.New(cfg.Server, deps)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
