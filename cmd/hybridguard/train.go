package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/config"
	"github.com/hed1ad/hybridguard/pkg/artifacts"
	"github.com/hed1ad/hybridguard/pkg/io/csv"
	"github.com/hed1ad/hybridguard/pkg/training"
)

type trainOptions struct {
	data         string
	out          string
	labelColumn  string
	sigma        float64
	modelVersion string
}

func newTrainCmd() *cobra.Command {
	var opts trainOptions

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier and autoencoder from a labelled CSV",
		Long: `Train fits the label codec and feature scaler, trains the attack classifier
on a seeded split and reports its accuracy on the held-out rows, trains the
autoencoder on benign rows, calibrates the anomaly threshold and writes the
artifact bundle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			flags := cmd.Flags()
			if flags.Changed("out") {
				cfg.Model.Dir = opts.out
			}
			if flags.Changed("label-column") {
				cfg.Data.LabelColumn = opts.labelColumn
			}
			if flags.Changed("sigma") {
				cfg.Training.Sigma = opts.sigma
			}
			if flags.Changed("model-version") {
				cfg.Training.ModelVersion = opts.modelVersion
			}
			return runTrain(cmd.Context(), cfg, logger, opts.data, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "labelled CSV dataset")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "output directory for the artifact bundle")
	cmd.Flags().StringVar(&opts.labelColumn, "label-column", "", "name of the label column")
	cmd.Flags().Float64Var(&opts.sigma, "sigma", 3, "threshold = mean + sigma * stddev")
	cmd.Flags().StringVar(&opts.modelVersion, "model-version", "", "version recorded in the manifest")
	cmd.MarkFlagRequired("data")

	return cmd
}

func runTrain(ctx context.Context, cfg *config.Config, logger *zap.Logger, dataPath string, w io.Writer) error {
	ds, err := csv.ReadDataset(dataPath, cfg.Data.LabelColumn)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	logger.Info("dataset loaded",
		zap.String("path", dataPath),
		zap.Int("rows", len(ds.Samples)),
		zap.Int("dropped", ds.Skipped),
		zap.Int("features", len(ds.FeatureNames)))

	trainer, err := training.New(cfg.Training, logger)
	if err != nil {
		return err
	}
	out, err := trainer.Run(ctx, training.Dataset{
		FeatureNames: ds.FeatureNames,
		Samples:      ds.Samples,
		Labels:       ds.Labels,
	})
	if err != nil {
		return err
	}

	if err := artifacts.Save(cfg.Model.Dir, out.Bundle); err != nil {
		return fmt.Errorf("save artifacts: %w", err)
	}
	logger.Info("artifacts saved",
		zap.String("dir", cfg.Model.Dir),
		zap.String("model_version", out.Bundle.Manifest.ModelVersion))

	fmt.Fprintln(w, "----- Classification Report -----")
	fmt.Fprint(w, out.Report.String())
	fmt.Fprintf(w, "\nAutoencoder Threshold: %.6f\n", out.Calibration.Threshold)
	return nil
}
