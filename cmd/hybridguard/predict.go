package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/config"
	"github.com/hed1ad/hybridguard/pkg/hybrid"
	guardio "github.com/hed1ad/hybridguard/pkg/io"
	"github.com/hed1ad/hybridguard/pkg/io/csv"
	"github.com/hed1ad/hybridguard/pkg/io/jsonl"
)

// summary counts decisions by outcome for the end-of-run log line.
type summary struct {
	mu     sync.Mutex
	counts map[string]int
}

func newSummary() *summary {
	return &summary{counts: make(map[string]int)}
}

func (s *summary) add(r guardio.Result) {
	s.mu.Lock()
	s.counts[r.Outcome]++
	s.mu.Unlock()
}

func (s *summary) fields() []zap.Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []zap.Field{
		zap.Int(hybrid.KnownAttack.String(), s.counts[hybrid.KnownAttack.String()]),
		zap.Int(hybrid.UnknownAnomaly.String(), s.counts[hybrid.UnknownAnomaly.String()]),
		zap.Int(hybrid.Normal.String(), s.counts[hybrid.Normal.String()]),
		zap.Int("error", s.counts["error"]),
	}
}

func newPredictCmd() *cobra.Command {
	var (
		input    string
		output   string
		modelDir string
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Decide every row of a CSV file and write JSON lines",
		Long: `Predict reads flow records from a CSV file whose header names the
features, decides each row and writes one JSON result per line. A label
column, if present, is carried into the result metadata as "actual".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cmd.Flags().Changed("models") {
				cfg.Model.Dir = modelDir
			}
			return runPredict(cmd.Context(), cfg, logger, input, output)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "CSV file of flow records")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&modelDir, "models", "", "artifact bundle directory")
	cmd.MarkFlagRequired("input")

	return cmd
}

// openRecords opens a CSV of flow records, splitting off the label column
// when the header has one.
func openRecords(path, labelColumn string) (*csv.Reader, error) {
	r, err := csv.NewReader(path)
	if err != nil {
		return nil, err
	}
	if labelColumn == "" || !slices.Contains(r.Headers(), labelColumn) {
		return r, nil
	}
	r.Close()
	return csv.NewReader(path, csv.WithLabelColumn(labelColumn))
}

func runPredict(ctx context.Context, cfg *config.Config, logger *zap.Logger, input, output string) error {
	_, predictor, err := loadPredictor(cfg, logger)
	if err != nil {
		return err
	}

	reader, err := openRecords(input, cfg.Data.LabelColumn)
	if err != nil {
		return fmt.Errorf("open %s: %w", input, err)
	}
	defer reader.Close()

	rows, labels, err := reader.ReadLabeled()
	if err != nil {
		return fmt.Errorf("read %s: %w", input, err)
	}
	names := reader.FeatureNames()

	w, err := jsonl.Create(output)
	if err != nil {
		return err
	}
	defer w.Close()

	counts := newSummary()
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		fields := make(map[string]float64, len(names))
		for j, name := range names {
			fields[name] = row[j]
		}

		var res guardio.Result
		decision, err := predictor.DecideNamed(fields)
		if err != nil {
			res = guardio.FailedResult(err, time.Now())
		} else {
			res = guardio.NewResult(decision, time.Now())
		}
		res.Metadata = map[string]any{"row": i}
		if labels != nil {
			res.Metadata["actual"] = labels[i]
		}

		counts.add(res)
		if err := w.Write(res); err != nil {
			return err
		}
	}

	logger.Info("prediction complete",
		append([]zap.Field{
			zap.Int("rows", len(rows)),
			zap.Int("skipped", reader.Skipped()),
		}, counts.fields()...)...)
	return w.Flush()
}
