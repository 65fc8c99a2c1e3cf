// Package training fits every model a hybrid predictor needs from a
// labelled dataset and calibrates its anomaly threshold.
package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/pkg/artifacts"
	"github.com/hed1ad/hybridguard/pkg/classifiers/softmax"
	"github.com/hed1ad/hybridguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/hybridguard/pkg/preprocess/labels"
	"github.com/hed1ad/hybridguard/pkg/preprocess/scaler"
	"github.com/hed1ad/hybridguard/pkg/threshold"
)

// ClassifierConfig holds the softmax classifier hyperparameters.
type ClassifierConfig struct {
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	HiddenDim    int     `yaml:"hidden_dim"` // 0 picks the default for the class count
}

// DetectorConfig holds the autoencoder hyperparameters. EncodingDim 0 picks
// the default for the input width.
type DetectorConfig struct {
	EncodingDim     int     `yaml:"encoding_dim"`
	Epochs          int     `yaml:"epochs"`
	BatchSize       int     `yaml:"batch_size"`
	LearningRate    float64 `yaml:"learning_rate"`
	ValidationSplit float64 `yaml:"validation_split"`
}

// Config controls a training run.
type Config struct {
	BenignLabel  string           `yaml:"benign_label"`
	TestSize     float64          `yaml:"test_size"`
	Seed         int64            `yaml:"seed"`
	Sigma        float64          `yaml:"sigma"`
	ModelVersion string           `yaml:"model_version"`
	Classifier   ClassifierConfig `yaml:"classifier"`
	Detector     DetectorConfig   `yaml:"detector"`
}

// DefaultConfig returns the settings the reference training run used.
func DefaultConfig() Config {
	return Config{
		BenignLabel: labels.DefaultBenign,
		TestSize:    0.2,
		Seed:        42,
		Sigma:       threshold.DefaultSigma,
		Classifier: ClassifierConfig{
			Epochs:       100,
			LearningRate: 0.05,
			BatchSize:    64,
		},
		Detector: DetectorConfig{
			Epochs:          50,
			BatchSize:       256,
			LearningRate:    0.01,
			ValidationSplit: 0.1,
		},
	}
}

// Validate checks the configuration for values no run could use.
func (c Config) Validate() error {
	switch {
	case c.BenignLabel == "":
		return errors.New("benign label must be set")
	case c.TestSize < 0 || c.TestSize >= 1:
		return fmt.Errorf("test size %v outside [0, 1)", c.TestSize)
	case c.Sigma < 0:
		return fmt.Errorf("sigma %v is negative", c.Sigma)
	case c.Classifier.Epochs <= 0 || c.Detector.Epochs <= 0:
		return errors.New("epochs must be positive")
	case c.Classifier.BatchSize <= 0 || c.Detector.BatchSize <= 0:
		return errors.New("batch size must be positive")
	case c.Classifier.LearningRate <= 0 || c.Detector.LearningRate <= 0:
		return errors.New("learning rate must be positive")
	case c.Classifier.HiddenDim < 0 || c.Detector.EncodingDim < 0:
		return errors.New("layer widths must not be negative")
	case c.Detector.ValidationSplit < 0 || c.Detector.ValidationSplit >= 1:
		return fmt.Errorf("validation split %v outside [0, 1)", c.Detector.ValidationSplit)
	}
	return nil
}

// Dataset is the labelled input of a training run.
type Dataset struct {
	FeatureNames []string
	Samples      [][]float64
	Labels       []string
}

// Outcome is everything a training run produces.
type Outcome struct {
	Bundle      *artifacts.Bundle
	Report      *Report
	Calibration threshold.Result
}

// Trainer runs the training pipeline.
type Trainer struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a trainer. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger}, nil
}

// Run fits the label codec and scaler on the whole dataset, trains and
// evaluates the classifier on a seeded split, trains the autoencoder on
// every benign row and calibrates the threshold on its errors.
// Cancellation is checked between stages.
func (t *Trainer) Run(ctx context.Context, ds Dataset) (*Outcome, error) {
	if len(ds.Samples) == 0 {
		return nil, errors.New("empty dataset")
	}
	if len(ds.Samples) != len(ds.Labels) {
		return nil, fmt.Errorf("%d samples but %d labels", len(ds.Samples), len(ds.Labels))
	}
	start := time.Now()

	enc := labels.New()
	if err := enc.Fit(ds.Labels, t.cfg.BenignLabel); err != nil {
		return nil, fmt.Errorf("fit labels: %w", err)
	}
	codes, err := enc.EncodeAll(ds.Labels)
	if err != nil {
		return nil, err
	}

	sc := scaler.New()
	if err := sc.Fit(ds.Samples, ds.FeatureNames); err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	x, err := sc.NormalizeBatch(ds.Samples)
	if err != nil {
		return nil, err
	}
	t.logger.Info("preprocessing fitted",
		zap.Int("samples", len(x)),
		zap.Int("features", sc.Dim()),
		zap.Strings("classes", enc.Classes()))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trainIdx, testIdx := Split(len(x), t.cfg.TestSize, t.cfg.Seed)
	clf := softmax.New(
		softmax.WithEpochs(t.cfg.Classifier.Epochs),
		softmax.WithLearningRate(t.cfg.Classifier.LearningRate),
		softmax.WithBatchSize(t.cfg.Classifier.BatchSize),
		softmax.WithHiddenDim(t.cfg.Classifier.HiddenDim),
		softmax.WithSeed(t.cfg.Seed),
	)
	if err := clf.Fit(pickRows(x, trainIdx), pickCodes(codes, trainIdx), enc.Len()); err != nil {
		return nil, fmt.Errorf("train classifier: %w", err)
	}

	report, err := Evaluate(clf, pickRows(x, testIdx), pickCodes(codes, testIdx), enc.Classes())
	if err != nil {
		return nil, err
	}
	t.logger.Info("classifier trained",
		zap.Int("train", len(trainIdx)),
		zap.Int("test", len(testIdx)),
		zap.Float64("accuracy", report.Accuracy))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var benign [][]float64
	for i, code := range codes {
		if code == enc.BenignCode() {
			benign = append(benign, x[i])
		}
	}

	det := autoencoder.New(
		autoencoder.WithEncodingDim(t.cfg.Detector.EncodingDim),
		autoencoder.WithEpochs(t.cfg.Detector.Epochs),
		autoencoder.WithBatchSize(t.cfg.Detector.BatchSize),
		autoencoder.WithLearningRate(t.cfg.Detector.LearningRate),
		autoencoder.WithValidationSplit(t.cfg.Detector.ValidationSplit),
		autoencoder.WithSeed(t.cfg.Seed),
		autoencoder.WithProgress(func(e autoencoder.Epoch) {
			t.logger.Debug("autoencoder epoch",
				zap.Int("epoch", e.Epoch),
				zap.Float64("loss", e.Loss),
				zap.Float64("val_loss", e.ValLoss))
		}),
	)
	if err := det.Fit(benign); err != nil {
		return nil, fmt.Errorf("train autoencoder: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	errs, err := det.Errors(benign)
	if err != nil {
		return nil, err
	}
	cal, err := threshold.New(threshold.WithSigma(t.cfg.Sigma)).Calibrate(errs)
	if err != nil {
		return nil, fmt.Errorf("calibrate threshold: %w", err)
	}
	t.logger.Info("threshold calibrated",
		zap.Int("benign", cal.N),
		zap.Float64("mean", cal.Mean),
		zap.Float64("stddev", cal.StdDev),
		zap.Float64("threshold", cal.Threshold),
		zap.Duration("elapsed", time.Since(start)))

	version := t.cfg.ModelVersion
	if version == "" {
		version = start.UTC().Format("20060102T150405Z")
	}

	return &Outcome{
		Bundle: &artifacts.Bundle{
			Scaler:     sc,
			Labels:     enc,
			Classifier: clf,
			Detector:   det,
			Threshold:  cal.Threshold,
			Manifest:   artifacts.Manifest{ModelVersion: version, Sigma: cal.Sigma},
		},
		Report:      report,
		Calibration: cal,
	}, nil
}

// Split shuffles the indices 0..n-1 with seed and returns the train and
// test partitions. The test partition holds ceil(n*testSize) rows, but
// never all of them.
func Split(n int, testSize float64, seed int64) (train, test []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	nTest := int(float64(n)*testSize + 0.999999)
	if testSize <= 0 {
		nTest = 0
	}
	if nTest >= n {
		nTest = n - 1
	}
	return perm[nTest:], perm[:nTest]
}

func pickRows(x [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

func pickCodes(codes []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = codes[j]
	}
	return out
}
