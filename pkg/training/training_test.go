package training

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hed1ad/hybridguard/pkg/hybrid"
)

// generateDataset draws benign flows near the origin and two attack
// classes around distant centres.
func generateDataset(n int, seed int64) Dataset {
	rng := rand.New(rand.NewSource(seed))
	centers := map[string][]float64{
		"BENIGN":   {0, 0, 0, 0, 0, 0},
		"DDoS":     {8, 8, 0, 0, 8, 0},
		"PortScan": {0, -8, 8, 0, 0, -8},
	}
	order := []string{"BENIGN", "BENIGN", "DDoS", "PortScan"}

	ds := Dataset{FeatureNames: []string{"a", "b", "c", "d", "e", "f"}}
	for i := 0; i < n; i++ {
		label := order[i%len(order)]
		c := centers[label]
		row := make([]float64, len(c))
		for j := range row {
			row[j] = c[j] + rng.NormFloat64()
		}
		ds.Samples = append(ds.Samples, row)
		ds.Labels = append(ds.Labels, label)
	}
	return ds
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Classifier.Epochs = 30
	cfg.Detector.Epochs = 10
	cfg.Detector.BatchSize = 32
	cfg.ModelVersion = "test"
	return cfg
}

func TestRun(t *testing.T) {
	trainer, err := New(fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ds := generateDataset(400, 1)
	out, err := trainer.Run(context.Background(), ds)
	require.NoError(t, err)

	b := out.Bundle
	assert.Equal(t, []string{"BENIGN", "DDoS", "PortScan"}, b.Labels.Classes())
	assert.Equal(t, ds.FeatureNames, b.Scaler.FeatureNames())
	assert.Equal(t, 3, b.Detector.EncodingDim())
	assert.Equal(t, out.Calibration.Threshold, b.Threshold)
	assert.Equal(t, 200, out.Calibration.N)
	assert.Equal(t, 3.0, b.Manifest.Sigma)
	assert.Equal(t, "test", b.Manifest.ModelVersion)

	assert.Equal(t, 80, out.Report.Support)
	assert.Greater(t, out.Report.Accuracy, 0.9)

	p, err := b.Predictor()
	require.NoError(t, err)

	res, err := p.Decide([]float64{8, 8, 0, 0, 8, 0})
	require.NoError(t, err)
	assert.Equal(t, hybrid.KnownAttack, res.Kind)
	assert.Equal(t, "DDoS", res.Label)

	res, err = p.Decide([]float64{0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.NotEqual(t, hybrid.KnownAttack, res.Kind)
}

func TestRunDeterministic(t *testing.T) {
	ds := generateDataset(200, 2)

	run := func() float64 {
		trainer, err := New(fastConfig(), nil)
		require.NoError(t, err)
		out, err := trainer.Run(context.Background(), ds)
		require.NoError(t, err)
		return out.Bundle.Threshold
	}
	assert.Equal(t, run(), run())
}

func TestRunErrors(t *testing.T) {
	trainer, err := New(fastConfig(), nil)
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := trainer.Run(context.Background(), Dataset{})
		assert.Error(t, err)
	})

	t.Run("length mismatch", func(t *testing.T) {
		ds := generateDataset(20, 3)
		ds.Labels = ds.Labels[:10]
		_, err := trainer.Run(context.Background(), ds)
		assert.Error(t, err)
	})

	t.Run("no benign class", func(t *testing.T) {
		ds := generateDataset(20, 3)
		for i := range ds.Labels {
			ds.Labels[i] = "DDoS"
		}
		_, err := trainer.Run(context.Background(), ds)
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := trainer.Run(ctx, generateDataset(40, 3))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no benign", func(c *Config) { c.BenignLabel = "" }},
		{"test size", func(c *Config) { c.TestSize = 1 }},
		{"sigma", func(c *Config) { c.Sigma = -1 }},
		{"epochs", func(c *Config) { c.Detector.Epochs = 0 }},
		{"batch", func(c *Config) { c.Classifier.BatchSize = 0 }},
		{"lr", func(c *Config) { c.Detector.LearningRate = 0 }},
		{"validation", func(c *Config) { c.Detector.ValidationSplit = 1.5 }},
		{"hidden", func(c *Config) { c.Classifier.HiddenDim = -1 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := New(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestSplit(t *testing.T) {
	train, test := Split(10, 0.2, 42)
	assert.Len(t, train, 8)
	assert.Len(t, test, 2)

	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, train...), test...) {
		assert.False(t, seen[i])
		seen[i] = true
	}
	assert.Len(t, seen, 10)

	train2, test2 := Split(10, 0.2, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)

	train, test = Split(5, 0, 1)
	assert.Len(t, train, 5)
	assert.Empty(t, test)

	train, test = Split(3, 0.9, 1)
	assert.Len(t, train, 1)
	assert.Len(t, test, 2)
}

type fixedClassifier []int

func (f fixedClassifier) Classify(v []float64) (int, error) {
	return f[int(v[0])], nil
}

func TestEvaluate(t *testing.T) {
	// Rows carry their own index so the stub can replay fixed predictions.
	x := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	truth := []int{0, 0, 0, 1, 1, 2}
	preds := fixedClassifier{0, 0, 1, 1, 1, 0}

	r, err := Evaluate(preds, x, truth, []string{"BENIGN", "DDoS", "PortScan"})
	require.NoError(t, err)

	assert.InDelta(t, 4.0/6.0, r.Accuracy, 1e-12)
	assert.Equal(t, [][]int{{2, 1, 0}, {0, 2, 0}, {1, 0, 0}}, r.Confusion)

	benign := r.Classes[0]
	assert.InDelta(t, 2.0/3.0, benign.Precision, 1e-12)
	assert.InDelta(t, 2.0/3.0, benign.Recall, 1e-12)
	assert.Equal(t, 3, benign.Support)

	ddos := r.Classes[1]
	assert.InDelta(t, 2.0/3.0, ddos.Precision, 1e-12)
	assert.InDelta(t, 1.0, ddos.Recall, 1e-12)
	assert.InDelta(t, 0.8, ddos.F1, 1e-12)

	scan := r.Classes[2]
	assert.Zero(t, scan.Precision)
	assert.Zero(t, scan.F1)

	text := r.String()
	assert.Contains(t, text, "precision")
	assert.Contains(t, text, "PortScan")
	assert.Contains(t, text, "weighted avg")
	assert.True(t, strings.Contains(text, "0.67"))
}
