package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/config"
	guardio "github.com/hed1ad/hybridguard/pkg/io"
)

// writeFlowsCSV writes n labelled rows drawn around one center per class.
func writeFlowsCSV(t *testing.T, n int) string {
	t.Helper()

	rng := rand.New(rand.NewSource(7))
	centers := map[string][]float64{
		"BENIGN": {0, 0, 0, 0},
		"DDoS":   {9, 9, 0, 0},
	}
	order := []string{"BENIGN", "BENIGN", "DDoS"}

	var b strings.Builder
	b.WriteString(" Flow Duration, Total Fwd Packets, Flow Bytes/s, SYN Flag Count, Label\n")
	for i := 0; i < n; i++ {
		label := order[i%len(order)]
		for _, c := range centers[label] {
			fmt.Fprintf(&b, "%.4f,", c+rng.NormFloat64())
		}
		b.WriteString(label + "\n")
	}
	// dropped at load time
	b.WriteString("1,2,NaN,0,BENIGN\n")

	path := filepath.Join(t.TempDir(), "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Model.Dir = filepath.Join(t.TempDir(), "models")
	cfg.Training.Classifier.Epochs = 30
	cfg.Training.Detector.Epochs = 10
	cfg.Training.Detector.BatchSize = 32
	cfg.Training.ModelVersion = "cli-test"
	return cfg
}

func TestTrainInspectPredict(t *testing.T) {
	cfg := testConfig(t)
	data := writeFlowsCSV(t, 300)
	logger := zap.NewNop()
	ctx := context.Background()

	var report bytes.Buffer
	require.NoError(t, runTrain(ctx, cfg, logger, data, &report))
	assert.Contains(t, report.String(), "Classification Report")
	assert.Contains(t, report.String(), "DDoS")
	assert.Contains(t, report.String(), "Autoencoder Threshold:")

	var manifest bytes.Buffer
	require.NoError(t, runInspect(cfg.Model.Dir, true, &manifest))
	assert.Contains(t, manifest.String(), "model_version: cli-test")
	assert.Contains(t, manifest.String(), "- Flow Duration")
	assert.Contains(t, manifest.String(), "# all artifacts verified")

	out := filepath.Join(t.TempDir(), "decisions.jsonl")
	require.NoError(t, runPredict(ctx, cfg, logger, data, out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	var results []guardio.Result
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r guardio.Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, results, 300)

	var attacks int
	for i, r := range results {
		assert.Empty(t, r.Error)
		assert.Equal(t, float64(i), r.Metadata["row"])
		if r.Outcome == "known_attack" {
			attacks++
			assert.Equal(t, "DDoS", r.Label)
			assert.Nil(t, r.ReconstructionError)
		}
	}
	assert.Greater(t, attacks, 80)
}

func TestPredictMissingArtifacts(t *testing.T) {
	cfg := testConfig(t)
	err := runPredict(context.Background(), cfg, zap.NewNop(), writeFlowsCSV(t, 10), "-")
	assert.Error(t, err)
}

func TestInspectMissingManifest(t *testing.T) {
	err := runInspect(t.TempDir(), false, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "hybridguard dev\n", out.String())
}
