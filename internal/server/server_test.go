package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/config"
	"github.com/hed1ad/hybridguard/internal/history"
	"github.com/hed1ad/hybridguard/pkg/artifacts"
	"github.com/hed1ad/hybridguard/pkg/hybrid"
	"github.com/hed1ad/hybridguard/pkg/preprocess/labels"
	"github.com/hed1ad/hybridguard/pkg/preprocess/scaler"
)

// thresholdClassifier calls anything with a large first feature DDoS.
type thresholdClassifier struct{}

func (thresholdClassifier) Classify(v []float64) (int, error) {
	if v[0] > 5 {
		return 1, nil
	}
	return 0, nil
}

// zeroDetector reconstructs every input as the origin, so the error is mean(v^2).
type zeroDetector struct{}

func (zeroDetector) Reconstruct(v []float64) ([]float64, error) {
	return make([]float64, len(v)), nil
}

func testPredictor(t *testing.T) *hybrid.Predictor {
	t.Helper()
	s := scaler.New()
	require.NoError(t, s.Fit([][]float64{{-1, -1}, {1, 1}}, []string{"duration", "packets"}))

	enc := labels.New()
	require.NoError(t, enc.Fit([]string{"BENIGN", "DDoS"}, labels.DefaultBenign))

	p, err := hybrid.New(hybrid.Models{
		Normalizer: s,
		Codec:      enc,
		Classifier: thresholdClassifier{},
		Detector:   zeroDetector{},
		Threshold:  1.0,
	})
	require.NoError(t, err)
	return p
}

func testServer(t *testing.T, withHistory bool) (*Server, *history.Store) {
	t.Helper()
	cfg := config.Default().Server
	cfg.Mode = "test"
	cfg.MaxBatchSize = 3

	deps := Deps{
		Predictor: testPredictor(t),
		Manifest:  artifacts.Manifest{ModelVersion: "v-test", Classes: []string{"BENIGN", "DDoS"}},
		Logger:    zap.NewNop(),
	}
	if withHistory {
		store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		deps.History = store
	}

	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s, deps.History
}

// decisionsObserved returns how many decisions reached the metrics registry.
func decisionsObserved(t *testing.T, s *Server) uint64 {
	t.Helper()
	families, err := s.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "hybridguard_decision_duration_seconds" {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPredict(t *testing.T) {
	s, _ := testServer(t, false)

	tests := []struct {
		name      string
		body      string
		status    int
		outcome   string
		risk      string
		message   string
		wantError bool
	}{
		{
			name:    "known attack",
			body:    `{"duration": 10, "packets": 0}`,
			status:  http.StatusOK,
			outcome: "known_attack",
			risk:    RiskCritical,
			message: "Known Attack: DDoS",
		},
		{
			name:      "normal with numeric string",
			body:      `{"duration": 0.5, "packets": "0.5"}`,
			status:    http.StatusOK,
			outcome:   "normal",
			risk:      RiskLow,
			message:   "Normal",
			wantError: true,
		},
		{
			name:      "unknown anomaly",
			body:      `{"duration": 2, "packets": 2}`,
			status:    http.StatusOK,
			outcome:   "unknown_anomaly",
			risk:      RiskHigh,
			message:   "Unknown Anomaly",
			wantError: true,
		},
		{name: "missing field", body: `{"duration": 1}`, status: http.StatusUnprocessableEntity},
		{name: "unknown field", body: `{"duration": 1, "packets": 1, "flags": 2}`, status: http.StatusUnprocessableEntity},
		{name: "non numeric", body: `{"duration": "abc", "packets": 1}`, status: http.StatusUnprocessableEntity},
		{name: "boolean", body: `{"duration": true, "packets": 1}`, status: http.StatusUnprocessableEntity},
		{name: "key repeated after trimming", body: `{"duration": 1, " duration": 9, "packets": 1}`, status: http.StatusUnprocessableEntity},
		{name: "malformed", body: `{"duration":`, status: http.StatusBadRequest},
		{name: "array", body: `[1, 2]`, status: http.StatusBadRequest},
		{name: "empty", body: ``, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/predict", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				assert.Contains(t, rec.Body.String(), `"error"`)
				return
			}

			var resp PredictionResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.ID)
			assert.Equal(t, tt.outcome, resp.Outcome)
			assert.Equal(t, tt.risk, resp.RiskLevel)
			assert.Equal(t, tt.message, resp.Prediction)
			assert.Equal(t, 1.0, resp.Threshold)
			assert.Equal(t, tt.wantError, resp.ReconstructionError != nil)
		})
	}
}

func TestPredictBatch(t *testing.T) {
	s, store := testServer(t, true)

	rec := do(t, s, http.MethodPost, "/predict/batch", `[{"duration": 10, "packets": 0}, {"duration": 0, "packets": 0}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Predictions []PredictionResponse `json:"predictions"`
		Count       int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "known_attack", body.Predictions[0].Outcome)
	assert.Equal(t, "normal", body.Predictions[1].Outcome)

	assert.Equal(t, uint64(2), decisionsObserved(t, s))

	// a failing row rejects the whole batch and records nothing
	rec = do(t, s, http.MethodPost, "/predict/batch", `[{"duration": 0, "packets": 0}, {"duration": 0}]`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "row 1")
	assert.Equal(t, uint64(2), decisionsObserved(t, s), "rows of a rejected batch are not counted")

	rec = do(t, s, http.MethodPost, "/predict/batch", `[{}, {}, {}, {}]`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(t, s, http.MethodPost, "/predict/batch", `{"duration": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
}

func TestToFields(t *testing.T) {
	fields, err := toFields(map[string]any{" duration ": 1.5, "packets": "2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"duration": 1.5, "packets": 2}, fields)

	_, err = toFields(map[string]any{"a": 1.0, " a": 2.0})
	assert.ErrorIs(t, err, errInvalidValue)
}

func TestHistoryEndpoints(t *testing.T) {
	s, _ := testServer(t, true)

	for _, body := range []string{
		`{"duration": 10, "packets": 0}`,
		`{"duration": 2, "packets": 2}`,
		`{"duration": 0, "packets": 0}`,
	} {
		require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/predict", body).Code)
	}

	rec := do(t, s, http.MethodGet, "/predictions?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Predictions []history.Entry `json:"predictions"`
		Count       int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/predictions?limit=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/predictions?limit=-1", "").Code)

	rec = do(t, s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st history.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, map[string]int{"known_attack": 1, "unknown_anomaly": 1, "normal": 1}, st.ByOutcome)
}

func TestHistoryDisabled(t *testing.T) {
	s, _ := testServer(t, false)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/predictions", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/stats", "").Code)
}

func TestInfoEndpoints(t *testing.T) {
	s, _ := testServer(t, false)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "v-test", health["model_version"])
	assert.Equal(t, "classifier_first", health["order"])

	rec = do(t, s, http.MethodGet, "/model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m artifacts.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, []string{"BENIGN", "DDoS"}, m.Classes)

	do(t, s, http.MethodPost, "/predict", `{"duration": 10, "packets": 0}`)
	do(t, s, http.MethodPost, "/predict", `{"duration": 1}`)
	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hybridguard_predictions_total{label="DDoS",outcome="known_attack"} 1`)
	assert.Contains(t, rec.Body.String(), `hybridguard_request_errors_total{kind="schema"} 1`)
	assert.Contains(t, rec.Body.String(), "hybridguard_anomaly_threshold 1")
}

func TestNewRequiresPredictor(t *testing.T) {
	_, err := New(config.Default().Server, Deps{})
	assert.Error(t, err)
}

func TestLiveFeed(t *testing.T) {
	s, _ := testServer(t, false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/predictions"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().Len() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/predict", "application/json", strings.NewReader(`{"duration": 10, "packets": 0}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got PredictionResponse
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "known_attack", got.Outcome)
	assert.Equal(t, "DDoS", got.Label)

	s.Hub().Close()
	assert.Equal(t, 0, s.Hub().Len())
}

func TestLiveFeedRejectsForeignOrigin(t *testing.T) {
	s, _ := testServer(t, false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/predictions"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, RiskLevel(hybrid.Normal))
	assert.Equal(t, RiskHigh, RiskLevel(hybrid.UnknownAnomaly))
	assert.Equal(t, RiskCritical, RiskLevel(hybrid.KnownAttack))
}
