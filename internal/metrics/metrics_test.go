package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hybridguard/pkg/hybrid"
)

func TestObserveDecision(t *testing.T) {
	m := New()

	m.ObserveDecision(hybrid.KnownAttackResult("DDoS"), time.Millisecond)
	m.ObserveDecision(hybrid.KnownAttackResult("DDoS"), time.Millisecond)
	m.ObserveDecision(hybrid.UnknownAnomalyResult(0.4), time.Millisecond)
	m.ObserveDecision(hybrid.NormalResult("BENIGN", 0.01), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("known_attack", "DDoS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("unknown_anomaly", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("normal", "BENIGN")))

	var pb dto.Metric
	require.NoError(t, m.reconError.Write(&pb))
	assert.Equal(t, uint64(2), pb.GetHistogram().GetSampleCount())
}

func TestGaugesAndErrors(t *testing.T) {
	m := New()
	m.SetThreshold(0.026)
	m.ObserveError(ErrorSchema)
	m.ObserveError(ErrorSchema)
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()

	assert.Equal(t, 0.026, testutil.ToFloat64(m.threshold))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestErrors.WithLabelValues(ErrorSchema)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsClients))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetThreshold(0.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "hybridguard_anomaly_threshold 0.5")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
