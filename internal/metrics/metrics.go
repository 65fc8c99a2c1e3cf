// Package metrics exports Prometheus metrics for the decision service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hed1ad/hybridguard/pkg/hybrid"
)

const namespace = "hybridguard"

// Error kinds reported by ObserveError.
const (
	ErrorMalformed = "malformed"
	ErrorSchema    = "schema"
	ErrorInternal  = "internal"
)

// Metrics holds the collectors of one service instance on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	predictions      *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	reconError       prometheus.Histogram
	threshold        prometheus.Gauge
	requestErrors    *prometheus.CounterVec
	wsClients        prometheus.Gauge
}

// New creates and registers the service collectors plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Decisions made, by outcome and class label.",
		}, []string{"outcome", "label"}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent deciding a single flow.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		reconError: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruction_error",
			Help:      "Autoencoder reconstruction error of flows the detector scored.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_threshold",
			Help:      "Calibrated reconstruction error threshold in use.",
		}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Rejected prediction requests, by kind.",
		}, []string{"kind"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected live feed clients.",
		}),
	}

	m.registry.MustRegister(
		m.predictions,
		m.decisionDuration,
		m.reconError,
		m.threshold,
		m.requestErrors,
		m.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision records one decision and how long it took.
func (m *Metrics) ObserveDecision(r hybrid.Result, took time.Duration) {
	m.predictions.WithLabelValues(r.Kind.String(), r.Label).Inc()
	m.decisionDuration.Observe(took.Seconds())
	if r.HasError() {
		m.reconError.Observe(r.Error)
	}
}

// ObserveError counts a rejected request.
func (m *Metrics) ObserveError(kind string) {
	m.requestErrors.WithLabelValues(kind).Inc()
}

// SetThreshold publishes the threshold in use.
func (m *Metrics) SetThreshold(t float64) {
	m.threshold.Set(t)
}

// ClientConnected counts a new live feed client.
func (m *Metrics) ClientConnected() { m.wsClients.Inc() }

// ClientDisconnected uncounts a live feed client.
func (m *Metrics) ClientDisconnected() { m.wsClients.Dec() }
