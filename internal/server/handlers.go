package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/history"
	"github.com/hed1ad/hybridguard/internal/metrics"
	"github.com/hed1ad/hybridguard/pkg/hybrid"
	"github.com/hed1ad/hybridguard/pkg/preprocess/scaler"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Risk levels reported alongside each decision.
const (
	RiskLow      = "LOW"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// RiskLevel maps a decision kind to the risk shown to operators.
func RiskLevel(k hybrid.Kind) string {
	switch k {
	case hybrid.KnownAttack:
		return RiskCritical
	case hybrid.UnknownAnomaly:
		return RiskHigh
	default:
		return RiskLow
	}
}

// PredictionResponse is the JSON body returned for one decision.
type PredictionResponse struct {
	ID                  string    `json:"id"`
	Prediction          string    `json:"prediction"`
	Outcome             string    `json:"outcome"`
	Label               string    `json:"label,omitempty"`
	ReconstructionError *float64  `json:"reconstruction_error,omitempty"`
	Threshold           float64   `json:"threshold"`
	IsAnomaly           bool      `json:"is_anomaly"`
	RiskLevel           string    `json:"risk_level"`
	Timestamp           time.Time `json:"timestamp"`
}

func newResponse(r hybrid.Result, threshold float64, at time.Time) PredictionResponse {
	resp := PredictionResponse{
		ID:         uuid.NewString(),
		Prediction: r.String(),
		Outcome:    r.Kind.String(),
		Label:      r.Label,
		Threshold:  threshold,
		IsAnomaly:  r.IsAnomaly(),
		RiskLevel:  RiskLevel(r.Kind),
		Timestamp:  at.UTC(),
	}
	if r.HasError() {
		e := r.Error
		resp.ReconstructionError = &e
	}
	return resp
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// errInvalidValue marks a field that is not a finite number or is given twice.
var errInvalidValue = errors.New("invalid feature value")

// toFields converts a decoded JSON object into numeric features. Values may
// be JSON numbers or numeric strings.
func toFields(obj map[string]any) (map[string]float64, error) {
	fields := make(map[string]float64, len(obj))
	for name, raw := range obj {
		var v float64
		switch x := raw.(type) {
		case float64:
			v = x
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not numeric", errInvalidValue, name)
			}
			v = f
		default:
			return nil, fmt.Errorf("%w: %q must be a number", errInvalidValue, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %q is not finite", errInvalidValue, name)
		}
		key := strings.TrimSpace(name)
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("%w: %q appears more than once", errInvalidValue, key)
		}
		fields[key] = v
	}
	return fields, nil
}

// decisionStatus maps a decision failure to an HTTP status and metric kind.
func decisionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, hybrid.ErrSchemaMismatch),
		errors.Is(err, scaler.ErrNonFinite),
		errors.Is(err, errInvalidValue):
		return http.StatusUnprocessableEntity, metrics.ErrorSchema
	default:
		return http.StatusInternalServerError, metrics.ErrorInternal
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, kind := decisionStatus(err)
	s.metrics.ObserveError(kind)
	msg := "invalid features"
	if status == http.StatusInternalServerError {
		msg = "prediction failed"
		s.logger.Error("prediction failed", zap.Error(err))
	}
	c.JSON(status, errorResponse{Error: msg, Details: err.Error()})
}

func (s *Server) malformed(c *gin.Context, err error) {
	s.metrics.ObserveError(metrics.ErrorMalformed)
	c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request", Details: err.Error()})
}

// decide runs one object through the predictor and reports how long the
// decision took. Callers observe metrics once the request is known to succeed.
func (s *Server) decide(obj map[string]any) (hybrid.Result, time.Duration, error) {
	fields, err := toFields(obj)
	if err != nil {
		return hybrid.Result{}, 0, err
	}
	start := time.Now()
	res, err := s.predictor.DecideNamed(fields)
	if err != nil {
		return hybrid.Result{}, 0, err
	}
	return res, time.Since(start), nil
}

// publish records a decision in history and on the live feed.
func (s *Server) publish(ctx context.Context, resp PredictionResponse, source string) {
	if s.history != nil {
		_, err := s.history.Record(ctx, history.Entry{
			ID:                  resp.ID,
			CreatedAt:           resp.Timestamp,
			Outcome:             resp.Outcome,
			Label:               resp.Label,
			ReconstructionError: resp.ReconstructionError,
			Threshold:           resp.Threshold,
			RiskLevel:           resp.RiskLevel,
			Source:              source,
		})
		if err != nil {
			s.logger.Warn("failed to record prediction", zap.String("id", resp.ID), zap.Error(err))
		}
	}
	s.hub.Broadcast(resp)
}

func (s *Server) predict(c *gin.Context) {
	var obj map[string]any
	if err := c.ShouldBindJSON(&obj); err != nil {
		s.malformed(c, err)
		return
	}

	res, took, err := s.decide(obj)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.metrics.ObserveDecision(res, took)

	resp := newResponse(res, s.predictor.Threshold(), time.Now())
	s.publish(c.Request.Context(), resp, "api")
	c.JSON(http.StatusOK, resp)
}

// predictBatch decides every object or none: the first failing row aborts
// the request.
func (s *Server) predictBatch(c *gin.Context) {
	var objs []map[string]any
	if err := c.ShouldBindJSON(&objs); err != nil {
		s.malformed(c, err)
		return
	}
	if len(objs) > s.cfg.MaxBatchSize {
		s.metrics.ObserveError(metrics.ErrorMalformed)
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{
			Error:   "batch too large",
			Details: fmt.Sprintf("%d rows exceed the limit of %d", len(objs), s.cfg.MaxBatchSize),
		})
		return
	}

	now := time.Now()
	results := make([]hybrid.Result, len(objs))
	took := make([]time.Duration, len(objs))
	out := make([]PredictionResponse, len(objs))
	for i, obj := range objs {
		res, d, err := s.decide(obj)
		if err != nil {
			s.fail(c, fmt.Errorf("row %d: %w", i, err))
			return
		}
		results[i], took[i] = res, d
		out[i] = newResponse(res, s.predictor.Threshold(), now)
	}

	for i, resp := range out {
		s.metrics.ObserveDecision(results[i], took[i])
		s.publish(c.Request.Context(), resp, "batch")
	}
	c.JSON(http.StatusOK, gin.H{"predictions": out, "count": len(out)})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"timestamp":     time.Now().UTC(),
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"model_version": s.manifest.ModelVersion,
		"threshold":     s.predictor.Threshold(),
		"order":         s.predictor.Order().String(),
		"history":       s.history != nil,
		"live_clients":  s.hub.Len(),
	})
}

func (s *Server) model(c *gin.Context) {
	c.JSON(http.StatusOK, s.manifest)
}

func (s *Server) predictions(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "history disabled"})
		return
	}

	limit := defaultLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.malformed(c, fmt.Errorf("limit %q must be a positive integer", q))
			return
		}
		limit = min(n, maxLimit)
	}

	entries, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "history unavailable", Details: err.Error()})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"predictions": entries, "count": len(entries)})
}

func (s *Server) stats(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "history disabled"})
		return
	}

	st, err := s.history.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read history stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "history unavailable", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}
