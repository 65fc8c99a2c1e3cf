// Package io provides input/output utilities for flow ingestion and decision output.
package io

import (
	"context"
	"time"

	"github.com/hed1ad/hybridguard/pkg/hybrid"
)

// Reader is the interface for reading feature vectors from various sources.
type Reader interface {
	// Read returns the complete dataset.
	Read() ([][]float64, error)

	// Stream returns a channel of samples for real-time processing.
	Stream(ctx context.Context) (<-chan []float64, error)

	// FeatureNames returns the column order of the produced vectors.
	FeatureNames() []string

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing decision results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close releases resources.
	Close() error
}

// Result is the serialisable form of one hybrid decision.
type Result struct {
	Timestamp           int64          `json:"timestamp"`
	Prediction          string         `json:"prediction"`
	Outcome             string         `json:"outcome"`
	Label               string         `json:"label,omitempty"`
	ReconstructionError *float64       `json:"reconstruction_error,omitempty"`
	IsAnomaly           bool           `json:"is_anomaly"`
	Error               string         `json:"error,omitempty"`
	Features            []float64      `json:"features,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// NewResult converts a decision into its serialisable form.
func NewResult(r hybrid.Result, at time.Time) Result {
	out := Result{
		Timestamp:  at.UnixMilli(),
		Prediction: r.String(),
		Outcome:    r.Kind.String(),
		Label:      r.Label,
		IsAnomaly:  r.IsAnomaly(),
	}
	if r.HasError() {
		e := r.Error
		out.ReconstructionError = &e
	}
	return out
}

// FailedResult records an input that could not be decided.
func FailedResult(err error, at time.Time) Result {
	return Result{
		Timestamp:  at.UnixMilli(),
		Prediction: "Error",
		Outcome:    "error",
		Error:      err.Error(),
	}
}
