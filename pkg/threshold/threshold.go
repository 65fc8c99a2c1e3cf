// Package threshold derives anomaly decision thresholds from benign reconstruction errors.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// DefaultSigma is the number of standard deviations above the mean benign error.
const DefaultSigma = 3.0

// Calibrator computes threshold = mean + Sigma * stddev over benign errors.
type Calibrator struct {
	sigma float64
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithSigma sets the standard-deviation multiplier.
func WithSigma(k float64) Option {
	return func(c *Calibrator) {
		c.sigma = k
	}
}

// New creates a Calibrator with the given options.
func New(opts ...Option) *Calibrator {
	c := &Calibrator{sigma: DefaultSigma}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Sigma returns the configured multiplier.
func (c *Calibrator) Sigma() float64 {
	return c.sigma
}

// Result is the outcome of a calibration run.
type Result struct {
	Threshold float64
	Mean      float64
	StdDev    float64
	Sigma     float64
	N         int
}

// Calibrate computes the threshold from benign reconstruction errors.
// The standard deviation is the population one. Identical inputs give
// bit-identical thresholds.
func (c *Calibrator) Calibrate(errs []float64) (Result, error) {
	if len(errs) == 0 {
		return Result{}, errors.New("no benign errors to calibrate on")
	}
	if c.sigma < 0 || math.IsNaN(c.sigma) || math.IsInf(c.sigma, 0) {
		return Result{}, fmt.Errorf("invalid sigma %v", c.sigma)
	}

	for i, e := range errs {
		if e < 0 || math.IsNaN(e) || math.IsInf(e, 0) {
			return Result{}, fmt.Errorf("error %d is %v, want a finite non-negative value", i, e)
		}
	}

	mean, variance := stat.PopMeanVariance(errs, nil)
	std := math.Sqrt(math.Max(variance, 0))

	return Result{
		Threshold: mean + c.sigma*std,
		Mean:      mean,
		StdDev:    std,
		Sigma:     c.sigma,
		N:         len(errs),
	}, nil
}

// Format renders a threshold so that Parse recovers the identical float.
func Format(t float64) string {
	return strconv.FormatFloat(t, 'g', -1, 64)
}

// Parse reads a threshold written by Format.
func Parse(s string) (float64, error) {
	t, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, fmt.Errorf("threshold %v must be finite and non-negative", t)
	}
	return t, nil
}
