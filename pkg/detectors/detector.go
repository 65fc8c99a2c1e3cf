// Package detectors provides unsupervised reconstruction-based anomaly detectors.
package detectors

import (
	"errors"
	"fmt"
)

// ErrNotTrained is returned when a detector is used before Fit or Load.
var ErrNotTrained = errors.New("model not trained")

// Reconstructor maps a normalized sample onto the manifold it learned.
type Reconstructor interface {
	// Reconstruct returns the model's reconstruction of sample, of identical width.
	Reconstruct(sample []float64) ([]float64, error)
}

// Detector is the common interface for trainable reconstruction detectors.
type Detector interface {
	Reconstructor

	// Fit trains the detector on normal traffic only.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Errors returns the reconstruction error of every sample.
	Errors(data [][]float64) ([]float64, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// ReconstructionError returns mean_i (sample_i - r(sample)_i)^2.
func ReconstructionError(r Reconstructor, sample []float64) (float64, error) {
	recon, err := r.Reconstruct(sample)
	if err != nil {
		return 0, err
	}
	return MeanSquaredError(sample, recon)
}

// MeanSquaredError returns the mean squared difference between two vectors of equal width.
func MeanSquaredError(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("reconstruction has %d features, input has %d", len(b), len(a))
	}
	if len(a) == 0 {
		return 0, errors.New("empty sample")
	}

	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a)), nil
}
