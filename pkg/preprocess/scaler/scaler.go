// Package scaler implements per-feature standardisation of flow feature vectors.
package scaler

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrSchemaMismatch is returned when an input does not match the fit-time feature schema.
	ErrSchemaMismatch = errors.New("feature schema mismatch")
	// ErrNonFinite is returned when an input contains NaN or infinite values.
	ErrNonFinite = errors.New("non-finite feature value")
	// ErrNotFitted is returned when the scaler is used before Fit or Load.
	ErrNotFitted = errors.New("scaler not fitted")
)

// constantTolerance treats a column whose deviation is within rounding
// noise of its mean as constant.
const constantTolerance = 1e-12

// StandardScaler centres each feature on its training mean and divides by
// its training standard deviation. It is immutable after Fit or Load.
type StandardScaler struct {
	names []string
	index map[string]int
	mean  []float64
	scale []float64
}

// New creates an unfitted scaler.
func New() *StandardScaler {
	return &StandardScaler{}
}

// Fit computes per-feature mean and population standard deviation.
// names may be nil, in which case features are named f0..f(d-1).
func (s *StandardScaler) Fit(data [][]float64, names []string) error {
	if len(data) == 0 {
		return errors.New("empty training data")
	}

	d := len(data[0])
	if d == 0 {
		return errors.New("zero-width training data")
	}
	if names != nil && len(names) != d {
		return fmt.Errorf("%w: %d names for %d features", ErrSchemaMismatch, len(names), d)
	}

	for i, row := range data {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrSchemaMismatch, i, len(row), d)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: row %d feature %d", ErrNonFinite, i, j)
			}
		}
	}

	mean := make([]float64, d)
	scale := make([]float64, d)
	column := make([]float64, len(data))
	for j := 0; j < d; j++ {
		for i, row := range data {
			column[i] = row[j]
		}
		m, variance := stat.PopMeanVariance(column, nil)
		mean[j] = m
		scale[j] = math.Sqrt(math.Max(variance, 0))
		// Constant features pass through centred but unscaled.
		if scale[j] <= constantTolerance*math.Max(1, math.Abs(m)) {
			scale[j] = 1
		}
	}

	if names == nil {
		names = make([]string, d)
		for j := range names {
			names[j] = fmt.Sprintf("f%d", j)
		}
	}

	s.names = append([]string(nil), names...)
	s.mean = mean
	s.scale = scale
	s.buildIndex()
	return nil
}

func (s *StandardScaler) buildIndex() {
	s.index = make(map[string]int, len(s.names))
	for i, name := range s.names {
		s.index[name] = i
	}
}

// Dim returns the number of features the scaler was fitted on.
func (s *StandardScaler) Dim() int {
	return len(s.mean)
}

// FeatureNames returns the fit-time feature order.
func (s *StandardScaler) FeatureNames() []string {
	return append([]string(nil), s.names...)
}

// Mean returns the fitted per-feature means.
func (s *StandardScaler) Mean() []float64 {
	return append([]float64(nil), s.mean...)
}

// Scale returns the fitted per-feature divisors.
func (s *StandardScaler) Scale() []float64 {
	return append([]float64(nil), s.scale...)
}

// Normalize scales a raw feature vector. The input is never modified.
func (s *StandardScaler) Normalize(raw []float64) ([]float64, error) {
	if s.mean == nil {
		return nil, ErrNotFitted
	}
	if len(raw) != len(s.mean) {
		return nil, fmt.Errorf("%w: got %d features, want %d", ErrSchemaMismatch, len(raw), len(s.mean))
	}

	out := make([]float64, len(raw))
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: feature %q", ErrNonFinite, s.names[i])
		}
		out[i] = (v - s.mean[i]) / s.scale[i]
	}
	return out, nil
}

// NormalizeBatch scales every row, failing on the first bad one.
func (s *StandardScaler) NormalizeBatch(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		v, err := s.Normalize(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Vectorize orders a name-keyed record into fit-time feature order.
// Missing names always fail; unknown names fail unless ignoreUnknown is set.
func (s *StandardScaler) Vectorize(fields map[string]float64, ignoreUnknown bool) ([]float64, error) {
	if s.mean == nil {
		return nil, ErrNotFitted
	}

	out := make([]float64, len(s.names))
	var missing []string
	for i, name := range s.names {
		v, ok := fields[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out[i] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing fields %s", ErrSchemaMismatch, strings.Join(missing, ", "))
	}

	if !ignoreUnknown && len(fields) != len(s.names) {
		var unknown []string
		for name := range fields {
			if _, ok := s.index[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unknown fields %s", ErrSchemaMismatch, strings.Join(unknown, ", "))
	}

	return out, nil
}

// Save serializes the fitted parameters.
func (s *StandardScaler) Save() ([]byte, error) {
	if s.mean == nil {
		return nil, ErrNotFitted
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(s.names); err != nil {
		return nil, err
	}
	if err := enc.Encode(s.mean); err != nil {
		return nil, err
	}
	if err := enc.Encode(s.scale); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes parameters written by Save.
func (s *StandardScaler) Load(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))

	var names []string
	var mean, scale []float64
	if err := dec.Decode(&names); err != nil {
		return err
	}
	if err := dec.Decode(&mean); err != nil {
		return err
	}
	if err := dec.Decode(&scale); err != nil {
		return err
	}
	if len(names) != len(mean) || len(mean) != len(scale) || len(mean) == 0 {
		return fmt.Errorf("%w: inconsistent scaler parameters", ErrSchemaMismatch)
	}

	s.names = names
	s.mean = mean
	s.scale = scale
	s.buildIndex()
	return nil
}
