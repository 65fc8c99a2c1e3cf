// Package hybrid composes a supervised attack classifier and a reconstruction
// anomaly detector into a single three-way traffic decision.
//
// A Predictor is immutable after New and holds no locks: any number of
// goroutines may call Decide concurrently against the same instance.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hed1ad/hybridguard/pkg/classifiers"
	"github.com/hed1ad/hybridguard/pkg/detectors"
	"github.com/hed1ad/hybridguard/pkg/preprocess/labels"
	"github.com/hed1ad/hybridguard/pkg/preprocess/scaler"
)

var (
	// ErrSchemaMismatch is returned when an input does not match the fit-time schema.
	ErrSchemaMismatch = scaler.ErrSchemaMismatch
	// ErrUnknownClassCode is returned when the classifier emits a code the codec cannot decode.
	ErrUnknownClassCode = labels.ErrUnknownClassCode
)

// Normalizer applies the fitted feature scaling.
type Normalizer interface {
	Normalize(raw []float64) ([]float64, error)
}

// NamedNormalizer can additionally order a name-keyed record into fit-time feature order.
type NamedNormalizer interface {
	Normalizer
	Vectorize(fields map[string]float64, ignoreUnknown bool) ([]float64, error)
}

// Codec decodes class codes and identifies the benign class.
type Codec interface {
	Decode(code int) (string, error)
	BenignLabel() string
}

// Models is the set of frozen artifacts a Predictor decides with.
type Models struct {
	Normalizer Normalizer
	Codec      Codec
	Classifier classifiers.Classifier
	Detector   detectors.Reconstructor
	Threshold  float64
}

// Order selects which model adjudicates first.
type Order int

const (
	// ClassifierFirst trusts the classifier for known attacks and only asks
	// the detector about traffic the classifier calls benign.
	ClassifierFirst Order = iota
	// DetectorFirst flags anything above threshold as an unknown anomaly and
	// lets the classifier label the rest.
	DetectorFirst
)

// String returns the configuration name of the order.
func (o Order) String() string {
	switch o {
	case ClassifierFirst:
		return "classifier_first"
	case DetectorFirst:
		return "detector_first"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder converts a configuration name into an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "classifier_first":
		return ClassifierFirst, nil
	case "detector_first":
		return DetectorFirst, nil
	default:
		return 0, fmt.Errorf("unknown decision order %q", s)
	}
}

// Predictor is the immutable decision context.
type Predictor struct {
	normalizer    Normalizer
	codec         Codec
	classifier    classifiers.Classifier
	detector      detectors.Reconstructor
	threshold     float64
	benign        string
	order         Order
	ignoreUnknown bool
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithOrder sets the decision order.
func WithOrder(o Order) Option {
	return func(p *Predictor) {
		p.order = o
	}
}

// WithIgnoreUnknownFields makes DecideNamed skip fields outside the schema.
func WithIgnoreUnknownFields(ignore bool) Option {
	return func(p *Predictor) {
		p.ignoreUnknown = ignore
	}
}

// New validates the artifacts and builds a Predictor.
func New(m Models, opts ...Option) (*Predictor, error) {
	switch {
	case m.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case m.Codec == nil:
		return nil, errors.New("codec is required")
	case m.Classifier == nil:
		return nil, errors.New("classifier is required")
	case m.Detector == nil:
		return nil, errors.New("detector is required")
	}
	if m.Threshold < 0 || math.IsNaN(m.Threshold) || math.IsInf(m.Threshold, 0) {
		return nil, fmt.Errorf("threshold %v must be finite and non-negative", m.Threshold)
	}
	benign := m.Codec.BenignLabel()
	if benign == "" {
		return nil, errors.New("codec has no benign class")
	}

	p := &Predictor{
		normalizer: m.Normalizer,
		codec:      m.Codec,
		classifier: m.Classifier,
		detector:   m.Detector,
		threshold:  m.Threshold,
		benign:     benign,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.order != ClassifierFirst && p.order != DetectorFirst {
		return nil, fmt.Errorf("unknown decision order %v", p.order)
	}

	return p, nil
}

// Threshold returns the calibrated anomaly threshold.
func (p *Predictor) Threshold() float64 {
	return p.threshold
}

// Order returns the configured decision order.
func (p *Predictor) Order() Order {
	return p.order
}

// Decide classifies one raw feature vector.
func (p *Predictor) Decide(raw []float64) (Result, error) {
	v, err := p.normalizer.Normalize(raw)
	if err != nil {
		return Result{}, err
	}

	if p.order == DetectorFirst {
		return p.detectorFirst(v)
	}
	return p.classifierFirst(v)
}

func (p *Predictor) classifierFirst(v []float64) (Result, error) {
	label, err := p.label(v)
	if err != nil {
		return Result{}, err
	}
	if label != p.benign {
		return KnownAttackResult(label), nil
	}

	e, err := p.reconstructionError(v)
	if err != nil {
		return Result{}, err
	}
	if e > p.threshold {
		return UnknownAnomalyResult(e), nil
	}
	return NormalResult(label, e), nil
}

func (p *Predictor) detectorFirst(v []float64) (Result, error) {
	e, err := p.reconstructionError(v)
	if err != nil {
		return Result{}, err
	}
	if e > p.threshold {
		return UnknownAnomalyResult(e), nil
	}

	label, err := p.label(v)
	if err != nil {
		return Result{}, err
	}
	if label != p.benign {
		return KnownAttackResult(label), nil
	}
	return NormalResult(label, e), nil
}

func (p *Predictor) label(v []float64) (string, error) {
	code, err := p.classifier.Classify(v)
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	return p.codec.Decode(code)
}

func (p *Predictor) reconstructionError(v []float64) (float64, error) {
	e, err := detectors.ReconstructionError(p.detector, v)
	if err != nil {
		return 0, fmt.Errorf("reconstruct: %w", err)
	}
	return e, nil
}

// DecideNamed classifies a record keyed by feature name. The normalizer must
// know its feature names.
func (p *Predictor) DecideNamed(fields map[string]float64) (Result, error) {
	nn, ok := p.normalizer.(NamedNormalizer)
	if !ok {
		return Result{}, errors.New("normalizer does not support named features")
	}

	raw, err := nn.Vectorize(fields, p.ignoreUnknown)
	if err != nil {
		return Result{}, err
	}
	return p.Decide(raw)
}

// DecideBatch classifies every row, failing on the first error.
func (p *Predictor) DecideBatch(rows [][]float64) ([]Result, error) {
	out := make([]Result, len(rows))
	for i, row := range rows {
		r, err := p.Decide(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// Outcome pairs a streamed input with its decision or failure.
type Outcome struct {
	Features []float64
	Result   Result
	Err      error
}

// DecideStream decides every vector received on input until it closes or
// ctx is cancelled. Failed inputs are reported on output with Err set.
func (p *Predictor) DecideStream(ctx context.Context, input <-chan []float64, output chan<- Outcome) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			res, err := p.Decide(sample)

			select {
			case output <- Outcome{Features: sample, Result: res, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
