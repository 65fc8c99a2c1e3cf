// Package classifiers provides supervised multi-class traffic classifiers.
package classifiers

import "errors"

// ErrNotTrained is returned when a classifier is used before Fit or Load.
var ErrNotTrained = errors.New("classifier not trained")

// Classifier maps a normalized feature vector to a class code.
type Classifier interface {
	// Classify returns the predicted class code for a single sample.
	Classify(sample []float64) (int, error)
}

// Model is a trainable, persistable Classifier.
type Model interface {
	Classifier

	// Fit trains the classifier on samples and their class codes.
	Fit(data [][]float64, codes []int, numClasses int) error

	// Probabilities returns the per-class probabilities for a sample.
	Probabilities(sample []float64) ([]float64, error)

	// NumClasses returns the number of classes the model predicts.
	NumClasses() int

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}
