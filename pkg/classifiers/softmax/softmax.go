// Package softmax implements a dense softmax network for attack classification.
package softmax

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/openfluke/loom/nn"

	"github.com/hed1ad/hybridguard/pkg/classifiers"
)

const modelID = "hybridguard-classifier"

// Classifier is a d -> hidden -> classes dense network with a softmax
// output, trained with mini-batch gradient descent on one-hot targets.
type Classifier struct {
	// mu also serializes forward passes, which reuse the network's buffers.
	mu sync.Mutex

	// Configuration
	epochs       int
	learningRate float64
	batchSize    int
	hiddenDim    int
	rng          *rand.Rand

	// Trained model
	inputDim   int
	numClasses int
	hidden     int
	net        *nn.Network
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithEpochs sets the number of passes over the training data.
func WithEpochs(n int) Option {
	return func(c *Classifier) {
		c.epochs = n
	}
}

// WithLearningRate sets the gradient descent step size.
func WithLearningRate(lr float64) Option {
	return func(c *Classifier) {
		c.learningRate = lr
	}
}

// WithBatchSize sets how many samples are handed to each training step.
func WithBatchSize(n int) Option {
	return func(c *Classifier) {
		c.batchSize = n
	}
}

// WithHiddenDim sets the hidden layer width. Zero selects max(16, 2*classes).
func WithHiddenDim(n int) Option {
	return func(c *Classifier) {
		c.hiddenDim = n
	}
}

// WithSeed sets the random seed for weight initialisation and shuffling.
func WithSeed(seed int64) Option {
	return func(c *Classifier) {
		c.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a new Classifier with the given options.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		epochs:       100,
		learningRate: 0.05,
		batchSize:    64,
		rng:          rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Fit trains the classifier on normalized samples labelled with codes in [0, numClasses).
func (c *Classifier) Fit(data [][]float64, codes []int, numClasses int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}
	if len(data) != len(codes) {
		return fmt.Errorf("got %d samples but %d labels", len(data), len(codes))
	}
	if numClasses < 2 {
		return fmt.Errorf("need at least 2 classes, got %d", numClasses)
	}

	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
		if codes[i] < 0 || codes[i] >= numClasses {
			return fmt.Errorf("row %d has class code %d outside [0, %d)", i, codes[i], numClasses)
		}
	}

	h := c.hiddenDim
	if h <= 0 {
		h = max(16, 2*numClasses)
	}

	batchSize := c.batchSize
	if batchSize <= 0 || batchSize > len(data) {
		batchSize = len(data)
	}

	samples := make([]nn.TrainingBatch, len(data))
	for i, row := range data {
		target := make([]float32, numClasses)
		target[codes[i]] = 1
		samples[i] = nn.TrainingBatch{Input: toFloat32(row), Target: target}
	}

	net := c.buildNetwork(nFeatures, h, numClasses)
	cfg := &nn.TrainingConfig{Epochs: 1, LearningRate: float32(c.learningRate), LossType: "mse"}
	batch := make([]nn.TrainingBatch, 0, batchSize)

	for epoch := 0; epoch < c.epochs; epoch++ {
		order := c.rng.Perm(len(samples))
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			batch = batch[:0]
			for _, idx := range order[start:end] {
				batch = append(batch, samples[idx])
			}
			net.Train(batch, cfg)
		}
	}

	c.inputDim = nFeatures
	c.numClasses = numClasses
	c.hidden = h
	c.net = net

	return nil
}

// buildNetwork stacks a LeakyReLU hidden layer, a LeakyReLU logit layer
// and a standard softmax, with seeded Glorot-uniform kernels.
func (c *Classifier) buildNetwork(d, h, k int) *nn.Network {
	hidden := nn.InitDenseLayer(d, h, nn.ActivationLeakyReLU)
	hidden.InputHeight = d
	hidden.OutputHeight = h
	c.resetWeights(&hidden)

	logits := nn.InitDenseLayer(h, k, nn.ActivationLeakyReLU)
	logits.InputHeight = h
	logits.OutputHeight = k
	c.resetWeights(&logits)

	out := nn.LayerConfig{
		Type:           nn.LayerSoftmax,
		SoftmaxVariant: nn.SoftmaxStandard,
		Temperature:    1.0,
		InputHeight:    k,
		OutputHeight:   k,
	}

	net := nn.NewNetwork(d, 1, 1, 3)
	net.BatchSize = 1
	net.SetLayer(0, 0, 0, hidden)
	net.SetLayer(0, 0, 1, logits)
	net.SetLayer(0, 0, 2, out)
	return net
}

func (c *Classifier) resetWeights(l *nn.LayerConfig) {
	limit := float32(math.Sqrt(6.0 / float64(l.InputHeight+l.OutputHeight)))
	for i := range l.Kernel {
		l.Kernel[i] = (c.rng.Float32()*2 - 1) * limit
	}
	for i := range l.Bias {
		l.Bias[i] = 0
	}
}

func (c *Classifier) check(sample []float64) error {
	if c.net == nil {
		return classifiers.ErrNotTrained
	}
	if len(sample) != c.inputDim {
		return fmt.Errorf("sample has %d features, model expects %d", len(sample), c.inputDim)
	}
	return nil
}

func (c *Classifier) forward(sample []float64) []float64 {
	out, _ := c.net.ForwardCPU(toFloat32(sample))

	probs := make([]float64, c.numClasses)
	for k := range probs {
		probs[k] = float64(out[k])
	}
	return probs
}

// Classify returns the most probable class code. Ties resolve to the lowest code.
func (c *Classifier) Classify(sample []float64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(sample); err != nil {
		return 0, err
	}

	best, bestProb := 0, math.Inf(-1)
	for k, p := range c.forward(sample) {
		if p > bestProb {
			best, bestProb = k, p
		}
	}

	return best, nil
}

// Probabilities returns the softmax distribution over classes.
func (c *Classifier) Probabilities(sample []float64) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(sample); err != nil {
		return nil, err
	}
	return c.forward(sample), nil
}

// NumClasses returns the number of output classes, or 0 before training.
func (c *Classifier) NumClasses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numClasses
}

// Dim returns the input dimensionality, or 0 before training.
func (c *Classifier) Dim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputDim
}

// snapshot is the gob form of a trained classifier.
type snapshot struct {
	InputDim   int
	NumClasses int
	Hidden     int
	Model      string // loom model JSON
}

// Save serializes the trained model.
func (c *Classifier) Save() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.net == nil {
		return nil, classifiers.ErrNotTrained
	}

	model, err := c.net.SaveModelToString(modelID)
	if err != nil {
		return nil, fmt.Errorf("serialize network: %w", err)
	}

	var buf bytes.Buffer
	s := snapshot{InputDim: c.inputDim, NumClasses: c.numClasses, Hidden: c.hidden, Model: model}
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (c *Classifier) Load(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if s.InputDim < 1 || s.NumClasses < 2 || s.Hidden < 1 {
		return errors.New("inconsistent classifier dimensions")
	}

	net, err := nn.LoadModelFromString(s.Model, modelID)
	if err != nil {
		return fmt.Errorf("load network: %w", err)
	}
	net.BatchSize = 1

	c.inputDim = s.InputDim
	c.numClasses = s.NumClasses
	c.hidden = s.Hidden
	c.net = net

	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
