// Package autoencoder implements a dense undercomplete autoencoder for anomaly detection.
package autoencoder

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/openfluke/loom/nn"

	"github.com/hed1ad/hybridguard/pkg/detectors"
)

const (
	modelID = "hybridguard-autoencoder"

	// outputScale maps normalized features into the tanh range of the
	// decoder: targets are tanh(x/outputScale).
	outputScale = 4.0

	// atanhLimit keeps saturated decoder outputs finite when mapped back.
	atanhLimit = 1 - 1e-6
)

// Autoencoder learns to reconstruct normal traffic through a bottleneck
// narrower than the input: d -> h (LeakyReLU) -> d (tanh, rescaled).
type Autoencoder struct {
	// mu also serializes forward passes, which reuse the network's buffers.
	mu sync.Mutex

	// Configuration
	encodingDim     int
	epochs          int
	batchSize       int
	learningRate    float64
	validationSplit float64
	rng             *rand.Rand
	progress        func(Epoch)

	// Trained model
	inputDim int
	hidden   int
	net      *nn.Network
}

// Epoch reports training progress after each pass over the data.
type Epoch struct {
	Epoch   int
	Loss    float64
	ValLoss float64 // NaN when no validation split is used
}

// Option configures an Autoencoder.
type Option func(*Autoencoder)

// WithEncodingDim sets the bottleneck width. Zero selects min(32, d/2).
func WithEncodingDim(n int) Option {
	return func(a *Autoencoder) {
		a.encodingDim = n
	}
}

// WithEpochs sets the number of training epochs.
func WithEpochs(n int) Option {
	return func(a *Autoencoder) {
		a.epochs = n
	}
}

// WithBatchSize sets how many samples are handed to each training step.
func WithBatchSize(n int) Option {
	return func(a *Autoencoder) {
		a.batchSize = n
	}
}

// WithLearningRate sets the gradient descent step size.
func WithLearningRate(lr float64) Option {
	return func(a *Autoencoder) {
		a.learningRate = lr
	}
}

// WithValidationSplit holds out the trailing fraction of the data for validation loss.
func WithValidationSplit(f float64) Option {
	return func(a *Autoencoder) {
		a.validationSplit = f
	}
}

// WithSeed sets the random seed for weight initialisation and shuffling.
func WithSeed(seed int64) Option {
	return func(a *Autoencoder) {
		a.rng = rand.New(rand.NewSource(seed))
	}
}

// WithProgress registers a callback invoked after every epoch.
func WithProgress(fn func(Epoch)) Option {
	return func(a *Autoencoder) {
		a.progress = fn
	}
}

// New creates a new Autoencoder with the given options.
func New(opts ...Option) *Autoencoder {
	a := &Autoencoder{
		epochs:          50,
		batchSize:       256,
		learningRate:    0.01,
		validationSplit: 0.1,
		rng:             rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Fit trains the autoencoder on normalized benign samples.
func (a *Autoencoder) Fit(data [][]float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}

	d := len(data[0])
	for i, row := range data {
		if len(row) != d {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), d)
		}
	}

	h := a.encodingDim
	if h == 0 {
		h = min(32, d/2)
	}
	if h < 1 || h >= d {
		return fmt.Errorf("encoding dim %d must be in [1, %d)", h, d)
	}

	train, val := data, [][]float64(nil)
	if a.validationSplit > 0 && a.validationSplit < 1 {
		nVal := int(float64(len(data)) * a.validationSplit)
		if nVal > 0 && nVal < len(data) {
			train, val = data[:len(data)-nVal], data[len(data)-nVal:]
		}
	}

	batchSize := a.batchSize
	if batchSize <= 0 || batchSize > len(train) {
		batchSize = len(train)
	}

	a.inputDim = d
	a.hidden = h
	a.net = a.buildNetwork(d, h)

	samples := make([]nn.TrainingBatch, len(train))
	for i, row := range train {
		samples[i] = nn.TrainingBatch{Input: toFloat32(row), Target: squash(row)}
	}

	cfg := &nn.TrainingConfig{Epochs: 1, LearningRate: float32(a.learningRate), LossType: "mse"}
	batch := make([]nn.TrainingBatch, 0, batchSize)

	for epoch := 1; epoch <= a.epochs; epoch++ {
		order := a.rng.Perm(len(samples))
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			batch = batch[:0]
			for _, idx := range order[start:end] {
				batch = append(batch, samples[idx])
			}
			a.net.Train(batch, cfg)
		}

		if a.progress != nil {
			valLoss := math.NaN()
			if len(val) > 0 {
				valLoss = a.meanError(val)
			}
			a.progress(Epoch{Epoch: epoch, Loss: a.meanError(train), ValLoss: valLoss})
		}
	}

	return nil
}

// buildNetwork assembles the encoder and decoder layers with seeded
// Glorot-uniform kernels and zero biases.
func (a *Autoencoder) buildNetwork(d, h int) *nn.Network {
	encoder := nn.InitDenseLayer(d, h, nn.ActivationLeakyReLU)
	encoder.InputHeight = d
	encoder.OutputHeight = h
	a.resetWeights(&encoder)

	decoder := nn.InitDenseLayer(h, d, nn.ActivationTanh)
	decoder.InputHeight = h
	decoder.OutputHeight = d
	a.resetWeights(&decoder)

	net := nn.NewNetwork(d, 1, 1, 2)
	net.BatchSize = 1
	net.SetLayer(0, 0, 0, encoder)
	net.SetLayer(0, 0, 1, decoder)
	return net
}

func (a *Autoencoder) resetWeights(l *nn.LayerConfig) {
	limit := float32(math.Sqrt(6.0 / float64(l.InputHeight+l.OutputHeight)))
	for i := range l.Kernel {
		l.Kernel[i] = (a.rng.Float32()*2 - 1) * limit
	}
	for i := range l.Bias {
		l.Bias[i] = 0
	}
}

// reconstruct runs sample through the network and maps the decoder output
// back to the normalized feature scale.
func (a *Autoencoder) reconstruct(sample []float64) []float64 {
	out, _ := a.net.ForwardCPU(toFloat32(sample))

	recon := make([]float64, a.inputDim)
	for i := range recon {
		y := math.Max(-atanhLimit, math.Min(atanhLimit, float64(out[i])))
		recon[i] = outputScale * math.Atanh(y)
	}
	return recon
}

func (a *Autoencoder) sampleError(sample []float64) float64 {
	recon := a.reconstruct(sample)
	var sum float64
	for k, y := range recon {
		diff := sample[k] - y
		sum += diff * diff
	}
	return sum / float64(len(sample))
}

func (a *Autoencoder) meanError(data [][]float64) float64 {
	var sum float64
	for _, row := range data {
		sum += a.sampleError(row)
	}
	return sum / float64(len(data))
}

func (a *Autoencoder) check(sample []float64) error {
	if a.net == nil {
		return detectors.ErrNotTrained
	}
	if len(sample) != a.inputDim {
		return fmt.Errorf("sample has %d features, model expects %d", len(sample), a.inputDim)
	}
	return nil
}

// Reconstruct returns the autoencoder output for sample.
func (a *Autoencoder) Reconstruct(sample []float64) ([]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(sample); err != nil {
		return nil, err
	}
	return a.reconstruct(sample), nil
}

// Error returns the mean squared reconstruction error of sample.
func (a *Autoencoder) Error(sample []float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(sample); err != nil {
		return 0, err
	}
	return a.sampleError(sample), nil
}

// Errors returns the reconstruction error of every sample.
func (a *Autoencoder) Errors(data [][]float64) ([]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]float64, len(data))
	for i, sample := range data {
		if err := a.check(sample); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = a.sampleError(sample)
	}
	return out, nil
}

// Dim returns the input width, or 0 before training.
func (a *Autoencoder) Dim() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inputDim
}

// EncodingDim returns the bottleneck width, or 0 before training.
func (a *Autoencoder) EncodingDim() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hidden
}

// snapshot is the gob form of a trained autoencoder.
type snapshot struct {
	InputDim int
	Hidden   int
	Model    string // loom model JSON
}

// Save serializes the trained model.
func (a *Autoencoder) Save() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.net == nil {
		return nil, detectors.ErrNotTrained
	}

	model, err := a.net.SaveModelToString(modelID)
	if err != nil {
		return nil, fmt.Errorf("serialize network: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{InputDim: a.inputDim, Hidden: a.hidden, Model: model}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (a *Autoencoder) Load(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if s.Hidden < 1 || s.Hidden >= s.InputDim {
		return errors.New("inconsistent autoencoder dimensions")
	}

	net, err := nn.LoadModelFromString(s.Model, modelID)
	if err != nil {
		return fmt.Errorf("load network: %w", err)
	}
	net.BatchSize = 1

	a.inputDim = s.InputDim
	a.hidden = s.Hidden
	a.net = net
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func squash(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(math.Tanh(x / outputScale))
	}
	return out
}
