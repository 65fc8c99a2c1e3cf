package softmax

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hybridguard/pkg/classifiers"
)

var centers = [][]float64{
	{0, 0, 0, 0},
	{6, 6, 0, 0},
	{0, 0, 6, -6},
}

func TestNewClassifier(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantEpochs int
		wantBatch  int
	}{
		{name: "default configuration", wantEpochs: 100, wantBatch: 64},
		{name: "custom epochs", opts: []Option{WithEpochs(5)}, wantEpochs: 5, wantBatch: 64},
		{name: "multiple options", opts: []Option{WithEpochs(7), WithBatchSize(8), WithSeed(1)}, wantEpochs: 7, wantBatch: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.opts...)
			assert.Equal(t, tt.wantEpochs, c.epochs)
			assert.Equal(t, tt.wantBatch, c.batchSize)
		})
	}
}

func TestFit(t *testing.T) {
	data, codes := generateClusters(rand.New(rand.NewSource(1)), 30)

	tests := []struct {
		name       string
		data       [][]float64
		codes      []int
		numClasses int
		wantErr    bool
	}{
		{name: "empty data", data: [][]float64{}, codes: []int{}, numClasses: 3, wantErr: true},
		{name: "label count mismatch", data: data, codes: codes[:1], numClasses: 3, wantErr: true},
		{name: "single class", data: data, codes: codes, numClasses: 1, wantErr: true},
		{name: "code out of range", data: [][]float64{{1}, {2}}, codes: []int{0, 5}, numClasses: 2, wantErr: true},
		{name: "clusters", data: data, codes: codes, numClasses: 3, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(WithEpochs(20), WithSeed(42))
			err := c.Fit(tt.data, tt.codes, tt.numClasses)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, c.net)
				assert.Equal(t, 16, c.hidden)
				assert.Equal(t, tt.numClasses, c.NumClasses())
				assert.Equal(t, 4, c.Dim())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	trainData, trainCodes := generateClusters(rng, 100)
	c := New(WithEpochs(50), WithSeed(42))
	require.NoError(t, c.Fit(trainData, trainCodes, len(centers)))

	t.Run("separable clusters", func(t *testing.T) {
		testData, testCodes := generateClusters(rng, 50)
		correct := 0
		for i, sample := range testData {
			code, err := c.Classify(sample)
			require.NoError(t, err)
			if code == testCodes[i] {
				correct++
			}
		}
		assert.GreaterOrEqual(t, float64(correct)/float64(len(testData)), 0.95)
	})

	t.Run("probabilities sum to one", func(t *testing.T) {
		probs, err := c.Probabilities(centers[1])
		require.NoError(t, err)
		var sum float64
		for _, p := range probs {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
		assert.Greater(t, probs[1], 0.8)
	})

	t.Run("wrong dimensionality", func(t *testing.T) {
		_, err := c.Classify([]float64{1, 2})
		assert.Error(t, err)
	})

	t.Run("classify before fit", func(t *testing.T) {
		_, err := New().Classify(centers[0])
		assert.ErrorIs(t, err, classifiers.ErrNotTrained)
	})
}

func TestDeterministicTraining(t *testing.T) {
	data, codes := generateClusters(rand.New(rand.NewSource(3)), 40)

	a := New(WithEpochs(10), WithSeed(9))
	b := New(WithEpochs(10), WithSeed(9))
	require.NoError(t, a.Fit(data, codes, 3))
	require.NoError(t, b.Fit(data, codes, 3))

	for _, sample := range data {
		pa, err := a.Probabilities(sample)
		require.NoError(t, err)
		pb, err := b.Probabilities(sample)
		require.NoError(t, err)
		assert.Equal(t, pa, pb)
	}
}

func TestHiddenDim(t *testing.T) {
	data, codes := generateClusters(rand.New(rand.NewSource(2)), 20)

	c := New(WithEpochs(2), WithHiddenDim(5))
	require.NoError(t, c.Fit(data, codes, 3))
	assert.Equal(t, 5, c.hidden)

	probs, err := c.Probabilities(data[0])
	require.NoError(t, err)
	assert.Len(t, probs, 3)
}

func TestSaveLoad(t *testing.T) {
	data, codes := generateClusters(rand.New(rand.NewSource(5)), 40)
	original := New(WithEpochs(20), WithSeed(42))
	require.NoError(t, original.Fit(data, codes, 3))

	saved, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, saved)

	loaded := New()
	require.NoError(t, loaded.Load(saved))

	for _, sample := range data {
		want, _ := original.Probabilities(sample)
		got, err := loaded.Probabilities(sample)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, got, 1e-6)
	}
	assert.Equal(t, 4, loaded.Dim())
	assert.Equal(t, 3, loaded.NumClasses())

	assert.Error(t, New().Load([]byte("not gob")))

	_, err = New().Save()
	assert.ErrorIs(t, err, classifiers.ErrNotTrained)
}

func BenchmarkClassify(b *testing.B) {
	data, codes := generateClusters(rand.New(rand.NewSource(1)), 200)
	c := New(WithEpochs(10))
	c.Fit(data, codes, len(centers))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Classify(data[i%len(data)])
	}
}

// generateClusters draws n samples around each of the class centers.
func generateClusters(rng *rand.Rand, n int) ([][]float64, []int) {
	var data [][]float64
	var codes []int
	for code, center := range centers {
		for i := 0; i < n; i++ {
			sample := make([]float64, len(center))
			for j, c := range center {
				sample[j] = c + rng.NormFloat64()*0.5
			}
			data = append(data, sample)
			codes = append(codes, code)
		}
	}
	return data, codes
}
