package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trainingLabels = []string{"DDoS", "BENIGN", "PortScan", "BENIGN", "DDoS", "Bot"}

func TestFit(t *testing.T) {
	e := New()
	require.NoError(t, e.Fit(trainingLabels, DefaultBenign))

	assert.Equal(t, []string{"BENIGN", "Bot", "DDoS", "PortScan"}, e.Classes())
	assert.Equal(t, 4, e.Len())
	assert.Equal(t, 0, e.BenignCode())
	assert.Equal(t, "BENIGN", e.BenignLabel())
}

func TestFitErrors(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		benign string
	}{
		{name: "empty", labels: nil, benign: DefaultBenign},
		{name: "benign missing", labels: []string{"DDoS", "Bot"}, benign: DefaultBenign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, New().Fit(tt.labels, tt.benign))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	e := New()
	require.NoError(t, e.Fit(trainingLabels, DefaultBenign))

	for code, label := range e.Classes() {
		got, err := e.Encode(label)
		require.NoError(t, err)
		assert.Equal(t, code, got)

		back, err := e.Decode(got)
		require.NoError(t, err)
		assert.Equal(t, label, back)
	}

	_, err := e.Encode("Heartbleed")
	assert.ErrorIs(t, err, ErrUnknownLabel)

	for _, code := range []int{-1, 4, 100} {
		_, err := e.Decode(code)
		assert.ErrorIs(t, err, ErrUnknownClassCode)
	}
}

func TestEncodeAll(t *testing.T) {
	e := New()
	require.NoError(t, e.Fit(trainingLabels, DefaultBenign))

	codes, err := e.EncodeAll(trainingLabels)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 3, 0, 2, 1}, codes)
}

func TestNotFitted(t *testing.T) {
	e := New()
	_, err := e.Encode("BENIGN")
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = e.Decode(0)
	assert.ErrorIs(t, err, ErrNotFitted)
	assert.Equal(t, -1, e.BenignCode())
	assert.Equal(t, "", e.BenignLabel())
}

func TestSaveLoad(t *testing.T) {
	original := New()
	require.NoError(t, original.Fit(trainingLabels, "PortScan"))

	data, err := original.Save()
	require.NoError(t, err)

	loaded := New()
	require.NoError(t, loaded.Load(data))
	assert.Equal(t, original.Classes(), loaded.Classes())
	assert.Equal(t, 3, loaded.BenignCode())
}
