package io

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/hybridguard/pkg/hybrid"
)

func TestNewResult(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	tests := []struct {
		name        string
		in          hybrid.Result
		wantOutcome string
		wantMsg     string
		wantErr     bool
		wantAnomaly bool
	}{
		{name: "known attack", in: hybrid.KnownAttackResult("DDoS"), wantOutcome: "known_attack", wantMsg: "Known Attack: DDoS", wantAnomaly: true},
		{name: "unknown anomaly", in: hybrid.UnknownAnomalyResult(0.3), wantOutcome: "unknown_anomaly", wantMsg: "Unknown Anomaly", wantErr: true, wantAnomaly: true},
		{name: "normal", in: hybrid.NormalResult("BENIGN", 0.01), wantOutcome: "normal", wantMsg: "Normal", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResult(tt.in, at)
			assert.Equal(t, int64(1700000000000), r.Timestamp)
			assert.Equal(t, tt.wantOutcome, r.Outcome)
			assert.Equal(t, tt.wantMsg, r.Prediction)
			assert.Equal(t, tt.wantAnomaly, r.IsAnomaly)
			if tt.wantErr {
				require.NotNil(t, r.ReconstructionError)
				assert.Equal(t, tt.in.Error, *r.ReconstructionError)
			} else {
				assert.Nil(t, r.ReconstructionError)
			}
		})
	}
}

func TestFailedResult(t *testing.T) {
	r := FailedResult(errors.New("feature schema mismatch"), time.Now())
	assert.Equal(t, "error", r.Outcome)
	assert.Equal(t, "feature schema mismatch", r.Error)
	assert.False(t, r.IsAnomaly)
}
