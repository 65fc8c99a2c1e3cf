package hybrid

import "fmt"

// Kind tags the outcome of a decision.
type Kind int

const (
	// Normal traffic: benign to the classifier and reconstructed within threshold.
	Normal Kind = iota
	// KnownAttack traffic: attributed by the classifier to a non-benign class.
	KnownAttack
	// UnknownAnomaly traffic: benign to the classifier but reconstructed above threshold.
	UnknownAnomaly
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case KnownAttack:
		return "known_attack"
	case UnknownAnomaly:
		return "unknown_anomaly"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of Decide. Label is set for KnownAttack and Normal;
// Error is set for UnknownAnomaly and Normal.
type Result struct {
	Kind  Kind
	Label string
	Error float64
}

// KnownAttackResult builds a KnownAttack outcome.
func KnownAttackResult(label string) Result {
	return Result{Kind: KnownAttack, Label: label}
}

// UnknownAnomalyResult builds an UnknownAnomaly outcome.
func UnknownAnomalyResult(err float64) Result {
	return Result{Kind: UnknownAnomaly, Error: err}
}

// NormalResult builds a Normal outcome.
func NormalResult(label string, err float64) Result {
	return Result{Kind: Normal, Label: label, Error: err}
}

// IsAnomaly reports whether the traffic should be flagged.
func (r Result) IsAnomaly() bool {
	return r.Kind != Normal
}

// HasError reports whether Error carries a reconstruction error.
func (r Result) HasError() bool {
	return r.Kind != KnownAttack
}

// String renders the result as an operator-facing message.
func (r Result) String() string {
	switch r.Kind {
	case KnownAttack:
		return "Known Attack: " + r.Label
	case UnknownAnomaly:
		return "Unknown Anomaly"
	default:
		return "Normal"
	}
}
