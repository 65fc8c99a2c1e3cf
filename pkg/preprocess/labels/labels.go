// Package labels maps traffic class names to dense integer codes.
package labels

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
)

// DefaultBenign is the class name used for normal traffic in CIC-style datasets.
const DefaultBenign = "BENIGN"

var (
	// ErrUnknownClassCode is returned when decoding a code outside the fitted range.
	ErrUnknownClassCode = errors.New("unknown class code")
	// ErrUnknownLabel is returned when encoding a label that was not seen at fit time.
	ErrUnknownLabel = errors.New("unknown class label")
	// ErrNotFitted is returned when the encoder is used before Fit or Load.
	ErrNotFitted = errors.New("label encoder not fitted")
)

// Encoder is a bijection between class names and codes in [0, Len()).
// Classes are ordered lexically, so the same label set always yields the same codes.
type Encoder struct {
	classes []string
	codes   map[string]int
	benign  int
}

// New creates an unfitted encoder.
func New() *Encoder {
	return &Encoder{benign: -1}
}

// Fit builds the code table from the observed labels.
func (e *Encoder) Fit(labels []string, benign string) error {
	if len(labels) == 0 {
		return errors.New("empty label set")
	}

	seen := make(map[string]struct{})
	for _, l := range labels {
		seen[l] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for l := range seen {
		classes = append(classes, l)
	}
	sort.Strings(classes)

	return e.set(classes, benign)
}

func (e *Encoder) set(classes []string, benign string) error {
	codes := make(map[string]int, len(classes))
	for i, c := range classes {
		if _, dup := codes[c]; dup {
			return fmt.Errorf("duplicate class %q", c)
		}
		codes[c] = i
	}

	b, ok := codes[benign]
	if !ok {
		return fmt.Errorf("benign class %q not present in labels", benign)
	}

	e.classes = classes
	e.codes = codes
	e.benign = b
	return nil
}

// Encode returns the code for label.
func (e *Encoder) Encode(label string) (int, error) {
	if e.codes == nil {
		return 0, ErrNotFitted
	}
	code, ok := e.codes[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return code, nil
}

// EncodeAll encodes every label, failing on the first unknown one.
func (e *Encoder) EncodeAll(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		code, err := e.Encode(l)
		if err != nil {
			return nil, err
		}
		out[i] = code
	}
	return out, nil
}

// Decode returns the label for code.
func (e *Encoder) Decode(code int) (string, error) {
	if e.classes == nil {
		return "", ErrNotFitted
	}
	if code < 0 || code >= len(e.classes) {
		return "", fmt.Errorf("%w: %d not in [0, %d)", ErrUnknownClassCode, code, len(e.classes))
	}
	return e.classes[code], nil
}

// BenignCode returns the code of the benign class, or -1 before fitting.
func (e *Encoder) BenignCode() int {
	return e.benign
}

// BenignLabel returns the name of the benign class.
func (e *Encoder) BenignLabel() string {
	if e.benign < 0 {
		return ""
	}
	return e.classes[e.benign]
}

// Classes returns the class names in code order.
func (e *Encoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Len returns the number of classes.
func (e *Encoder) Len() int {
	return len(e.classes)
}

// Save serializes the code table.
func (e *Encoder) Save() ([]byte, error) {
	if e.classes == nil {
		return nil, ErrNotFitted
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(e.classes); err != nil {
		return nil, err
	}
	if err := enc.Encode(e.classes[e.benign]); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a code table written by Save.
func (e *Encoder) Load(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))

	var classes []string
	var benign string
	if err := dec.Decode(&classes); err != nil {
		return err
	}
	if err := dec.Decode(&benign); err != nil {
		return err
	}

	return e.set(classes, benign)
}
