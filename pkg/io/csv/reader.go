// Package csv provides CSV file reading for tabular flow data.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Reader reads numeric feature rows from CSV files, optionally splitting off a label column.
type Reader struct {
	file        *os.File
	reader      *csv.Reader
	hasHeader   bool
	headers     []string
	labelColumn string
	labelIdx    int
	skipped     atomic.Int64
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithLabelColumn names the column holding the class label. It requires a header.
func WithLabelColumn(name string) Option {
	return func(r *Reader) {
		r.labelColumn = name
	}
}

// NewReader creates a new CSV reader.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:      file,
		reader:    csv.NewReader(file),
		hasHeader: true,
		labelIdx:  -1,
	}
	r.reader.ReuseRecord = false

	for _, opt := range opts {
		opt(r)
	}

	if r.labelColumn != "" && !r.hasHeader {
		file.Close()
		return nil, errors.New("label column requires a header row")
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			file.Close()
			return nil, err
		}
		r.headers = normalizeHeaders(headers)

		if r.labelColumn != "" {
			for i, h := range r.headers {
				if h == strings.TrimSpace(r.labelColumn) {
					r.labelIdx = i
					break
				}
			}
			if r.labelIdx < 0 {
				file.Close()
				return nil, fmt.Errorf("label column %q not found", r.labelColumn)
			}
		}
	}

	return r, nil
}

// normalizeHeaders trims whitespace and disambiguates repeated names as
// name.1, name.2, ..., skipping suffixes already taken by another column.
func normalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	used := make(map[string]bool, len(headers))
	next := make(map[string]int, len(headers))
	for i, h := range headers {
		base := strings.TrimSpace(h)
		name := base
		for used[name] {
			next[base]++
			name = fmt.Sprintf("%s.%d", base, next[base])
		}
		used[name] = true
		out[i] = name
	}
	return out
}

// Headers returns all column headers, including the label column.
func (r *Reader) Headers() []string {
	return r.headers
}

// FeatureNames returns the headers of the feature columns.
func (r *Reader) FeatureNames() []string {
	if r.labelIdx < 0 {
		return r.headers
	}
	names := make([]string, 0, len(r.headers)-1)
	names = append(names, r.headers[:r.labelIdx]...)
	return append(names, r.headers[r.labelIdx+1:]...)
}

// Skipped returns how many rows were dropped as malformed or non-finite.
func (r *Reader) Skipped() int {
	return int(r.skipped.Load())
}

// Read returns all feature rows as a 2D float slice.
func (r *Reader) Read() ([][]float64, error) {
	rows, _, err := r.ReadLabeled()
	return rows, err
}

// ReadLabeled returns all feature rows with their labels. Labels are nil
// when no label column is configured.
func (r *Reader) ReadLabeled() ([][]float64, []string, error) {
	var data [][]float64
	var labels []string

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		row, label, err := r.parseRecord(record)
		if err != nil {
			r.skipped.Add(1)
			continue // Skip malformed rows
		}
		data = append(data, row)
		if r.labelIdx >= 0 {
			labels = append(labels, label)
		}
	}

	return data, labels, nil
}

// Stream returns a channel of feature rows for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	out := make(chan []float64, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				record, err := r.reader.Read()
				if err == io.EOF {
					return
				}
				if err != nil {
					r.skipped.Add(1)
					continue
				}

				row, _, err := r.parseRecord(record)
				if err != nil {
					r.skipped.Add(1)
					continue
				}

				select {
				case out <- row:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) parseRecord(record []string) ([]float64, string, error) {
	if r.labelIdx < 0 {
		row, err := parseRow(record)
		return row, "", err
	}
	if r.labelIdx >= len(record) {
		return nil, "", errors.New("row has no label")
	}

	label := strings.TrimSpace(record[r.labelIdx])
	if label == "" {
		return nil, "", errors.New("empty label")
	}
	features := make([]string, 0, len(record)-1)
	features = append(features, record[:r.labelIdx]...)
	features = append(features, record[r.labelIdx+1:]...)

	row, err := parseRow(features)
	return row, label, err
}

// parseRow converts string slice to float slice, rejecting NaN and infinities.
func parseRow(record []string) ([]float64, error) {
	if len(record) == 0 {
		return nil, errors.New("empty row")
	}

	row := make([]float64, len(record))
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("column %d is not finite", i)
		}
		row[i] = f
	}
	return row, nil
}

// Dataset is a labelled table of flow features.
type Dataset struct {
	FeatureNames []string
	Samples      [][]float64
	Labels       []string
	Skipped      int
}

// ReadDataset loads a labelled CSV file, dropping rows with missing,
// unparsable or non-finite values.
func ReadDataset(filename, labelColumn string) (*Dataset, error) {
	r, err := NewReader(filename, WithLabelColumn(labelColumn))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	samples, labels, err := r.ReadLabeled()
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s: no usable rows", filename)
	}

	return &Dataset{
		FeatureNames: r.FeatureNames(),
		Samples:      samples,
		Labels:       labels,
		Skipped:      r.Skipped(),
	}, nil
}
