// Package jsonl writes decision results as newline-delimited JSON.
package jsonl

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	guardio "github.com/hed1ad/hybridguard/pkg/io"
)

// Writer emits one JSON object per result. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewWriter wraps w. If w is an io.Closer, Close closes it after flushing.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	jw := &Writer{buf: buf, enc: json.NewEncoder(buf)}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		jw.closer = c
	}
	return jw
}

// Create opens path for writing, or stdout when path is "" or "-".
func Create(path string) (*Writer, error) {
	if path == "" || path == "-" {
		return NewWriter(os.Stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

// Write outputs a single result.
func (w *Writer) Write(result guardio.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(result)
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []guardio.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range results {
		if err := w.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and releases resources.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

var _ guardio.Writer = (*Writer)(nil)
