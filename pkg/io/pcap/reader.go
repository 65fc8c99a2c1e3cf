// Package pcap provides PCAP file and live capture reading, aggregating
// packets into flow feature vectors.
package pcap

import (
	"context"
	"errors"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/hed1ad/hybridguard/pkg/flows"
)

// Reader reads packets from PCAP files or live interfaces and emits flows.
type Reader struct {
	handle     *pcap.Handle
	aggregator *flows.Aggregator
	isLive     bool
}

// Option configures a pcap reader.
type Option func(*Reader)

// WithIdleTimeout sets the flow idle timeout of the underlying aggregator.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Reader) {
		r.aggregator = flows.NewAggregator(flows.WithIdleTimeout(d))
	}
}

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, err
	}

	return newReader(handle, false, opts), nil
}

// NewLiveReader creates a reader for live packet capture.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration, opts ...Option) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	return newReader(handle, true, opts), nil
}

func newReader(handle *pcap.Handle, live bool, opts []Option) *Reader {
	r := &Reader{
		handle:     handle,
		aggregator: flows.NewAggregator(),
		isLive:     live,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetFilter applies a BPF filter expression to the capture.
func (r *Reader) SetFilter(expr string) error {
	if r.handle == nil {
		return errors.New("reader not initialized")
	}
	return r.handle.SetBPFFilter(expr)
}

// FeatureNames returns the names of the flow features.
func (r *Reader) FeatureNames() []string {
	return flows.FeatureNames()
}

// ReadFlows consumes the whole capture and returns every flow in start order.
func (r *Reader) ReadFlows() ([]*flows.Record, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}
	if r.isLive {
		return nil, errors.New("cannot read a live capture to completion")
	}

	var out []*flows.Record
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	for packet := range packetSource.Packets() {
		out = append(out, r.aggregator.Add(packet)...)
	}
	return append(out, r.aggregator.Flush()...), nil
}

// Read returns all flows as feature vectors.
func (r *Reader) Read() ([][]float64, error) {
	recs, err := r.ReadFlows()
	if err != nil {
		return nil, err
	}

	data := make([][]float64, len(recs))
	for i, rec := range recs {
		data[i] = rec.Features()
	}
	return data, nil
}

// StreamFlows returns a channel of flows as they complete. Live captures
// are swept for idle flows every second; remaining flows are flushed when
// the capture ends or ctx is cancelled.
func (r *Reader) StreamFlows(ctx context.Context) (<-chan *flows.Record, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan *flows.Record, 1000)
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	ticker := time.NewTicker(time.Second)

	emit := func(recs []*flows.Record) bool {
		for _, rec := range recs {
			select {
			case out <- rec:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	go func() {
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if r.isLive && !emit(r.aggregator.Expire(now)) {
					return
				}
			case packet, ok := <-packetSource.Packets():
				if !ok {
					emit(r.aggregator.Flush())
					return
				}
				if !emit(r.aggregator.Add(packet)) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Stream returns a channel of flow feature vectors for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	recs, err := r.StreamFlows(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []float64, 1000)
	go func() {
		defer close(out)
		for rec := range recs {
			select {
			case out <- rec.Features():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.handle != nil {
		r.handle.Close()
	}
	return nil
}
