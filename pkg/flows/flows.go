// Package flows aggregates captured packets into bidirectional flow records
// carrying CIC-style flow features.
package flows

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DefaultIdleTimeout expires a flow after this much packet time without traffic.
const DefaultIdleTimeout = 120 * time.Second

// Feature names, in vector order. They follow the CICFlowMeter column names.
const (
	FeatureDestinationPort = "Destination Port"
	FeatureProtocol        = "Protocol"
	FeatureFlowDuration    = "Flow Duration"
	FeatureFwdPackets      = "Total Fwd Packets"
	FeatureBwdPackets      = "Total Backward Packets"
	FeatureFwdBytes        = "Total Length of Fwd Packets"
	FeatureBwdBytes        = "Total Length of Bwd Packets"
	FeatureFwdLenMean      = "Fwd Packet Length Mean"
	FeatureBwdLenMean      = "Bwd Packet Length Mean"
	FeatureBytesPerSec     = "Flow Bytes/s"
	FeaturePacketsPerSec   = "Flow Packets/s"
	FeatureIATMean         = "Flow IAT Mean"
	FeatureFINCount        = "FIN Flag Count"
	FeatureSYNCount        = "SYN Flag Count"
	FeatureRSTCount        = "RST Flag Count"
	FeatureACKCount        = "ACK Flag Count"
)

var featureNames = []string{
	FeatureDestinationPort,
	FeatureProtocol,
	FeatureFlowDuration,
	FeatureFwdPackets,
	FeatureBwdPackets,
	FeatureFwdBytes,
	FeatureBwdBytes,
	FeatureFwdLenMean,
	FeatureBwdLenMean,
	FeatureBytesPerSec,
	FeaturePacketsPerSec,
	FeatureIATMean,
	FeatureFINCount,
	FeatureSYNCount,
	FeatureRSTCount,
	FeatureACKCount,
}

// FeatureNames returns the names of the flow features in vector order.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// Key identifies a flow by its 5-tuple in the direction of the first packet seen.
type Key struct {
	SrcIP    string
	DstIP    string
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Reverse returns the key of the opposite direction.
func (k Key) Reverse() Key {
	return Key{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort, Protocol: k.Protocol}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%d", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.Protocol)
}

// Record accumulates the statistics of one bidirectional flow.
type Record struct {
	Key        Key
	Start      time.Time
	End        time.Time
	FwdPackets int
	BwdPackets int
	FwdBytes   int
	BwdBytes   int
	FIN        int
	SYN        int
	RST        int
	ACK        int
}

// Packets returns the packet count in both directions.
func (r *Record) Packets() int {
	return r.FwdPackets + r.BwdPackets
}

// Features returns the flow feature vector in FeatureNames order.
// Durations and inter-arrival times are in microseconds. Rates over a
// zero-length flow are 0.
func (r *Record) Features() []float64 {
	duration := r.End.Sub(r.Start)
	micros := float64(duration.Microseconds())
	seconds := duration.Seconds()

	var bytesPerSec, packetsPerSec, iatMean float64
	if seconds > 0 {
		bytesPerSec = float64(r.FwdBytes+r.BwdBytes) / seconds
		packetsPerSec = float64(r.Packets()) / seconds
	}
	// Packets arrive in time order, so the mean gap is the span over the gap count.
	if n := r.Packets(); n > 1 {
		iatMean = micros / float64(n-1)
	}

	return []float64{
		float64(r.Key.DstPort),
		float64(r.Key.Protocol),
		micros,
		float64(r.FwdPackets),
		float64(r.BwdPackets),
		float64(r.FwdBytes),
		float64(r.BwdBytes),
		mean(r.FwdBytes, r.FwdPackets),
		mean(r.BwdBytes, r.BwdPackets),
		bytesPerSec,
		packetsPerSec,
		iatMean,
		float64(r.FIN),
		float64(r.SYN),
		float64(r.RST),
		float64(r.ACK),
	}
}

// Named returns the features keyed by name.
func (r *Record) Named() map[string]float64 {
	values := r.Features()
	out := make(map[string]float64, len(values))
	for i, name := range featureNames {
		out[name] = values[i]
	}
	return out
}

func mean(total, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n)
}

// Aggregator groups packets into flows. It is safe for concurrent use.
type Aggregator struct {
	mu          sync.Mutex
	flows       map[Key]*Record
	idleTimeout time.Duration
	lastSweep   time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithIdleTimeout sets how long a flow may stay silent before it is expired.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		a.idleTimeout = d
	}
}

// NewAggregator creates a new flow aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		flows:       make(map[Key]*Record),
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Len returns the number of active flows.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.flows)
}

// Add accounts a packet to its flow and returns any flows that expired
// by the packet's timestamp. Packets without an IP network layer and a
// TCP or UDP transport layer are ignored.
func (a *Aggregator) Add(packet gopacket.Packet) []*Record {
	key, size, tcp, ok := decode(packet)
	if !ok {
		return nil
	}
	ts := packet.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var expired []*Record
	if ts.Sub(a.lastSweep) >= time.Second {
		expired = a.expireLocked(ts)
		a.lastSweep = ts
	}

	rec, forward := a.lookupLocked(key)
	if rec != nil && ts.Sub(rec.End) > a.idleTimeout {
		expired = append(expired, rec)
		delete(a.flows, rec.Key)
		rec = nil
	}
	if rec == nil {
		rec = &Record{Key: key, Start: ts, End: ts}
		a.flows[key] = rec
		forward = true
	}

	if ts.After(rec.End) {
		rec.End = ts
	}
	if forward {
		rec.FwdPackets++
		rec.FwdBytes += size
	} else {
		rec.BwdPackets++
		rec.BwdBytes += size
	}
	if tcp != nil {
		if tcp.FIN {
			rec.FIN++
		}
		if tcp.SYN {
			rec.SYN++
		}
		if tcp.RST {
			rec.RST++
		}
		if tcp.ACK {
			rec.ACK++
		}
	}

	return expired
}

// Expire removes and returns flows idle for longer than the timeout at now.
func (a *Aggregator) Expire(now time.Time) []*Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expireLocked(now)
}

// Flush removes and returns every active flow, ordered by start time.
func (a *Aggregator) Flush() []*Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Record, 0, len(a.flows))
	for k, rec := range a.flows {
		out = append(out, rec)
		delete(a.flows, k)
	}
	sortByStart(out)
	return out
}

func (a *Aggregator) lookupLocked(key Key) (*Record, bool) {
	if rec, ok := a.flows[key]; ok {
		return rec, true
	}
	if rec, ok := a.flows[key.Reverse()]; ok {
		return rec, false
	}
	return nil, false
}

func (a *Aggregator) expireLocked(now time.Time) []*Record {
	var out []*Record
	for k, rec := range a.flows {
		if now.Sub(rec.End) > a.idleTimeout {
			out = append(out, rec)
			delete(a.flows, k)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Start.Before(recs[j].Start)
	})
}

// decode extracts the flow key and payload size of a packet.
func decode(packet gopacket.Packet) (Key, int, *layers.TCP, bool) {
	net := packet.NetworkLayer()
	if net == nil {
		return Key{}, 0, nil, false
	}
	endpoints := net.NetworkFlow()
	key := Key{
		SrcIP: endpoints.Src().String(),
		DstIP: endpoints.Dst().String(),
	}

	switch t := packet.TransportLayer().(type) {
	case *layers.TCP:
		key.SrcPort, key.DstPort = uint16(t.SrcPort), uint16(t.DstPort)
		key.Protocol = uint8(layers.IPProtocolTCP)
		return key, len(t.LayerPayload()), t, true
	case *layers.UDP:
		key.SrcPort, key.DstPort = uint16(t.SrcPort), uint16(t.DstPort)
		key.Protocol = uint8(layers.IPProtocolUDP)
		return key, len(t.LayerPayload()), nil, true
	default:
		return Key{}, 0, nil, false
	}
}
