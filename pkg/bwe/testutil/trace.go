package testutil

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Sink receives estimator input. *bwe.RemoteBitrateEstimator satisfies it.
type Sink interface {
	IncomingPacket(ssrc, payloadSize uint32, arrivalTimeMs int64, rtpTimestamp uint32)
	IncomingRtcp(ssrc, ntpSeconds, ntpFraction, rtpTimestamp uint32)
	UpdateEstimate(ssrc uint32, nowMs int64)
}

// EventKind tags a trace event.
type EventKind string

const (
	EventRTP      EventKind = "rtp"
	EventRTCP     EventKind = "rtcp"
	EventUpdate   EventKind = "update"
	EventEstimate EventKind = "estimate"
)

// TraceEvent is one estimator call, or one observer callback for
// EventEstimate. Fields that do not apply to the kind are zero.
type TraceEvent struct {
	Kind         EventKind `json:"kind"`
	SSRC         uint32    `json:"ssrc"`
	TimeMs       int64     `json:"time_ms,omitempty"`
	RTPTimestamp uint32    `json:"rtp_timestamp,omitempty"`
	Size         uint32    `json:"size,omitempty"`
	NTPSeconds   uint32    `json:"ntp_seconds,omitempty"`
	NTPFraction  uint32    `json:"ntp_fraction,omitempty"`
	BitrateBps   uint32    `json:"bitrate_bps,omitempty"`
}

// Trace is a recorded estimator session.
//
// File format:
//
//	{
//	    "name": "capacity_drop",
//	    "description": "1 Mbps link halved after 10 s",
//	    "events": [
//	        {"kind": "rtcp", "ssrc": 1, "ntp_seconds": 1, "rtp_timestamp": 4294877296},
//	        {"kind": "rtp", "ssrc": 1, "time_ms": 1, "rtp_timestamp": 4294877296, "size": 1250},
//	        {"kind": "update", "ssrc": 1, "time_ms": 1},
//	        {"kind": "estimate", "ssrc": 1, "time_ms": 501, "bitrate_bps": 20644},
//	        ...
//	    ]
//	}
type Trace struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Events      []TraceEvent `json:"events"`
}

// LoadTrace reads a trace from a JSON file.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}

	var trace Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("failed to parse trace file %s: %w", path, err)
	}
	for i, ev := range trace.Events {
		switch ev.Kind {
		case EventRTP, EventRTCP, EventUpdate, EventEstimate:
		default:
			return nil, fmt.Errorf("trace %s: event %d has unknown kind %q", path, i, ev.Kind)
		}
	}
	return &trace, nil
}

// Save writes the trace as indented JSON.
func (t *Trace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trace %s: %w", t.Name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace file %s: %w", path, err)
	}
	return nil
}

// Estimates returns the recorded observer outputs in order.
func (t *Trace) Estimates() []uint32 {
	var out []uint32
	for _, ev := range t.Events {
		if ev.Kind == EventEstimate {
			out = append(out, ev.BitrateBps)
		}
	}
	return out
}

// Replay feeds every input event to sink in order. Estimate events are
// outputs and are skipped.
func (t *Trace) Replay(sink Sink) {
	for _, ev := range t.Events {
		switch ev.Kind {
		case EventRTP:
			sink.IncomingPacket(ev.SSRC, ev.Size, ev.TimeMs, ev.RTPTimestamp)
		case EventRTCP:
			sink.IncomingRtcp(ev.SSRC, ev.NTPSeconds, ev.NTPFraction, ev.RTPTimestamp)
		case EventUpdate:
			sink.UpdateEstimate(ev.SSRC, ev.TimeMs)
		}
	}
}

// Recorder forwards calls to a Sink and appends them to a Trace. Its
// OnEstimate method has the shape of the estimator's observer.
type Recorder struct {
	Trace Trace
	sink  Sink
	now   int64
}

// NewRecorder creates a recorder in front of sink. sink may be set later
// with SetSink, which lets the estimator be built with OnEstimate as its
// observer.
func NewRecorder(name string, sink Sink) *Recorder {
	return &Recorder{Trace: Trace{Name: name}, sink: sink}
}

// SetSink sets the forwarding target.
func (r *Recorder) SetSink(sink Sink) { r.sink = sink }

func (r *Recorder) IncomingPacket(ssrc, payloadSize uint32, arrivalTimeMs int64, rtpTimestamp uint32) {
	r.now = arrivalTimeMs
	r.Trace.Events = append(r.Trace.Events, TraceEvent{
		Kind: EventRTP, SSRC: ssrc, TimeMs: arrivalTimeMs, RTPTimestamp: rtpTimestamp, Size: payloadSize,
	})
	if r.sink != nil {
		r.sink.IncomingPacket(ssrc, payloadSize, arrivalTimeMs, rtpTimestamp)
	}
}

func (r *Recorder) IncomingRtcp(ssrc, ntpSeconds, ntpFraction, rtpTimestamp uint32) {
	r.Trace.Events = append(r.Trace.Events, TraceEvent{
		Kind: EventRTCP, SSRC: ssrc, NTPSeconds: ntpSeconds, NTPFraction: ntpFraction, RTPTimestamp: rtpTimestamp,
	})
	if r.sink != nil {
		r.sink.IncomingRtcp(ssrc, ntpSeconds, ntpFraction, rtpTimestamp)
	}
}

func (r *Recorder) UpdateEstimate(ssrc uint32, nowMs int64) {
	r.now = nowMs
	r.Trace.Events = append(r.Trace.Events, TraceEvent{Kind: EventUpdate, SSRC: ssrc, TimeMs: nowMs})
	if r.sink != nil {
		r.sink.UpdateEstimate(ssrc, nowMs)
	}
}

// OnEstimate records an observer callback. The first SSRC, if any, is kept.
func (r *Recorder) OnEstimate(ssrcs []uint32, bitrateBps uint32) {
	ev := TraceEvent{Kind: EventEstimate, TimeMs: r.now, BitrateBps: bitrateBps}
	if len(ssrcs) > 0 {
		ev.SSRC = ssrcs[0]
	}
	r.Trace.Events = append(r.Trace.Events, ev)
}

// Divergence summarizes how far replayed estimates are from recorded ones.
type Divergence struct {
	// MaxPercent is the largest relative difference observed.
	MaxPercent float64

	// AvgPercent is the mean relative difference.
	AvgPercent float64

	// Compared is the number of estimate pairs compared.
	Compared int

	// CountMismatch is set when the two runs produced a different number of
	// estimates; only the common prefix is compared.
	CountMismatch bool
}

// Exact reports whether both runs produced the same estimates.
func (d Divergence) Exact() bool {
	return !d.CountMismatch && d.MaxPercent == 0
}

// CompareEstimates compares got against want pairwise as
// |got - want| / want.
func CompareEstimates(got, want []uint32) Divergence {
	d := Divergence{CountMismatch: len(got) != len(want)}
	n := min(len(got), len(want))

	var total float64
	for i := range n {
		if want[i] == 0 {
			continue
		}
		pct := math.Abs(float64(got[i])-float64(want[i])) / float64(want[i]) * 100
		total += pct
		d.MaxPercent = max(d.MaxPercent, pct)
		d.Compared++
	}
	if d.Compared > 0 {
		d.AvgPercent = total / float64(d.Compared)
	}
	return d
}
