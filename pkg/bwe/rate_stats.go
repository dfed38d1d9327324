package bwe

import "github.com/gammazero/deque"

// RateStatsConfig configures the sliding window rate measurement.
type RateStatsConfig struct {
	// WindowMs is the length of the sliding window in milliseconds.
	// Default: 500.
	WindowMs int64 `yaml:"window_ms"`
}

// DefaultRateStatsConfig returns default configuration for rate statistics.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{
		WindowMs: 500,
	}
}

// rateBucket accumulates the bytes received during one millisecond.
type rateBucket struct {
	timestampMs int64
	bytes       int64
	samples     int
}

// RateStats tracks incoming bitrate over a fixed trailing window.
//
// Bytes are collected in one bucket per millisecond. A bucket stamped t is
// inside the window at time now iff now-window < t <= now, and the rate is
// always normalized by the full window length:
//
//	rate = bytes_in_window * 8000 / window_ms
//
// Usage:
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	r.Update(payloadSize, arrivalMs)
//	if bps, ok := r.Rate(nowMs); ok {
//	    fmt.Printf("incoming: %d bps\n", bps)
//	}
type RateStats struct {
	windowMs   int64
	buckets    deque.Deque[rateBucket]
	totalBytes int64
	numSamples int
}

// NewRateStats creates a new rate statistics tracker with the given configuration.
func NewRateStats(config RateStatsConfig) *RateStats {
	windowMs := config.WindowMs
	if windowMs <= 0 {
		windowMs = 500
	}
	return &RateStats{windowMs: windowMs}
}

// Update adds bytes received at nowMs. Samples stamped earlier than the
// newest bucket are folded into that bucket.
func (r *RateStats) Update(bytes int64, nowMs int64) {
	r.removeExpired(nowMs)

	if r.buckets.Len() > 0 {
		last := r.buckets.Back()
		if nowMs <= last.timestampMs {
			last.bytes += bytes
			last.samples++
			r.buckets.Set(r.buckets.Len()-1, last)
			r.totalBytes += bytes
			r.numSamples++
			return
		}
	}

	r.buckets.PushBack(rateBucket{timestampMs: nowMs, bytes: bytes, samples: 1})
	r.totalBytes += bytes
	r.numSamples++
}

// Rate returns the bitrate over the window ending at nowMs in bits per
// second. ok is false when no bytes are left in the window.
func (r *RateStats) Rate(nowMs int64) (bitsPerSec uint32, ok bool) {
	r.removeExpired(nowMs)
	if r.numSamples == 0 {
		return 0, false
	}
	bps := (r.totalBytes*8000 + r.windowMs/2) / r.windowMs
	if bps > int64(^uint32(0)) {
		bps = int64(^uint32(0))
	}
	return uint32(bps), true
}

// Samples returns the number of packets currently inside the window.
func (r *RateStats) Samples() int {
	return r.numSamples
}

// Reset clears all samples and accumulated state.
func (r *RateStats) Reset() {
	r.buckets.Clear()
	r.totalBytes = 0
	r.numSamples = 0
}

// removeExpired drops buckets stamped at or before nowMs-window.
func (r *RateStats) removeExpired(nowMs int64) {
	cutoff := nowMs - r.windowMs
	for r.buckets.Len() > 0 {
		b := r.buckets.Front()
		if b.timestampMs > cutoff {
			break
		}
		r.totalBytes -= b.bytes
		r.numSamples -= b.samples
		r.buckets.PopFront()
	}
}
