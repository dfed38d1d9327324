// Package bwe implements receive-side remote bitrate estimation for RTP.
//
// Packets are grouped by send time, the inter-group delay variation is
// filtered, an adaptive-threshold detector classifies the link as normal,
// underused or overused, and a rate controller turns that signal plus the
// measured throughput into a target bitrate reported to an observer.
package bwe

import (
	"fmt"
	"strings"
)

// BandwidthUsage represents the current bandwidth usage state as determined
// by the delay-based detector.
type BandwidthUsage int

const (
	// BwNormal indicates bandwidth usage is normal - no congestion detected.
	BwNormal BandwidthUsage = iota
	// BwUnderusing indicates the queue is draining.
	BwUnderusing
	// BwOverusing indicates congestion detected - should decrease rate.
	BwOverusing
)

// String returns a string representation of the BandwidthUsage state.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "Normal"
	case BwUnderusing:
		return "Underusing"
	case BwOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}

// severity orders usage states so that the most congested stream wins when
// several streams are aggregated.
func (b BandwidthUsage) severity() int {
	switch b {
	case BwOverusing:
		return 2
	case BwUnderusing:
		return 1
	default:
		return 0
	}
}

// EstimatorMode selects how send times of different streams are related.
type EstimatorMode int

const (
	// SingleStream runs one delay pipeline per SSRC on raw RTP timestamps.
	SingleStream EstimatorMode = iota
	// MultiStream maps every stream onto the sender's NTP clock using RTCP
	// sender reports and feeds all of them through one shared pipeline.
	MultiStream
)

// String returns the configuration name of the mode.
func (m EstimatorMode) String() string {
	switch m {
	case SingleStream:
		return "single"
	case MultiStream:
		return "multi"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m EstimatorMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Both "multi" and
// "aligned" select MultiStream.
func (m *EstimatorMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "single", "single-stream", "":
		*m = SingleStream
	case "multi", "multi-stream", "aligned":
		*m = MultiStream
	default:
		return fmt.Errorf("%w: unknown estimator mode %q", ErrInvalidConfig, text)
	}
	return nil
}

// PacketInfo describes one received RTP packet as seen by the estimator.
type PacketInfo struct {
	// SSRC identifies the media stream.
	SSRC uint32

	// ArrivalTimeMs is the receiver's monotonic clock in milliseconds.
	ArrivalTimeMs int64

	// RTPTimestamp is the sender media clock value from the RTP header.
	RTPTimestamp uint32

	// PayloadSize is the payload size in bytes.
	PayloadSize int
}

// SenderReport binds a sender NTP time to an RTP timestamp for one stream.
type SenderReport struct {
	SSRC         uint32
	NTPSeconds   uint32
	NTPFraction  uint32
	RTPTimestamp uint32
}

// BitrateObserver receives the target bitrate whenever the rate controller
// changes it. ssrcs lists the active streams in ascending order. The callback
// runs synchronously on the goroutine that called into the estimator.
type BitrateObserver func(ssrcs []uint32, bitrateBps uint32)

// RateControlInput is the snapshot handed from the detector side to the rate
// controller on every estimate update.
type RateControlInput struct {
	// State is the detector output.
	State BandwidthUsage

	// IncomingBitrate is the measured throughput in bits per second, zero if
	// unknown.
	IncomingBitrate uint32

	// NoiseVar is the delay filter's measurement noise variance.
	NoiseVar float64
}
