package interceptor

import (
	"github.com/pion/rtcp"
)

const (
	// DefaultREMBIntervalMs is the regular REMB send interval.
	DefaultREMBIntervalMs = 1000

	// DefaultDecreaseThreshold is the relative drop that sends a REMB
	// without waiting for the interval.
	DefaultDecreaseThreshold = 0.03
)

// BuildREMB creates a REMB packet for the given target and media SSRCs.
//
// The bitrate is carried as an 18-bit mantissa and 6-bit exponent; the
// encoding is done by pion/rtcp when the packet is marshaled.
func BuildREMB(senderSSRC, bitrateBps uint32, mediaSSRCs []uint32) *rtcp.ReceiverEstimatedMaximumBitrate {
	return &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(bitrateBps),
		SSRCs:      mediaSSRCs,
	}
}

// REMBSchedulerConfig configures REMB packet scheduling.
type REMBSchedulerConfig struct {
	// IntervalMs is the regular REMB send interval.
	// Default: 1000 ms
	IntervalMs int64

	// DecreaseThreshold is the minimum relative decrease that triggers an
	// immediate REMB.
	// Default: 0.03
	DecreaseThreshold float64

	// SenderSSRC is the SSRC put in REMB packets.
	SenderSSRC uint32
}

// DefaultREMBSchedulerConfig returns default scheduler configuration.
func DefaultREMBSchedulerConfig() REMBSchedulerConfig {
	return REMBSchedulerConfig{
		IntervalMs:        DefaultREMBIntervalMs,
		DecreaseThreshold: DefaultDecreaseThreshold,
	}
}

// REMBScheduler decides when the receiver reports its target: at a regular
// interval, and immediately when the target drops noticeably.
type REMBScheduler struct {
	config     REMBSchedulerConfig
	lastSentMs int64 // -1 before the first REMB
	lastValue  uint32
}

// NewREMBScheduler creates a scheduler.
func NewREMBScheduler(config REMBSchedulerConfig) *REMBScheduler {
	return &REMBScheduler{config: config, lastSentMs: -1}
}

// ShouldSend reports whether a REMB carrying estimate is due at nowMs.
func (s *REMBScheduler) ShouldSend(estimate uint32, nowMs int64) bool {
	if s.lastSentMs < 0 {
		return true
	}
	if s.lastValue > 0 && estimate < s.lastValue {
		decrease := float64(s.lastValue-estimate) / float64(s.lastValue)
		if decrease >= s.config.DecreaseThreshold {
			return true
		}
	}
	return nowMs-s.lastSentMs >= s.config.IntervalMs
}

// MaybeBuild returns a REMB packet if one is due and records it as sent.
func (s *REMBScheduler) MaybeBuild(estimate uint32, ssrcs []uint32, nowMs int64) (*rtcp.ReceiverEstimatedMaximumBitrate, bool) {
	if !s.ShouldSend(estimate, nowMs) {
		return nil, false
	}
	s.lastSentMs = nowMs
	s.lastValue = estimate
	return BuildREMB(s.config.SenderSSRC, estimate, ssrcs), true
}

// LastSentValue returns the bitrate of the last REMB, 0 before the first.
func (s *REMBScheduler) LastSentValue() uint32 {
	return s.lastValue
}

// LastSentMs returns the time of the last REMB, -1 before the first.
func (s *REMBScheduler) LastSentMs() int64 {
	return s.lastSentMs
}

// Reset forgets the last REMB.
func (s *REMBScheduler) Reset() {
	s.lastSentMs = -1
	s.lastValue = 0
}
