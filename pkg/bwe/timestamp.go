package bwe

import (
	"math"

	"github.com/gammazero/deque"
)

// NTPFractionPerMs is the number of 1/2^32 second NTP fraction units in one
// millisecond.
const NTPFractionPerMs = 4294967.296

// DefaultVideoClockRate is the RTP clock rate assumed for streams without an
// explicit rate.
const DefaultVideoClockRate = 90000

// sharedTicksPerMs is the resolution of the common send-time axis used when
// streams are aligned through sender reports.
const sharedTicksPerMs = 90

// TimestampDiff returns curr-prev for two 32-bit RTP timestamps, interpreting
// the unsigned difference as a signed 32-bit value so that a wrap between them
// yields a small delta.
//
// Example: TimestampDiff(0xFFFFFF00, 0x00000100) == 512.
func TimestampDiff(prev, curr uint32) int64 {
	return int64(int32(curr - prev))
}

// IsNewerTimestamp reports whether a is ahead of b on the 32-bit circle.
// When the two are exactly half a circle apart the numerically larger one is
// considered newer.
func IsNewerTimestamp(a, b uint32) bool {
	const breakpoint = uint32(1) << 31
	if a-b == breakpoint {
		return a > b
	}
	return a != b && a-b < breakpoint
}

// TimestampUnwrapper projects a wrapping 32-bit RTP timestamp sequence onto a
// 64-bit line. The first value seen is used unchanged as the anchor; every
// following value moves the anchor by its signed 32-bit difference to the
// previous one.
type TimestampUnwrapper struct {
	last      uint32
	unwrapped int64
	valid     bool
}

// Unwrap returns the 64-bit projection of ts.
func (u *TimestampUnwrapper) Unwrap(ts uint32) int64 {
	if !u.valid {
		u.valid = true
		u.last = ts
		u.unwrapped = int64(ts)
		return u.unwrapped
	}
	u.unwrapped += TimestampDiff(u.last, ts)
	u.last = ts
	return u.unwrapped
}

// Reset forgets the anchor.
func (u *TimestampUnwrapper) Reset() {
	*u = TimestampUnwrapper{}
}

// NTPToMs converts an NTP timestamp split in seconds and fraction into
// milliseconds.
func NTPToMs(seconds, fraction uint32) float64 {
	return float64(seconds)*1000 + float64(fraction)/NTPFractionPerMs
}

// rtcpMeasurement is one sender report reduced to its two clocks.
type rtcpMeasurement struct {
	ntpMs        float64
	rtpTimestamp uint32
}

// rtpToNTP maps one stream's RTP timestamps onto the sender's NTP clock.
//
// The two most recent sender reports are kept. With one report the stream's
// nominal clock rate is assumed; with two the rate is measured between them.
type rtpToNTP struct {
	measurements  deque.Deque[rtcpMeasurement]
	nominalKHz    float64
	frequencyKHz  float64
	lastUpdatedMs int64
}

func newRTPToNTP(clockRate uint32) *rtpToNTP {
	if clockRate == 0 {
		clockRate = DefaultVideoClockRate
	}
	nominal := float64(clockRate) / 1000
	return &rtpToNTP{nominalKHz: nominal, frequencyKHz: nominal}
}

// update ingests a sender report. It returns false when the report was
// ignored as old or duplicate.
func (m *rtpToNTP) update(sr SenderReport) bool {
	ntpMs := NTPToMs(sr.NTPSeconds, sr.NTPFraction)
	if m.measurements.Len() > 0 {
		latest := m.measurements.Back()
		if ntpMs <= latest.ntpMs {
			return false
		}
		if TimestampDiff(latest.rtpTimestamp, sr.RTPTimestamp) < 0 {
			// RTP went back while NTP advanced: the sender restarted its
			// media clock, earlier reports no longer apply.
			m.measurements.Clear()
		}
	}

	m.measurements.PushBack(rtcpMeasurement{ntpMs: ntpMs, rtpTimestamp: sr.RTPTimestamp})
	for m.measurements.Len() > 2 {
		m.measurements.PopFront()
	}
	m.frequencyKHz = m.estimateFrequency()
	return true
}

// estimateFrequency measures the RTP clock in ticks per millisecond, falling
// back to the nominal rate for a single report or an implausible result.
func (m *rtpToNTP) estimateFrequency() float64 {
	if m.measurements.Len() < 2 {
		return m.nominalKHz
	}
	oldest := m.measurements.Front()
	newest := m.measurements.Back()
	ticks := float64(TimestampDiff(oldest.rtpTimestamp, newest.rtpTimestamp))
	elapsed := newest.ntpMs - oldest.ntpMs
	if elapsed <= 0 || ticks <= 0 {
		return m.nominalKHz
	}
	freq := ticks / elapsed
	if freq < m.nominalKHz/2 || freq > m.nominalKHz*2 {
		return m.nominalKHz
	}
	return freq
}

// toNTPMs converts an RTP timestamp to sender NTP milliseconds. ok is false
// until a sender report has been seen.
func (m *rtpToNTP) toNTPMs(rtpTimestamp uint32) (ms float64, ok bool) {
	if m.measurements.Len() == 0 {
		return 0, false
	}
	latest := m.measurements.Back()
	ticks := float64(TimestampDiff(latest.rtpTimestamp, rtpTimestamp))
	return latest.ntpMs + ticks/m.frequencyKHz, true
}

// ntpMsToSharedTicks places sender NTP milliseconds on the common 90 kHz axis.
func ntpMsToSharedTicks(ms float64) int64 {
	return int64(math.Floor(ms*sharedTicksPerMs + 0.5))
}
