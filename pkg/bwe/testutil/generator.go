// Package testutil provides synthetic traffic for exercising the bwe
// estimator: frame-based RTP streams sent over a fixed-capacity link, recorded
// traces and a headless browser client for end-to-end runs.
//
// The package does not import bwe so that bwe's own tests can use it.
package testutil

import (
	"math"
	"slices"
)

const (
	// MTU is the largest packet payload a generated frame is split into.
	MTU = 1200

	// SendSideOffsetMs is added to the generator time to form the sender's
	// clock, so sender and receiver clocks never coincide.
	SendSideOffsetMs = 1000

	// RTCPIntervalMs is the sender report interval of every stream.
	RTCPIntervalMs = 1000

	ntpFractionPerMs = 4.294967296e6
)

// RTPPacket is one generated packet as seen by the receiver.
type RTPPacket struct {
	SSRC         uint32
	SendTimeMs   int64
	ArrivalMs    int64
	RTPTimestamp uint32
	Size         uint32
}

// RTCPPacket is one generated sender report.
type RTCPPacket struct {
	SSRC         uint32
	NTPSeconds   uint32
	NTPFraction  uint32
	RTPTimestamp uint32
}

// RTPStream produces frames at a fixed frame rate and bitrate.
type RTPStream struct {
	fps             int
	bitrateBps      int
	ssrc            uint32
	clockRate       uint32
	nextRTPTime     float64
	nextRTCPTime    float64
	timestampOffset uint32
}

// NewRTPStream creates a stream. The first sender report is due at
// rtcpStartMs.
func NewRTPStream(fps, bitrateBps int, ssrc, clockRate, timestampOffset uint32, rtcpStartMs float64) *RTPStream {
	return &RTPStream{
		fps:             max(fps, 1),
		bitrateBps:      bitrateBps,
		ssrc:            ssrc,
		clockRate:       clockRate,
		nextRTCPTime:    rtcpStartMs,
		timestampOffset: timestampOffset,
	}
}

// SSRC returns the stream identifier.
func (s *RTPStream) SSRC() uint32 { return s.ssrc }

// BitrateBps returns the current send rate.
func (s *RTPStream) BitrateBps() int { return s.bitrateBps }

// SetBitrateBps changes the send rate from the next frame on.
func (s *RTPStream) SetBitrateBps(bps int) { s.bitrateBps = max(bps, 0) }

// SetTimestampOffset moves the RTP timestamp origin.
func (s *RTPStream) SetTimestampOffset(offset uint32) { s.timestampOffset = offset }

// NextRTPTime is the generator time the next frame is due.
func (s *RTPStream) NextRTPTime() float64 { return s.nextRTPTime }

func (s *RTPStream) rtpTimestamp(sendTimeMs int64) uint32 {
	return s.timestampOffset + uint32(float64(s.clockRate)/1000*float64(sendTimeMs)+0.5)
}

// GenerateFrame emits the packets of one frame if one is due at nowMs. All
// packets of a frame share a send time and RTP timestamp. Arrival times are
// left for the link to fill in.
func (s *RTPStream) GenerateFrame(nowMs float64) []RTPPacket {
	if nowMs < s.nextRTPTime {
		return nil
	}

	bitsPerFrame := (s.bitrateBps + s.fps/2) / s.fps
	n := max((bitsPerFrame+8*MTU)/(8*MTU), 1)
	size := (bitsPerFrame + 4*n) / (8 * n)

	sendTime := int64(nowMs + SendSideOffsetMs + 0.5)
	packets := make([]RTPPacket, n)
	for i := range packets {
		packets[i] = RTPPacket{
			SSRC:         s.ssrc,
			SendTimeMs:   sendTime,
			RTPTimestamp: s.rtpTimestamp(sendTime),
			Size:         uint32(size),
		}
	}
	s.nextRTPTime = nowMs + 1000/float64(s.fps)
	return packets
}

// RTCP emits a sender report if one is due at nowMs.
func (s *RTPStream) RTCP(nowMs float64) (RTCPPacket, bool) {
	if nowMs < s.nextRTCPTime {
		return RTCPPacket{}, false
	}
	sendTime := int64(SendSideOffsetMs + nowMs + 0.5)
	s.nextRTCPTime = nowMs + RTCPIntervalMs
	return RTCPPacket{
		SSRC:         s.ssrc,
		NTPSeconds:   uint32(sendTime / 1000),
		NTPFraction:  uint32(float64(sendTime%1000) * ntpFractionPerMs),
		RTPTimestamp: s.rtpTimestamp(sendTime),
	}, true
}

// StreamGenerator sends a set of streams over one link of fixed capacity.
// Packets queue behind each other on the link, so sending above capacity
// builds delay.
type StreamGenerator struct {
	capacityBps int
	prevArrival float64
	streams     []*RTPStream // ascending SSRC
}

// NewStreamGenerator creates a link of capacityBps starting at nowMs.
func NewStreamGenerator(capacityBps int, nowMs float64) *StreamGenerator {
	return &StreamGenerator{capacityBps: capacityBps, prevArrival: nowMs}
}

// AddStream adds s, replacing a stream with the same SSRC.
func (g *StreamGenerator) AddStream(s *RTPStream) {
	i, found := slices.BinarySearchFunc(g.streams, s.ssrc, func(e *RTPStream, ssrc uint32) int {
		switch {
		case e.ssrc < ssrc:
			return -1
		case e.ssrc > ssrc:
			return 1
		}
		return 0
	})
	if found {
		g.streams[i] = s
		return
	}
	g.streams = slices.Insert(g.streams, i, s)
}

// Stream returns the stream with the given SSRC, or nil.
func (g *StreamGenerator) Stream(ssrc uint32) *RTPStream {
	for _, s := range g.streams {
		if s.ssrc == ssrc {
			return s
		}
	}
	return nil
}

// SetCapacityBps changes the link capacity.
func (g *StreamGenerator) SetCapacityBps(bps int) {
	if bps > 0 {
		g.capacityBps = bps
	}
}

// SetBitrateBps divides bps among the streams in proportion to their current
// rates.
func (g *StreamGenerator) SetBitrateBps(bps int) {
	var total float64
	for _, s := range g.streams {
		total += float64(s.bitrateBps)
	}
	if total == 0 {
		return
	}
	for _, s := range g.streams {
		ratio := float64(s.bitrateBps) / total
		s.SetBitrateBps(int(ratio*float64(bps) + 0.5))
	}
}

// SetTimestampOffset moves the RTP timestamp origin of one stream.
func (g *StreamGenerator) SetTimestampOffset(ssrc, offset uint32) {
	if s := g.Stream(ssrc); s != nil {
		s.SetTimestampOffset(offset)
	}
}

// next returns the stream whose frame is due first; ties go to the lowest
// SSRC.
func (g *StreamGenerator) next() *RTPStream {
	var first *RTPStream
	for _, s := range g.streams {
		if first == nil || s.nextRTPTime < first.nextRTPTime {
			first = s
		}
	}
	return first
}

// GenerateFrame sends the next due frame over the link and returns its
// packets with arrival times, plus the time the following frame is due.
func (g *StreamGenerator) GenerateFrame(nowMs float64) ([]RTPPacket, float64) {
	s := g.next()
	if s == nil {
		return nil, nowMs
	}

	packets := s.GenerateFrame(nowMs)
	for i := range packets {
		networkMs := float64((8*1000*int(packets[i].Size) + g.capacityBps/2) / g.capacityBps)
		g.prevArrival = math.Max(nowMs+networkMs, g.prevArrival+networkMs)
		packets[i].ArrivalMs = int64(g.prevArrival + 0.5)
	}
	return packets, g.next().nextRTPTime
}

// RTCPs returns the sender reports due at nowMs, highest SSRC first.
func (g *StreamGenerator) RTCPs(nowMs float64) []RTCPPacket {
	var reports []RTCPPacket
	for _, s := range g.streams {
		if r, ok := s.RTCP(nowMs); ok {
			reports = append(reports, r)
		}
	}
	slices.Reverse(reports)
	return reports
}
