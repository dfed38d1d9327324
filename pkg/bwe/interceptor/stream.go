package interceptor

// streamState tracks one bound remote stream. It is guarded by the
// interceptor mutex.
type streamState struct {
	ssrc         uint32
	clockRate    uint32
	packets      uint64
	payloadBytes uint64
	lastPacketMs int64 // -1 before the first packet
}

func newStreamState(ssrc, clockRate uint32) *streamState {
	return &streamState{ssrc: ssrc, clockRate: clockRate, lastPacketMs: -1}
}

func (s *streamState) onPacket(payloadSize int, nowMs int64) {
	s.packets++
	s.payloadBytes += uint64(payloadSize)
	s.lastPacketMs = nowMs
}

// StreamStats is a snapshot of one remote stream as seen by the interceptor.
type StreamStats struct {
	SSRC         uint32
	ClockRate    uint32
	Packets      uint64
	PayloadBytes uint64
	LastPacketMs int64
}

func (s *streamState) stats() StreamStats {
	return StreamStats{
		SSRC:         s.ssrc,
		ClockRate:    s.clockRate,
		Packets:      s.packets,
		PayloadBytes: s.payloadBytes,
		LastPacketMs: s.lastPacketMs,
	}
}
