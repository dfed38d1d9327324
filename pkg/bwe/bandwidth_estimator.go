package bwe

import (
	"fmt"
	"slices"

	"github.com/pion/logging"
)

// stream is the per-SSRC ingress state.
type stream struct {
	ssrc         uint32
	clockRate    uint32
	unwrapper    TimestampUnwrapper
	delay        *DelayEstimator // single-stream mode only
	lastPacketMs int64
}

// RemoteBitrateEstimator is the receive-side estimator. It takes RTP packet
// observations and RTCP sender reports, runs them through the delay pipeline
// and drives one rate controller shared by all streams. Target changes are
// reported to the BitrateObserver.
//
// The estimator is not safe for concurrent use. All calls, and the observer
// callback, happen on the caller's goroutine.
type RemoteBitrateEstimator struct {
	config   Config
	log      logging.LeveledLogger
	observer BitrateObserver

	streams    map[uint32]*stream
	clockRates map[uint32]uint32
	mappings   map[uint32]*rtpToNTP // multi-stream mode only
	shared     *DelayEstimator      // multi-stream mode only

	rateStats   *RateStats
	rateControl *RateController

	lastArrivalMs int64 // -1 before the first packet
	lastReported  uint32
	hasReported   bool
}

// NewRemoteBitrateEstimator creates an estimator. observer may be nil.
func NewRemoteBitrateEstimator(config Config, observer BitrateObserver) (*RemoteBitrateEstimator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &RemoteBitrateEstimator{
		config:        config,
		log:           config.loggerFactory().NewLogger("rbe"),
		observer:      observer,
		streams:       make(map[uint32]*stream),
		clockRates:    make(map[uint32]uint32),
		mappings:      make(map[uint32]*rtpToNTP),
		rateStats:     NewRateStats(config.RateStats),
		rateControl:   NewRateController(config.RateControl),
		lastArrivalMs: -1,
	}
	if config.Mode == MultiStream {
		e.shared = e.newPipeline("aligned", DefaultVideoClockRate)
	}
	return e, nil
}

func (e *RemoteBitrateEstimator) newPipeline(name string, clockRate uint32) *DelayEstimator {
	d := NewDelayEstimator(e.config.Delay, clockRate, e.log)
	d.SetCallback(func(old, new BandwidthUsage) {
		e.log.Debugf("%s: detector %v -> %v", name, old, new)
	})
	return d
}

// IncomingPacket records one received RTP packet. Packets with an empty
// payload are ignored. An arrival time more than ArrivalJumpToleranceMs
// behind the newest one is a receiver clock correction: the packet is dropped
// and all delay pipelines start over.
func (e *RemoteBitrateEstimator) IncomingPacket(ssrc, payloadSize uint32, arrivalTimeMs int64, rtpTimestamp uint32) {
	if payloadSize == 0 {
		return
	}

	if e.lastArrivalMs >= 0 && arrivalTimeMs < e.lastArrivalMs {
		if e.lastArrivalMs-arrivalTimeMs > e.config.ArrivalJumpToleranceMs {
			e.log.Debugf("arrival time went back %d ms, resetting delay pipelines", e.lastArrivalMs-arrivalTimeMs)
			e.resetPipelines()
			e.lastArrivalMs = arrivalTimeMs
			return
		}
		arrivalTimeMs = e.lastArrivalMs
	}
	e.lastArrivalMs = arrivalTimeMs

	s := e.stream(ssrc)
	s.lastPacketMs = arrivalTimeMs
	e.rateStats.Update(int64(payloadSize), arrivalTimeMs)

	var pipeline *DelayEstimator
	var sendTime int64
	switch e.config.Mode {
	case MultiStream:
		mapping, ok := e.mappings[ssrc]
		if !ok {
			return
		}
		ntpMs, ok := mapping.toNTPMs(rtpTimestamp)
		if !ok {
			return
		}
		pipeline, sendTime = e.shared, ntpMsToSharedTicks(ntpMs)
	default:
		pipeline, sendTime = s.delay, s.unwrapper.Unwrap(rtpTimestamp)
	}

	prior := pipeline.State()
	state := pipeline.OnPacket(sendTime, arrivalTimeMs, int(payloadSize))
	if state == BwOverusing && prior != BwOverusing {
		// React to the first overuse without waiting for the next tick
		e.UpdateEstimate(ssrc, arrivalTimeMs)
	}
}

// IncomingRtcp records a sender report for ssrc. Reports are only used in
// multi-stream mode.
func (e *RemoteBitrateEstimator) IncomingRtcp(ssrc, ntpSeconds, ntpFraction, rtpTimestamp uint32) {
	if e.config.Mode != MultiStream {
		return
	}
	mapping, ok := e.mappings[ssrc]
	if !ok {
		mapping = newRTPToNTP(e.clockRate(ssrc))
		e.mappings[ssrc] = mapping
	}
	if !mapping.update(SenderReport{
		SSRC:         ssrc,
		NTPSeconds:   ntpSeconds,
		NTPFraction:  ntpFraction,
		RTPTimestamp: rtpTimestamp,
	}) {
		e.log.Tracef("ssrc %d: sender report ignored", ssrc)
	}
}

// UpdateEstimate runs the rate controller on the current detector state and
// incoming rate. The observer is called at most once, and only when an
// increase or decrease step changed a valid estimate while at least one
// stream is active. ssrc names the stream that triggered the update; all
// streams share one controller.
func (e *RemoteBitrateEstimator) UpdateEstimate(ssrc uint32, nowMs int64) {
	e.timeoutStreams(nowMs)

	state, noiseVar := e.detectorInput()
	incoming, _ := e.rateStats.Rate(nowMs)
	e.rateControl.Update(RateControlInput{
		State:           state,
		IncomingBitrate: incoming,
		NoiseVar:        noiseVar,
	}, nowMs)

	bitrate, acted := e.rateControl.UpdateBandwidthEstimate(nowMs)
	if !acted || !e.rateControl.ValidEstimate() || len(e.streams) == 0 {
		return
	}
	if e.hasReported && bitrate == e.lastReported {
		return
	}
	e.lastReported = bitrate
	e.hasReported = true

	e.log.Debugf("ssrc %d: target %d bps (%v, incoming %d bps)", ssrc, bitrate, state, incoming)
	if e.observer != nil {
		e.observer(e.SSRCs(), bitrate)
	}
}

// detectorInput returns the state and noise variance handed to the rate
// controller. In single-stream mode the most congested stream wins; ties go
// to the lowest SSRC.
func (e *RemoteBitrateEstimator) detectorInput() (BandwidthUsage, float64) {
	if e.shared != nil {
		return e.shared.State(), e.shared.NoiseVar()
	}

	state, noiseVar := BwNormal, e.config.Delay.Kalman.InitialVarNoise
	found := false
	for _, ssrc := range e.SSRCs() {
		d := e.streams[ssrc].delay
		if !found || d.State().severity() > state.severity() {
			state, noiseVar = d.State(), d.NoiseVar()
			found = true
		}
	}
	return state, noiseVar
}

// LatestEstimate returns the current target for ssrc. It reports false
// before the first valid estimate and for streams that are not active.
func (e *RemoteBitrateEstimator) LatestEstimate(ssrc uint32) (uint32, bool) {
	if _, ok := e.streams[ssrc]; !ok {
		return 0, false
	}
	return e.rateControl.LatestEstimate()
}

// SetRTT sets the round-trip time used by the rate controller.
func (e *RemoteBitrateEstimator) SetRTT(rttMs int64) {
	e.rateControl.SetRTT(rttMs)
}

// SetStreamClockRate sets the RTP clock rate of ssrc, 90 kHz by default.
// Changing it restarts that stream's timing state.
func (e *RemoteBitrateEstimator) SetStreamClockRate(ssrc, clockRateHz uint32) {
	if clockRateHz == 0 {
		clockRateHz = DefaultVideoClockRate
	}
	if e.clockRate(ssrc) == clockRateHz {
		return
	}
	e.clockRates[ssrc] = clockRateHz

	if s, ok := e.streams[ssrc]; ok && e.config.Mode == SingleStream {
		s.clockRate = clockRateHz
		s.unwrapper.Reset()
		s.delay = e.newPipeline(fmt.Sprintf("ssrc %d", ssrc), clockRateHz)
	}
	if _, ok := e.mappings[ssrc]; ok {
		e.mappings[ssrc] = newRTPToNTP(clockRateHz)
	}
}

// RemoveStream forgets ssrc.
func (e *RemoteBitrateEstimator) RemoveStream(ssrc uint32) {
	delete(e.mappings, ssrc)
	delete(e.clockRates, ssrc)
	e.removeStream(ssrc)
}

func (e *RemoteBitrateEstimator) removeStream(ssrc uint32) {
	if _, ok := e.streams[ssrc]; !ok {
		return
	}
	delete(e.streams, ssrc)
	if len(e.streams) == 0 && e.shared != nil {
		e.shared.Reset()
	}
}

func (e *RemoteBitrateEstimator) timeoutStreams(nowMs int64) {
	for ssrc, s := range e.streams {
		if nowMs-s.lastPacketMs > e.config.StreamTimeoutMs {
			e.log.Debugf("ssrc %d: no packets for %d ms, removing", ssrc, nowMs-s.lastPacketMs)
			e.removeStream(ssrc)
		}
	}
}

// SSRCs returns the active streams in ascending order.
func (e *RemoteBitrateEstimator) SSRCs() []uint32 {
	ssrcs := make([]uint32, 0, len(e.streams))
	for ssrc := range e.streams {
		ssrcs = append(ssrcs, ssrc)
	}
	slices.Sort(ssrcs)
	return ssrcs
}

// RateControlState returns the rate controller state.
func (e *RemoteBitrateEstimator) RateControlState() RateControlState {
	return e.rateControl.State()
}

// LastBitrateChangeMs returns the time of the last increase or decrease
// step, -1 before the first.
func (e *RemoteBitrateEstimator) LastBitrateChangeMs() int64 {
	return e.rateControl.LastBitrateChangeMs()
}

// DetectorState returns the detector state the rate controller would see
// now.
func (e *RemoteBitrateEstimator) DetectorState() BandwidthUsage {
	state, _ := e.detectorInput()
	return state
}

// IncomingBitrate returns the throughput over the last window.
func (e *RemoteBitrateEstimator) IncomingBitrate(nowMs int64) (uint32, bool) {
	return e.rateStats.Rate(nowMs)
}

func (e *RemoteBitrateEstimator) stream(ssrc uint32) *stream {
	if s, ok := e.streams[ssrc]; ok {
		return s
	}
	s := &stream{ssrc: ssrc, clockRate: e.clockRate(ssrc)}
	if e.config.Mode == SingleStream {
		s.delay = e.newPipeline(fmt.Sprintf("ssrc %d", ssrc), s.clockRate)
	}
	e.streams[ssrc] = s
	return s
}

func (e *RemoteBitrateEstimator) clockRate(ssrc uint32) uint32 {
	if rate, ok := e.clockRates[ssrc]; ok {
		return rate
	}
	return DefaultVideoClockRate
}

// resetPipelines restarts every delay pipeline and the throughput window.
// The rate controller keeps its estimate.
func (e *RemoteBitrateEstimator) resetPipelines() {
	for _, s := range e.streams {
		if s.delay != nil {
			s.delay.Reset()
		}
		s.unwrapper.Reset()
	}
	if e.shared != nil {
		e.shared.Reset()
	}
	e.rateStats.Reset()
}
