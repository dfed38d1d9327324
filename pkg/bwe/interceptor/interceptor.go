package interceptor

import (
	"slices"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/bwe/internal"
)

const (
	// DefaultTickInterval is how often UpdateEstimate runs.
	DefaultTickInterval = 100 * time.Millisecond
)

// BWEInterceptor is a Pion interceptor that runs a RemoteBitrateEstimator on
// the remote streams of one PeerConnection. It feeds RTP arrivals and RTCP
// sender reports into the estimator, ticks it, and writes REMB packets with
// the resulting target.
//
// The estimator itself is not concurrency safe; every call into it happens
// under the interceptor mutex.
//
// Usage:
//
//	i, err := NewBWEInterceptor(bwe.DefaultConfig(), WithSenderSSRC(1))
//	// Add to interceptor registry through BWEInterceptorFactory...
type BWEInterceptor struct {
	interceptor.NoOp

	id      string
	log     logging.LeveledLogger
	clock   internal.Clock
	metrics *Metrics
	onREMB  func(bitrate float32, ssrcs []uint32)

	tickInterval time.Duration
	rembConfig   REMBSchedulerConfig

	mu         sync.Mutex
	estimator  *bwe.RemoteBitrateEstimator
	scheduler  *REMBScheduler
	streams    map[uint32]*streamState
	rtcpWriter interceptor.RTCPWriter

	// Last observer output.
	target      uint32
	targetSSRCs []uint32
	hasTarget   bool
	changed     bool

	loggerFactory logging.LoggerFactory

	closed    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// InterceptorOption is a functional option for configuring BWEInterceptor.
type InterceptorOption func(*BWEInterceptor)

// WithREMBInterval sets the regular REMB interval.
// Default is 1 second.
func WithREMBInterval(d time.Duration) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.rembConfig.IntervalMs = d.Milliseconds()
	}
}

// WithTickInterval sets how often the estimate is updated.
// Default is 100 ms.
func WithTickInterval(d time.Duration) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.tickInterval = d
	}
}

// WithSenderSSRC sets the sender SSRC to use in REMB packets.
func WithSenderSSRC(ssrc uint32) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.rembConfig.SenderSSRC = ssrc
	}
}

// WithOnREMB sets a callback that is invoked each time a REMB packet is sent.
func WithOnREMB(fn func(bitrate float32, ssrcs []uint32)) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.onREMB = fn
	}
}

// WithClock replaces the arrival clock. Tests use internal.MockClock.
func WithClock(c internal.Clock) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.clock = c
	}
}

// WithMetrics records per-connection metrics under the label id.
func WithMetrics(m *Metrics, id string) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.metrics = m
		i.id = id
	}
}

// WithLoggerFactory sets the factory for the interceptor and, unless the
// estimator config names its own, for the estimator.
func WithLoggerFactory(f logging.LoggerFactory) InterceptorOption {
	return func(i *BWEInterceptor) {
		i.loggerFactory = f
	}
}

// NewBWEInterceptor creates an interceptor running an estimator built from
// config.
func NewBWEInterceptor(config bwe.Config, opts ...InterceptorOption) (*BWEInterceptor, error) {
	i := &BWEInterceptor{
		tickInterval: DefaultTickInterval,
		rembConfig:   DefaultREMBSchedulerConfig(),
		streams:      make(map[uint32]*streamState),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.clock == nil {
		i.clock = internal.NewMonotonicClock()
	}
	if i.loggerFactory == nil {
		i.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = i.loggerFactory
	}
	i.log = i.loggerFactory.NewLogger("rbe-interceptor")

	estimator, err := bwe.NewRemoteBitrateEstimator(config, i.onEstimate)
	if err != nil {
		return nil, err
	}
	i.estimator = estimator
	i.scheduler = NewREMBScheduler(i.rembConfig)
	return i, nil
}

// onEstimate is the estimator observer. It runs under i.mu.
func (i *BWEInterceptor) onEstimate(ssrcs []uint32, bitrateBps uint32) {
	i.target = bitrateBps
	i.targetSSRCs = ssrcs
	i.hasTarget = true
	i.changed = true
	i.metrics.recordEstimate(i.id, bitrateBps)
}

// Close stops the tick loop.
func (i *BWEInterceptor) Close() error {
	i.closeOnce.Do(func() {
		close(i.closed)
	})
	i.wg.Wait()
	i.metrics.forget(i.id)
	return nil
}

func (i *BWEInterceptor) start() {
	i.startOnce.Do(func() {
		i.wg.Add(1)
		go i.tickLoop()
	})
}

// BindRTCPWriter captures the writer used for REMB packets.
func (i *BWEInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.start()
	return writer
}

// BindRTCPReader observes incoming sender reports.
func (i *BWEInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		if attr == nil {
			attr = make(interceptor.Attributes)
		}
		pkts, err := attr.GetRTCPPackets(b[:n])
		if err != nil {
			return 0, nil, err
		}
		for _, pkt := range pkts {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				i.processSenderReport(sr)
			}
		}
		return n, attr, nil
	})
}

// BindRemoteStream registers the stream's clock rate and wraps the reader to
// observe packets.
func (i *BWEInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	i.mu.Lock()
	i.streams[info.SSRC] = newStreamState(info.SSRC, info.ClockRate)
	i.estimator.SetStreamClockRate(info.SSRC, info.ClockRate)
	i.mu.Unlock()

	i.start()

	ssrc := info.SSRC
	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			i.processRTP(b[:n], ssrc)
		}
		return n, a, err
	})
}

// UnbindRemoteStream forgets the stream.
func (i *BWEInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.mu.Lock()
	delete(i.streams, info.SSRC)
	i.estimator.RemoveStream(info.SSRC)
	i.mu.Unlock()
}

// payloadSize returns the RTP payload length of raw without padding, or -1
// if raw is not a valid RTP packet.
func payloadSize(raw []byte, header *rtp.Header) int {
	n, err := header.Unmarshal(raw)
	if err != nil {
		return -1
	}
	size := len(raw) - n
	if header.Padding && size > 0 {
		size -= int(raw[len(raw)-1])
	}
	return size
}

func (i *BWEInterceptor) processRTP(raw []byte, ssrc uint32) {
	var header rtp.Header
	size := payloadSize(raw, &header)
	if size <= 0 {
		return
	}

	i.mu.Lock()
	now := i.clock.NowMs()
	if s, ok := i.streams[ssrc]; ok {
		s.onPacket(size, now)
	}
	i.estimator.IncomingPacket(ssrc, uint32(size), now, header.Timestamp)

	// An overuse transition updates the estimate from the packet path
	var pkt *rtcp.ReceiverEstimatedMaximumBitrate
	if i.changed {
		i.changed = false
		pkt, _ = i.scheduler.MaybeBuild(i.target, i.targetSSRCs, now)
	}
	i.mu.Unlock()

	i.metrics.recordPacket(i.id, size)
	i.writeREMB(pkt)
}

func (i *BWEInterceptor) processSenderReport(sr *rtcp.SenderReport) {
	i.mu.Lock()
	i.estimator.IncomingRtcp(sr.SSRC, uint32(sr.NTPTime>>32), uint32(sr.NTPTime), sr.RTPTime)
	i.mu.Unlock()
}

func (i *BWEInterceptor) tickLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.tick()
		}
	}
}

// tick updates the estimate and sends a REMB if one is due.
func (i *BWEInterceptor) tick() {
	i.mu.Lock()
	now := i.clock.NowMs()
	ssrcs := i.estimator.SSRCs()
	var trigger uint32
	if len(ssrcs) > 0 {
		trigger = ssrcs[0]
	}
	i.estimator.UpdateEstimate(trigger, now)
	i.changed = false

	incoming, _ := i.estimator.IncomingBitrate(now)
	state := i.estimator.DetectorState()

	var pkt *rtcp.ReceiverEstimatedMaximumBitrate
	if i.hasTarget {
		if active := i.estimator.SSRCs(); len(active) > 0 {
			pkt, _ = i.scheduler.MaybeBuild(i.target, active, now)
		}
	}
	i.mu.Unlock()

	i.metrics.recordTick(i.id, incoming, state)
	i.writeREMB(pkt)
}

func (i *BWEInterceptor) writeREMB(pkt *rtcp.ReceiverEstimatedMaximumBitrate) {
	if pkt == nil {
		return
	}

	i.mu.Lock()
	writer := i.rtcpWriter
	i.mu.Unlock()

	if writer == nil {
		return
	}
	if _, err := writer.Write([]rtcp.Packet{pkt}, nil); err != nil {
		i.log.Warnf("failed to write REMB: %v", err)
		return
	}
	i.metrics.recordREMB(i.id)

	if i.onREMB != nil {
		i.onREMB(pkt.Bitrate, pkt.SSRCs)
	}
}

// Estimate returns the latest target reported by the estimator.
func (i *BWEInterceptor) Estimate() (uint32, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.target, i.hasTarget
}

// SetRTT forwards a round-trip time measurement to the estimator.
func (i *BWEInterceptor) SetRTT(rtt time.Duration) {
	i.mu.Lock()
	i.estimator.SetRTT(rtt.Milliseconds())
	i.mu.Unlock()
}

// Streams returns the bound remote streams in ascending SSRC order.
func (i *BWEInterceptor) Streams() []StreamStats {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]StreamStats, 0, len(i.streams))
	for _, s := range i.streams {
		out = append(out, s.stats())
	}
	slices.SortFunc(out, func(a, b StreamStats) int {
		switch {
		case a.SSRC < b.SSRC:
			return -1
		case a.SSRC > b.SSRC:
			return 1
		}
		return 0
	})
	return out
}
