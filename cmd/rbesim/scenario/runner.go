package scenario

import (
	"context"
	"fmt"

	"github.com/pion/logging"

	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/bwe/testutil"
)

// progressIntervalMs is the simulated time between OnProgress calls.
const progressIntervalMs = 10_000

// Sample is one reported target.
type Sample struct {
	TimeMs     int64
	BitrateBps uint32
}

// Progress is a periodic snapshot of a running scenario.
type Progress struct {
	NowMs       int64
	Packets     int
	Estimate    uint32
	Valid       bool
	IncomingBps uint32
	Wraps       int
}

// Options control a run.
type Options struct {
	// LoggerFactory is handed to the estimator.
	LoggerFactory logging.LoggerFactory

	// Record keeps a replayable trace in Result.Trace.
	Record bool

	// DiscardSamples stops Result.Samples from growing, for long runs.
	DiscardSamples bool

	// OnSample is called for every reported target.
	OnSample func(Sample)

	// OnProgress is called every 10 s of simulated time.
	OnProgress func(Progress)
}

// Result is the outcome of a run.
type Result struct {
	Name     string
	Samples  []Sample
	Final    uint32
	Valid    bool
	Frames   int
	Packets  int
	Overuses int

	// Wraps counts RTP timestamp wraparounds seen across all streams.
	Wraps int

	// Trace is set when Options.Record is.
	Trace *testutil.Trace
}

// Check compares the result with the scenario's expectations.
func (r *Result) Check(e Expect) error {
	if e.MinEstimates > 0 && len(r.Samples) < e.MinEstimates {
		return fmt.Errorf("%s: %d estimates, want at least %d", r.Name, len(r.Samples), e.MinEstimates)
	}
	if e.MinOveruses > 0 && r.Overuses < e.MinOveruses {
		return fmt.Errorf("%s: %d overuse reactions, want at least %d", r.Name, r.Overuses, e.MinOveruses)
	}
	if e.MinFinalBps == 0 && e.MaxFinalBps == 0 {
		return nil
	}
	if !r.Valid {
		return fmt.Errorf("%s: no valid estimate", r.Name)
	}
	if r.Final < e.MinFinalBps {
		return fmt.Errorf("%s: final estimate %d bps below %d", r.Name, r.Final, e.MinFinalBps)
	}
	if e.MaxFinalBps != 0 && r.Final > e.MaxFinalBps {
		return fmt.Errorf("%s: final estimate %d bps above %d", r.Name, r.Final, e.MaxFinalBps)
	}
	return nil
}

// Run executes sc until its duration elapses or ctx is done. On
// cancellation the partial result is returned with ctx's error.
//
// Each frame is sent over the link, its packets are delivered at their
// arrival times, and the estimate is updated after the last one. In
// multi-stream mode due sender reports are delivered before the frame.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	res := &Result{Name: sc.Name}

	gen := testutil.NewStreamGenerator(sc.CapacityBps, 0)
	for _, s := range sc.Streams {
		gen.AddStream(testutil.NewRTPStream(s.FPS, s.BitrateBps, s.SSRC, s.ClockRate, s.TimestampOffset, s.RTCPStartMs))
	}

	var (
		nowArrival int64
		latest     uint32
		updated    bool
	)
	rec := testutil.NewRecorder(sc.Name, nil)
	observer := func(ssrcs []uint32, bitrate uint32) {
		s := Sample{TimeMs: nowArrival, BitrateBps: bitrate}
		if !opts.DiscardSamples {
			res.Samples = append(res.Samples, s)
		}
		if opts.OnSample != nil {
			opts.OnSample(s)
		}
		if opts.Record {
			rec.OnEstimate(ssrcs, bitrate)
		}
		latest, updated = bitrate, true
	}

	config := sc.Estimator
	if opts.LoggerFactory != nil {
		config.LoggerFactory = opts.LoggerFactory
	}
	e, err := bwe.NewRemoteBitrateEstimator(config, observer)
	if err != nil {
		return nil, err
	}

	var sink testutil.Sink = e
	if opts.Record {
		rec.SetSink(e)
		sink = rec
	}

	multi := config.Mode == bwe.MultiStream
	lastTS := make(map[uint32]uint32, len(sc.Streams))
	events := sc.Events
	nextProgress := int64(progressIntervalMs)
	prevState := bwe.BwNormal

	nowMs := 0.0
	sameInstant := 0
	for nowMs < float64(sc.DurationMs) {
		if err := ctx.Err(); err != nil {
			res.finish(e, rec, opts)
			return res, err
		}

		for len(events) > 0 && float64(events[0].AtMs) <= nowMs {
			if events[0].CapacityBps > 0 {
				gen.SetCapacityBps(events[0].CapacityBps)
			}
			if events[0].BitrateBps > 0 {
				gen.SetBitrateBps(events[0].BitrateBps)
			}
			events = events[1:]
		}

		if multi {
			for _, r := range gen.RTCPs(nowMs) {
				sink.IncomingRtcp(r.SSRC, r.NTPSeconds, r.NTPFraction, r.RTPTimestamp)
			}
		}

		packets, next := gen.GenerateFrame(nowMs)
		for _, p := range packets {
			if last, ok := lastTS[p.SSRC]; ok && p.RTPTimestamp < last && last-p.RTPTimestamp > 1<<31 {
				res.Wraps++
			}
			lastTS[p.SSRC] = p.RTPTimestamp

			nowArrival = p.ArrivalMs
			sink.IncomingPacket(p.SSRC, p.Size, p.ArrivalMs, p.RTPTimestamp)
			res.Packets++

			state := e.DetectorState()
			if state == bwe.BwOverusing && prevState != bwe.BwOverusing {
				res.Overuses++
			}
			prevState = state
		}
		if len(packets) > 0 {
			res.Frames++
			sink.UpdateEstimate(packets[0].SSRC, nowArrival)
		}

		if sc.FollowEstimate && updated {
			gen.SetBitrateBps(int(latest))
			updated = false
		}

		if opts.OnProgress != nil && nowArrival >= nextProgress {
			incoming, _ := e.IncomingBitrate(nowArrival)
			estimate, valid := latestEstimate(e)
			opts.OnProgress(Progress{
				NowMs:       nowArrival,
				Packets:     res.Packets,
				Estimate:    estimate,
				Valid:       valid,
				IncomingBps: incoming,
				Wraps:       res.Wraps,
			})
			nextProgress = nowArrival + progressIntervalMs
		}

		// Streams may have frames due at the same instant, one per stream
		switch {
		case next > nowMs:
			sameInstant = 0
		case next < nowMs || sameInstant >= len(sc.Streams):
			return nil, fmt.Errorf("%s: generator did not advance at %.1f ms", sc.Name, nowMs)
		default:
			sameInstant++
		}
		nowMs = next
	}

	res.finish(e, rec, opts)
	return res, nil
}

func latestEstimate(e *bwe.RemoteBitrateEstimator) (uint32, bool) {
	ssrcs := e.SSRCs()
	if len(ssrcs) == 0 {
		return 0, false
	}
	return e.LatestEstimate(ssrcs[0])
}

func (r *Result) finish(e *bwe.RemoteBitrateEstimator, rec *testutil.Recorder, opts Options) {
	r.Final, r.Valid = latestEstimate(e)
	if opts.Record {
		r.Trace = &rec.Trace
	}
}
