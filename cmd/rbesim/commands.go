package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/rbe/cmd/rbesim/scenario"
	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/bwe/testutil"
	"github.com/thesyncim/rbe/pkg/logger"
)

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool("dev") {
		return logger.NewDevelopment(c.String("log-level"))
	}
	return logger.NewProduction(c.String("log-level"))
}

func runScenarios(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no scenario files given")
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	recordDir := c.String("record")
	if recordDir != "" {
		if err := os.MkdirAll(recordDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", recordDir, err)
		}
	}

	opts := scenario.Options{
		LoggerFactory: logger.NewLoggerFactory(log),
		Record:        recordDir != "",
	}

	failed := 0
	for _, path := range c.Args().Slice() {
		sc, err := scenario.Load(path)
		if err != nil {
			return err
		}

		start := time.Now()
		res, err := scenario.Run(c.Context, sc, opts)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}

		log.Info("scenario finished",
			zap.String("name", sc.Name),
			zap.Uint32("finalBps", res.Final),
			zap.Bool("valid", res.Valid),
			zap.Int("estimates", len(res.Samples)),
			zap.Int("overuses", res.Overuses),
			zap.Int("packets", res.Packets),
			zap.Duration("elapsed", time.Since(start)),
		)

		if recordDir != "" {
			res.Trace.Description = sc.Description
			out := filepath.Join(recordDir, sc.Name+".json")
			if err := res.Trace.Save(out); err != nil {
				return err
			}
			log.Debug("trace written", zap.String("path", out))
		}

		if err := res.Check(sc.Expect); err != nil {
			log.Error("expectation failed", zap.Error(err))
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, c.NArg())
	}
	return nil
}

func loadEstimatorConfig(path string) (bwe.Config, error) {
	config := bwe.DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return config, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return config, config.Validate()
}

func replayTrace(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected one trace file")
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	trace, err := testutil.LoadTrace(c.Args().First())
	if err != nil {
		return err
	}
	config, err := loadEstimatorConfig(c.String("config"))
	if err != nil {
		return err
	}
	config.LoggerFactory = logger.NewLoggerFactory(log)

	var got []uint32
	e, err := bwe.NewRemoteBitrateEstimator(config, func(_ []uint32, bitrate uint32) {
		got = append(got, bitrate)
	})
	if err != nil {
		return err
	}
	trace.Replay(e)

	d := testutil.CompareEstimates(got, trace.Estimates())
	log.Info("replay finished",
		zap.String("trace", trace.Name),
		zap.Int("events", len(trace.Events)),
		zap.Int("compared", d.Compared),
		zap.Float64("maxPercent", d.MaxPercent),
		zap.Float64("avgPercent", d.AvgPercent),
		zap.Bool("countMismatch", d.CountMismatch),
	)

	if d.CountMismatch {
		return fmt.Errorf("replay produced %d estimates, trace has %d", len(got), len(trace.Estimates()))
	}
	if tol := c.Float64("tolerance"); d.MaxPercent > tol {
		return fmt.Errorf("replay diverged by %.3f%%, tolerance %.3f%%", d.MaxPercent, tol)
	}
	return nil
}

func defaultSoakScenario() *scenario.Scenario {
	return &scenario.Scenario{
		Name:           "soak",
		DurationMs:     math.MaxInt64,
		CapacityBps:    2_000_000,
		FollowEstimate: true,
		Streams: []scenario.Stream{
			{SSRC: 0x12345678, FPS: 30, BitrateBps: 300_000, ClockRate: 90000},
			{SSRC: 0x9ABCDEF0, FPS: 15, BitrateBps: 100_000, ClockRate: 90000, TimestampOffset: math.MaxUint32 - 90000},
		},
		Estimator: bwe.DefaultConfig(),
	}
}

type soakMetrics struct {
	estimate prometheus.Gauge
	incoming prometheus.Gauge
	packets  prometheus.Gauge
	wraps    prometheus.Gauge
	heap     prometheus.Gauge
	simTime  prometheus.Gauge
}

func newSoakMetrics(reg prometheus.Registerer) *soakMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "rbe", Subsystem: "soak", Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}
	return &soakMetrics{
		estimate: gauge("estimate_bps", "Current target bitrate."),
		incoming: gauge("incoming_bps", "Measured incoming bitrate."),
		packets:  gauge("packets", "Packets processed."),
		wraps:    gauge("rtp_wraps", "RTP timestamp wraparounds seen."),
		heap:     gauge("heap_bytes", "Go heap in use."),
		simTime:  gauge("simulated_ms", "Simulated receiver time."),
	}
}

func soak(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sc := defaultSoakScenario()
	if path := c.String("scenario"); path != "" {
		if sc, err = scenario.Load(path); err != nil {
			return err
		}
		sc.DurationMs = math.MaxInt64
	}

	reg := prometheus.NewRegistry()
	metrics := newSoakMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Addr: c.String("http"), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("http server failed", zap.Error(err))
		}
	}()
	defer func() { _ = srv.Close() }()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("duration"))
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("soak started",
		zap.String("scenario", sc.Name),
		zap.Duration("duration", c.Duration("duration")),
		zap.String("http", c.String("http")),
	)

	limit := uint64(c.Int("heap-limit-mb")) << 20
	statusInterval := c.Duration("status-interval")
	start := time.Now()
	lastStatus := start
	var peakHeap uint64
	var mem runtime.MemStats

	res, err := scenario.Run(ctx, sc, scenario.Options{
		LoggerFactory:  logger.NewLoggerFactory(log),
		DiscardSamples: true,
		OnProgress: func(p scenario.Progress) {
			runtime.ReadMemStats(&mem)
			peakHeap = max(peakHeap, mem.HeapAlloc)

			metrics.estimate.Set(float64(p.Estimate))
			metrics.incoming.Set(float64(p.IncomingBps))
			metrics.packets.Set(float64(p.Packets))
			metrics.wraps.Set(float64(p.Wraps))
			metrics.heap.Set(float64(mem.HeapAlloc))
			metrics.simTime.Set(float64(p.NowMs))

			if time.Since(lastStatus) >= statusInterval {
				lastStatus = time.Now()
				log.Info("soak status",
					zap.Duration("elapsed", time.Since(start).Round(time.Second)),
					zap.Duration("simulated", time.Duration(p.NowMs)*time.Millisecond),
					zap.Int("packets", p.Packets),
					zap.Uint32("estimateBps", p.Estimate),
					zap.Int("wraps", p.Wraps),
					zap.Uint64("heapBytes", mem.HeapAlloc),
				)
			}
		},
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("soak finished",
		zap.Duration("elapsed", time.Since(start).Round(time.Second)),
		zap.Int("packets", res.Packets),
		zap.Uint32("finalBps", res.Final),
		zap.Bool("valid", res.Valid),
		zap.Int("wraps", res.Wraps),
		zap.Uint64("peakHeapBytes", peakHeap),
	)

	switch {
	case !res.Valid:
		return errors.New("soak ended without a valid estimate")
	case peakHeap > limit:
		return fmt.Errorf("heap peaked at %d MB, limit %d MB", peakHeap>>20, limit>>20)
	}
	return nil
}
