// Allocation benchmarks for the per-packet path.
//
// How to run:
//
//	go test -bench=ZeroAlloc -benchmem ./pkg/bwe/...
//
// Steady-state packet processing should report 0 allocs/op. Constructors,
// new SSRCs and SSRCs() allocate; none of them run per packet.
//
// How to debug allocation failures:
//
//	go build -gcflags="-m" ./pkg/bwe 2>&1 | grep -E "(escapes|moved to heap)"
package bwe

import (
	"testing"

	"github.com/pion/logging"
)

var (
	benchUsage   BandwidthUsage
	benchBitrate uint32
)

func benchLoggerFactory() logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = logging.LogLevelDisabled
	return f
}

func BenchmarkRemoteBitrateEstimator_IncomingPacket_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()

	config := DefaultConfig()
	config.LoggerFactory = benchLoggerFactory()
	e, err := NewRemoteBitrateEstimator(config, nil)
	if err != nil {
		b.Fatal(err)
	}

	// Warm up past stream creation and deque growth
	for i := range 1000 {
		e.IncomingPacket(1, 1200, int64(i)*20, uint32(i*20*90))
	}

	b.ResetTimer()
	for i := range b.N {
		n := 1000 + i
		e.IncomingPacket(1, 1200, int64(n)*20, uint32(n*20*90))
	}
}

func BenchmarkRemoteBitrateEstimator_UpdateEstimate(b *testing.B) {
	b.ReportAllocs()

	config := DefaultConfig()
	config.LoggerFactory = benchLoggerFactory()
	e, err := NewRemoteBitrateEstimator(config, func([]uint32, uint32) {})
	if err != nil {
		b.Fatal(err)
	}

	for i := range 1000 {
		e.IncomingPacket(1, 1200, int64(i)*20, uint32(i*20*90))
	}

	b.ResetTimer()
	for i := range b.N {
		n := int64(1000 + i)
		e.IncomingPacket(1, 1200, n*20, uint32(n*20*90))
		// Every increase reports, and the report allocates the SSRC list
		e.UpdateEstimate(1, n*20)
	}
}

func BenchmarkDelayEstimator_OnPacket_ZeroAlloc(b *testing.B) {
	for _, f := range allFilters {
		b.Run(f.String(), func(b *testing.B) {
			b.ReportAllocs()
			e := NewDelayEstimator(filterConfig(f), 90000, nil)

			for i := range 1000 {
				e.OnPacket(int64(i)*20*90, int64(i)*20, 1200)
			}

			b.ResetTimer()
			for i := range b.N {
				n := int64(1000 + i)
				benchUsage = e.OnPacket(n*20*90, n*20, 1200)
			}
		})
	}
}

func BenchmarkInterArrival_ComputeDeltas_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()
	c := NewInterArrival(5*90, 1.0/90, true)

	b.ResetTimer()
	for i := range b.N {
		c.ComputeDeltas(int64(i)*20*90, int64(i)*20, 1200)
	}
}

func BenchmarkKalmanFilter_Update_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()
	k := NewKalmanFilter(DefaultKalmanConfig(), nil)

	b.ResetTimer()
	for i := range b.N {
		k.Update(20+int64(i%3), 20, 0, BwNormal)
	}
}

func BenchmarkTrendlineEstimator_Update_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()
	t := NewTrendlineEstimator(DefaultTrendlineConfig())

	for i := range 100 {
		t.Update(int64(i)*20, 0.1)
	}

	b.ResetTimer()
	for i := range b.N {
		t.Update(int64(100+i)*20, 0.1)
	}
}

func BenchmarkOveruseDetector_Detect_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()
	d := NewOveruseDetector(DefaultOveruseConfig())

	b.ResetTimer()
	for i := range b.N {
		benchUsage = d.Detect(float64(i%10)*0.1, 20, 60, int64(i)*20)
	}
}

func BenchmarkRateStats_Update_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()
	r := NewRateStats(DefaultRateStatsConfig())

	for i := range 1000 {
		r.Update(1200, int64(i))
	}

	b.ResetTimer()
	for i := range b.N {
		r.Update(1200, int64(1000+i))
		benchBitrate, _ = r.Rate(int64(1000 + i))
	}
}

func BenchmarkRateController_Update_ZeroAlloc(b *testing.B) {
	b.ReportAllocs()
	c := NewRateController(DefaultRateControllerConfig())

	b.ResetTimer()
	for i := range b.N {
		now := int64(i) * 20
		c.Update(RateControlInput{State: BwNormal, IncomingBitrate: 1_000_000, NoiseVar: 50}, now)
		benchBitrate, _ = c.UpdateBandwidthEstimate(now)
	}
}
