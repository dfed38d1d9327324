package bwe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Trace Generators
// =============================================================================

// tracePacket is one frame-sized packet on a 90 kHz clock.
type tracePacket struct {
	sendTicks int64
	arrivalMs int64
	size      int
}

// stableTrace sends one packet every 33 ms that arrives with constant
// transit time.
func stableTrace(count int) []tracePacket {
	return congestingTrace(count, 0)
}

// congestingTrace sends one packet every 33 ms; each arrives growthMs later
// than the previous one relative to its send time.
func congestingTrace(count int, growthMs int64) []tracePacket {
	packets := make([]tracePacket, count)
	for i := range packets {
		packets[i] = tracePacket{
			sendTicks: int64(i) * 33 * 90,
			arrivalMs: 1000 + int64(i)*(33+growthMs),
			size:      1200,
		}
	}
	return packets
}

func runTrace(e *DelayEstimator, packets []tracePacket) []BandwidthUsage {
	states := make([]BandwidthUsage, len(packets))
	for i, p := range packets {
		states[i] = e.OnPacket(p.sendTicks, p.arrivalMs, p.size)
	}
	return states
}

func filterConfig(f FilterType) DelayEstimatorConfig {
	config := DefaultDelayEstimatorConfig()
	config.FilterType = f
	return config
}

var allFilters = []FilterType{FilterKalman, FilterSlopeEMA, FilterTrendline}

// =============================================================================
// Pipeline
// =============================================================================

func TestDelayEstimator_StableNetworkStaysNormal(t *testing.T) {
	for _, f := range allFilters {
		t.Run(f.String(), func(t *testing.T) {
			e := NewDelayEstimator(filterConfig(f), 90000, nil)

			for i, state := range runTrace(e, stableTrace(300)) {
				require.Equal(t, BwNormal, state, "packet %d", i)
			}
			assert.InDelta(t, 0, e.Offset(), 1e-6)
		})
	}
}

func TestDelayEstimator_GrowingQueueOveruses(t *testing.T) {
	for _, f := range allFilters {
		t.Run(f.String(), func(t *testing.T) {
			e := NewDelayEstimator(filterConfig(f), 90000, nil)

			var transitions []BandwidthUsage
			e.SetCallback(func(_, new BandwidthUsage) {
				transitions = append(transitions, new)
			})

			runTrace(e, congestingTrace(150, 20))

			require.NotEmpty(t, transitions)
			assert.Equal(t, BwOverusing, transitions[0])
			assert.Positive(t, e.Offset())
		})
	}
}

func TestDelayEstimator_DrainingQueueUnderuses(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), 90000, nil)

	// Build a standing queue, then drain it: packets arrive 10 ms apart
	// while sent 33 ms apart
	packets := stableTrace(100)
	last := packets[len(packets)-1]
	for i := 1; i <= 60; i++ {
		packets = append(packets, tracePacket{
			sendTicks: last.sendTicks + int64(i)*33*90,
			arrivalMs: last.arrivalMs + int64(i)*10,
			size:      1200,
		})
	}

	assert.Contains(t, runTrace(e, packets), BwUnderusing)
}

func TestDelayEstimator_ClockRate(t *testing.T) {
	// 48 kHz audio clock: 33 ms is 1584 ticks
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), 48000, nil)
	assert.Equal(t, int64(5*48), e.interarrival.groupLengthTicks)

	for i := 0; i < 5; i++ {
		e.OnPacket(int64(i)*1584, 1000+int64(i)*33, 200)
	}
	assert.Equal(t, 3, e.filter.NumDeltas())
	assert.InDelta(t, 0, e.Offset(), 1e-6)
}

func TestDelayEstimator_ZeroClockRateDefaultsToVideo(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), 0, nil)
	assert.Equal(t, int64(5*90), e.interarrival.groupLengthTicks)
}

// =============================================================================
// Filter restarts
// =============================================================================

func TestDelayEstimator_LongGapRestartsFilter(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), 90000, nil)

	runTrace(e, stableTrace(10))
	require.Equal(t, 8, e.filter.NumDeltas())

	// 2 s pause: the group after the pause has a 2000 ms delta
	e.OnPacket((9*33+2000)*90, 1000+9*33+2000, 1200)
	assert.Equal(t, 9, e.filter.NumDeltas(), "delta before the pause is still valid")

	e.OnPacket((9*33+2033)*90, 1000+9*33+2033, 1200)
	assert.Equal(t, 0, e.filter.NumDeltas(), "out-of-range delta restarts the filter")

	e.OnPacket((9*33+2066)*90, 1000+9*33+2066, 1200)
	assert.Equal(t, 1, e.filter.NumDeltas())
}

func TestDelayEstimator_StuckOutsideNormalRestarts(t *testing.T) {
	config := DefaultDelayEstimatorConfig()
	config.MaxNonNormalMs = 300
	log := newRecordingLogger()
	e := NewDelayEstimator(config, 90000, log)

	runTrace(e, congestingTrace(150, 20))

	assert.GreaterOrEqual(t, log.count("debug"), 1, "filter restart is logged")
}

func TestDelayEstimator_Reset(t *testing.T) {
	e := NewDelayEstimator(DefaultDelayEstimatorConfig(), 90000, nil)
	runTrace(e, congestingTrace(100, 20))

	e.Reset()

	assert.Equal(t, BwNormal, e.State())
	assert.Zero(t, e.filter.NumDeltas())
	assert.Equal(t, 12.5, e.Threshold())
	assert.True(t, e.interarrival.current.empty())
}

// =============================================================================
// Configuration
// =============================================================================

func TestFilterType_Text(t *testing.T) {
	tests := []struct {
		text string
		want FilterType
	}{
		{"kalman", FilterKalman},
		{"", FilterKalman},
		{"slope", FilterSlopeEMA},
		{"Slope-EMA", FilterSlopeEMA},
		{"trendline", FilterTrendline},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			var f FilterType
			require.NoError(t, f.UnmarshalText([]byte(tt.text)))
			assert.Equal(t, tt.want, f)
		})
	}

	var f FilterType
	err := f.UnmarshalText([]byte("median"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	text, err := FilterTrendline.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "trendline", string(text))
}
