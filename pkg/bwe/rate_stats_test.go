package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Basic Functionality Tests
// =============================================================================

func TestRateStats_EmptyReturnsNotOk(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	rate, ok := r.Rate(0)
	assert.False(t, ok, "Rate() should return ok=false when no samples")
	assert.Equal(t, uint32(0), rate, "Rate should be 0 when not ok")
}

func TestRateStats_SingleSampleIsValid(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	r.Update(1200, 0)

	rate, ok := r.Rate(0)
	require.True(t, ok, "one packet inside the window yields a rate")
	assert.Equal(t, uint32(19200), rate, "1200 bytes over a 500ms window")
}

func TestRateStats_NormalizedByFullWindow(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	// 125000 bytes spread over the window = 2 Mbps regardless of spacing
	for i := int64(0); i < 100; i++ {
		r.Update(1250, i*5)
	}

	rate, ok := r.Rate(495)
	require.True(t, ok)
	assert.Equal(t, uint32(2_000_000), rate)
}

func TestRateStats_Expiry(t *testing.T) {
	tests := []struct {
		name   string
		nowMs  int64
		wantOk bool
		want   uint32
	}{
		{"inside window", 499, true, 38400},
		{"first sample expires at now-window", 500, true, 19200},
		{"both expired", 1000, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRateStats(DefaultRateStatsConfig())
			r.Update(1200, 0)
			r.Update(1200, 10)

			rate, ok := r.Rate(tt.nowMs)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, rate)
		})
	}
}

func TestRateStats_InitialEstimateWindow(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	r.Update(1200, 0)
	r.Update(1200, 499)

	// The packet at t=0 has left the window at t=501.
	rate, ok := r.Rate(501)
	require.True(t, ok)
	assert.Equal(t, uint32(19200), rate)
	assert.Equal(t, 1, r.Samples())
}

// =============================================================================
// Edge Cases
// =============================================================================

func TestRateStats_OutOfOrderSampleFoldsIntoNewestBucket(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	r.Update(1000, 100)
	r.Update(1000, 90)

	assert.Equal(t, 2, r.Samples())

	// Both bytes live in the t=100 bucket, so they survive until t=600.
	rate, ok := r.Rate(599)
	require.True(t, ok)
	assert.Equal(t, uint32(32000), rate)

	_, ok = r.Rate(600)
	assert.False(t, ok)
}

func TestRateStats_LargeGapClearsWindow(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())

	for i := int64(0); i < 10; i++ {
		r.Update(500, i*10)
	}
	r.Update(500, 10_000)

	rate, ok := r.Rate(10_000)
	require.True(t, ok)
	assert.Equal(t, uint32(8000), rate)
	assert.Equal(t, 1, r.Samples())
}

func TestRateStats_Reset(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	r.Update(1000, 0)
	r.Update(1000, 100)

	r.Reset()

	_, ok := r.Rate(100)
	assert.False(t, ok, "Rate() should return ok=false after Reset")
	assert.Equal(t, 0, r.Samples())
}

func TestRateStats_CustomWindow(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowMs: 1000})

	r.Update(1000, 0)

	rate, ok := r.Rate(999)
	require.True(t, ok)
	assert.Equal(t, uint32(8000), rate, "1000 bytes over 1 second = 8000 bps")
}

func TestRateStats_ZeroWindowUsesDefault(t *testing.T) {
	r := NewRateStats(RateStatsConfig{})
	assert.Equal(t, int64(500), r.windowMs)
}
