package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTicksPerMs = 90

func newTestInterArrival(burst bool) *InterArrival {
	return NewInterArrival(DefaultGroupLengthMs*testTicksPerMs, 1.0/testTicksPerMs, burst)
}

// =============================================================================
// Grouping
// =============================================================================

func TestInterArrival_FirstGroupEmitsNothing(t *testing.T) {
	c := newTestInterArrival(false)

	_, ok := c.ComputeDeltas(0, 100, 1000)
	assert.False(t, ok, "first packet has no previous group")

	_, ok = c.ComputeDeltas(90, 101, 1000)
	assert.False(t, ok, "packet within 5ms joins the first group")

	_, ok = c.ComputeDeltas(3000, 140, 500)
	assert.False(t, ok, "completing the first group has nothing to compare with")
}

func TestInterArrival_DeltaBetweenCompletedGroups(t *testing.T) {
	c := newTestInterArrival(false)

	c.ComputeDeltas(0, 100, 1000)
	c.ComputeDeltas(90, 101, 1000)
	c.ComputeDeltas(3000, 140, 500)

	delta, ok := c.ComputeDeltas(6000, 175, 700)
	require.True(t, ok, "opening the third group completes the second")

	assert.Equal(t, int64(2910), delta.SendDelta, "last send of group 2 minus last send of group 1")
	assert.InDelta(t, 2910.0/90, delta.SendDeltaMs, 1e-9)
	assert.Equal(t, int64(39), delta.ArrivalDeltaMs, "last arrival of group 2 minus last arrival of group 1")
	assert.Equal(t, 500-2000, delta.SizeDelta)
}

func TestInterArrival_GroupBoundaryIsInclusive(t *testing.T) {
	c := newTestInterArrival(false)

	c.ComputeDeltas(0, 0, 100)
	c.ComputeDeltas(450, 5, 100) // exactly 5 ms: same group
	c.ComputeDeltas(451, 6, 100) // 5 ms + 1 tick: new group
	delta, ok := c.ComputeDeltas(1000, 10, 100)

	require.True(t, ok)
	assert.Equal(t, int64(1), delta.SendDelta)
	assert.Equal(t, int64(1), delta.ArrivalDeltaMs)
	assert.Equal(t, 100-200, delta.SizeDelta)
}

func TestInterArrival_PerFrameDeltas(t *testing.T) {
	c := newTestInterArrival(false)

	// 30 fps, three packets per frame, 1 ms spacing on arrival
	var deltas []GroupDelta
	for frame := int64(0); frame < 10; frame++ {
		ts := frame * 3000
		arrival := frame * 33
		for p := int64(0); p < 3; p++ {
			if d, ok := c.ComputeDeltas(ts, arrival+p, 1200); ok {
				deltas = append(deltas, d)
			}
		}
	}

	require.Len(t, deltas, 8, "ten frames yield eight completed-pair deltas")
	for _, d := range deltas {
		assert.Equal(t, int64(3000), d.SendDelta)
		assert.Equal(t, int64(33), d.ArrivalDeltaMs)
		assert.Equal(t, 0, d.SizeDelta)
		assert.InDelta(t, -0.333, d.DelayVariationMs(), 0.001)
	}
}

// =============================================================================
// Reordering
// =============================================================================

func TestInterArrival_IgnoresPacketsSentBeforeGroup(t *testing.T) {
	c := newTestInterArrival(false)

	c.ComputeDeltas(1000, 100, 100)
	_, ok := c.ComputeDeltas(500, 101, 100)

	assert.False(t, ok)
	assert.Equal(t, int64(1000), c.current.firstTimestamp)
	assert.Equal(t, 100, c.current.size, "late packet must not be counted")
}

func TestInterArrival_ArrivalOrderBrokenInsideGroup(t *testing.T) {
	c := newTestInterArrival(false)

	c.ComputeDeltas(0, 100, 100)
	_, ok := c.ComputeDeltas(90, 95, 100)

	assert.False(t, ok)
	assert.True(t, c.Reordered(), "downstream must be told to pause")
	assert.Equal(t, int64(90), c.current.firstTimestamp, "group restarted from the late packet")
	assert.Equal(t, 1, c.current.numPackets)

	c.ComputeDeltas(180, 96, 100)
	assert.False(t, c.Reordered(), "flag only covers a single packet")
}

func TestInterArrival_ConsecutiveReorderedGroupsReset(t *testing.T) {
	c := newTestInterArrival(false)

	c.ComputeDeltas(0, 100, 100)
	c.ComputeDeltas(3000, 200, 100)
	_, ok := c.ComputeDeltas(6000, 150, 100)
	require.True(t, ok)

	// Group C completed at 150, before group B at 200.
	for i, ts := range []int64{9000, 12000, 15000} {
		_, ok := c.ComputeDeltas(ts, 160+int64(i)*10, 100)
		assert.False(t, ok)
		assert.True(t, c.Reordered())
	}

	assert.True(t, c.current.empty(), "third violation resets the calculator")
	assert.True(t, c.prev.empty())

	_, ok = c.ComputeDeltas(18000, 300, 100)
	assert.False(t, ok)
	_, ok = c.ComputeDeltas(21000, 333, 100)
	assert.False(t, ok, "needs two completed groups again after reset")
}

// =============================================================================
// Burst grouping
// =============================================================================

func TestInterArrival_BurstGrouping(t *testing.T) {
	c := newTestInterArrival(true)

	c.ComputeDeltas(0, 100, 100)
	c.ComputeDeltas(900, 102, 100)  // sent 10 ms later, queued: joins
	c.ComputeDeltas(1800, 104, 100) // sent 20 ms later, queued: joins
	assert.Equal(t, 3, c.current.numPackets)

	c.ComputeDeltas(4500, 150, 100)
	delta, ok := c.ComputeDeltas(9000, 200, 100)

	require.True(t, ok)
	assert.Equal(t, int64(4500-1800), delta.SendDelta)
	assert.Equal(t, int64(150-104), delta.ArrivalDeltaMs)
	assert.Equal(t, 100-300, delta.SizeDelta)
}

func TestInterArrival_NoBurstGroupingByDefault(t *testing.T) {
	c := newTestInterArrival(false)

	c.ComputeDeltas(0, 100, 100)
	c.ComputeDeltas(900, 102, 100)

	assert.Equal(t, 1, c.current.numPackets, "10 ms send gap opens a group without burst grouping")
	assert.Equal(t, 1, c.prev.numPackets)
}

func TestInterArrival_Reset(t *testing.T) {
	c := newTestInterArrival(false)
	c.ComputeDeltas(0, 0, 100)
	c.ComputeDeltas(3000, 33, 100)

	c.Reset()

	assert.True(t, c.current.empty())
	assert.True(t, c.prev.empty())
}

func TestGroupDelta_DelayVariation(t *testing.T) {
	d := GroupDelta{SendDeltaMs: 30, ArrivalDeltaMs: 35}
	assert.Equal(t, 5.0, d.DelayVariationMs())
}
