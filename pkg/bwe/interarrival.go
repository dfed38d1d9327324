package bwe

// DefaultGroupLengthMs is the send-time span of one packet group. Packets
// sent within this window of the group's first packet are treated as one
// frame.
const DefaultGroupLengthMs = 5

const (
	// reorderedResetThreshold is the number of consecutive groups arriving
	// out of order after which the calculator starts over.
	reorderedResetThreshold = 3

	// burstDeltaThresholdMs and maxBurstDurationMs bound arrival-time burst
	// grouping.
	burstDeltaThresholdMs = 5
	maxBurstDurationMs    = 100
)

// InterArrivalConfig configures packet grouping.
type InterArrivalConfig struct {
	// GroupLengthMs is the maximum send-time span of a group.
	// Default: 5 ms.
	GroupLengthMs int64 `yaml:"group_length_ms"`

	// BurstGrouping additionally merges packets that arrive in a burst
	// after queuing, even if their send times are further apart.
	// Default: false.
	BurstGrouping bool `yaml:"burst_grouping"`
}

// DefaultInterArrivalConfig returns the default grouping configuration.
func DefaultInterArrivalConfig() InterArrivalConfig {
	return InterArrivalConfig{
		GroupLengthMs: DefaultGroupLengthMs,
		BurstGrouping: false,
	}
}

// GroupDelta describes the difference between two consecutive packet groups.
type GroupDelta struct {
	// SendDelta is the send-time difference in timestamp ticks.
	SendDelta int64

	// SendDeltaMs is SendDelta converted to milliseconds.
	SendDeltaMs float64

	// ArrivalDeltaMs is the arrival-time difference in milliseconds.
	ArrivalDeltaMs int64

	// SizeDelta is the difference of the groups' payload bytes.
	SizeDelta int
}

// DelayVariationMs returns arrival delta minus send delta.
// Positive values mean the queue is building.
func (d GroupDelta) DelayVariationMs() float64 {
	return float64(d.ArrivalDeltaMs) - d.SendDeltaMs
}

// packetGroup represents a group of packets sent together, typically one
// video frame. Send times are unwrapped timestamp ticks.
type packetGroup struct {
	firstTimestamp int64
	timestamp      int64 // newest send time in the group
	firstArrivalMs int64
	completeTimeMs int64 // arrival of the last packet, -1 while empty
	size           int
	numPackets     int
}

func emptyGroup() packetGroup {
	return packetGroup{firstArrivalMs: -1, completeTimeMs: -1}
}

func (g *packetGroup) empty() bool {
	return g.completeTimeMs < 0
}

func (g *packetGroup) start(timestamp, arrivalMs int64, size int) {
	*g = packetGroup{
		firstTimestamp: timestamp,
		timestamp:      timestamp,
		firstArrivalMs: arrivalMs,
		completeTimeMs: arrivalMs,
		size:           size,
		numPackets:     1,
	}
}

func (g *packetGroup) add(timestamp, arrivalMs int64, size int) {
	if timestamp > g.timestamp {
		g.timestamp = timestamp
	}
	g.completeTimeMs = arrivalMs
	g.size += size
	g.numPackets++
}

// InterArrival groups packets by send time and computes deltas between
// consecutive groups.
//
// A packet joins the current group while its send time is within the group
// length of the group's first packet and it does not arrive before the
// group's last packet. When a packet opens a new group the current group is
// complete and its delta to the previously completed group is emitted:
//
//	send_delta    = G(k).last_send    - G(k-1).last_send
//	arrival_delta = G(k).last_arrival - G(k-1).last_arrival
//	size_delta    = G(k).size         - G(k-1).size
type InterArrival struct {
	groupLengthTicks int64
	timestampToMs    float64
	burstGrouping    bool

	current packetGroup
	prev    packetGroup

	consecutiveReordered int
	reordered            bool
}

// NewInterArrival creates a calculator. groupLengthTicks is the group length
// in send-time ticks and timestampToMs converts ticks to milliseconds.
func NewInterArrival(groupLengthTicks int64, timestampToMs float64, burstGrouping bool) *InterArrival {
	return &InterArrival{
		groupLengthTicks: groupLengthTicks,
		timestampToMs:    timestampToMs,
		burstGrouping:    burstGrouping,
		current:          emptyGroup(),
		prev:             emptyGroup(),
	}
}

// ComputeDeltas adds a packet and reports the delta between the two most
// recently completed groups when this packet completes a group.
//
// Packets sent before the current group's first packet are ignored.
// Returns ok=false when no delta is available.
func (c *InterArrival) ComputeDeltas(timestamp, arrivalMs int64, payloadSize int) (delta GroupDelta, ok bool) {
	c.reordered = false

	if c.current.empty() {
		c.current.start(timestamp, arrivalMs, payloadSize)
		return GroupDelta{}, false
	}

	if timestamp < c.current.firstTimestamp {
		return GroupDelta{}, false
	}

	if !c.newGroup(timestamp, arrivalMs) {
		if arrivalMs < c.current.completeTimeMs {
			// Arrival order broken inside the group: its timing is no longer
			// trustworthy, start over from this packet.
			c.reordered = true
			c.current.start(timestamp, arrivalMs, payloadSize)
			return GroupDelta{}, false
		}
		c.current.add(timestamp, arrivalMs, payloadSize)
		return GroupDelta{}, false
	}

	if !c.prev.empty() {
		sendDelta := c.current.timestamp - c.prev.timestamp
		arrivalDelta := c.current.completeTimeMs - c.prev.completeTimeMs

		if arrivalDelta < 0 {
			c.reordered = true
			c.consecutiveReordered++
			if c.consecutiveReordered >= reorderedResetThreshold {
				c.Reset()
			} else {
				// Drop the out-of-order group and start fresh from this packet
				c.current.start(timestamp, arrivalMs, payloadSize)
			}
			return GroupDelta{}, false
		}
		c.consecutiveReordered = 0

		if sendDelta <= 0 {
			c.prev.size += c.current.size
			c.prev.numPackets += c.current.numPackets
			c.prev.completeTimeMs = c.current.completeTimeMs
			c.current.start(timestamp, arrivalMs, payloadSize)
			return GroupDelta{}, false
		}

		delta = GroupDelta{
			SendDelta:      sendDelta,
			SendDeltaMs:    float64(sendDelta) * c.timestampToMs,
			ArrivalDeltaMs: arrivalDelta,
			SizeDelta:      c.current.size - c.prev.size,
		}
		ok = true
	}

	c.prev = c.current
	c.current.start(timestamp, arrivalMs, payloadSize)
	return delta, ok
}

// newGroup reports whether the packet opens a new group.
func (c *InterArrival) newGroup(timestamp, arrivalMs int64) bool {
	if c.belongsToBurst(timestamp, arrivalMs) {
		return false
	}
	return timestamp-c.current.firstTimestamp > c.groupLengthTicks
}

// belongsToBurst reports whether a packet that arrives right after the
// current group, with a negative propagation delta, is part of a queued
// burst.
func (c *InterArrival) belongsToBurst(timestamp, arrivalMs int64) bool {
	if !c.burstGrouping {
		return false
	}
	arrivalDeltaMs := arrivalMs - c.current.completeTimeMs
	sendDeltaMs := int64(c.timestampToMs*float64(timestamp-c.current.firstTimestamp) + 0.5)
	if sendDeltaMs == 0 {
		return true
	}
	propagationDeltaMs := arrivalDeltaMs - sendDeltaMs
	return propagationDeltaMs < 0 &&
		arrivalDeltaMs <= burstDeltaThresholdMs &&
		arrivalMs-c.current.firstArrivalMs < maxBurstDurationMs
}

// Reordered reports whether the last packet broke arrival order. Callers
// skip filter updates while it is set.
func (c *InterArrival) Reordered() bool {
	return c.reordered
}

// Reset clears the calculator state. Call this after a clock jump or a
// long gap.
func (c *InterArrival) Reset() {
	c.current = emptyGroup()
	c.prev = emptyGroup()
	c.consecutiveReordered = 0
}
