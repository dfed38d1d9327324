package bwe

import (
	"fmt"
	"math"
	"strings"
)

const (
	// bootstrapWindowMs is how long the incoming rate is observed before it
	// seeds the first estimate.
	bootstrapWindowMs = 500

	// recoveryLowRateBps and recoveryLowEstimateBps bound the region in
	// which the estimate may exceed 1.5 times the incoming rate.
	recoveryLowRateBps     = 100_000
	recoveryLowEstimateBps = 150_000

	// Sigmoid parameters of the adaptive increase factor.
	alphaB          = 0.0407
	alphaSlope      = 0.0025
	alphaNoiseCoef  = -6700.0 / (33 * 33)
	alphaNoiseBase  = 800.0
	alphaReactScale = 0.85
	alphaMin        = 1.005
	alphaMax        = 1.3

	// maxBitrateAlpha smooths the observed-maximum mean and variance.
	maxBitrateAlpha = 0.05
)

// RateControlState represents the rate controller state machine state.
type RateControlState int

const (
	// RateHold keeps the rate. This is the initial state.
	RateHold RateControlState = iota
	// RateIncrease indicates the rate can grow.
	RateIncrease
	// RateDecrease indicates congestion detected - apply multiplicative decrease.
	// It holds the rate until the next input.
	RateDecrease
)

// String returns a string representation of the RateControlState.
func (s RateControlState) String() string {
	switch s {
	case RateHold:
		return "Hold"
	case RateIncrease:
		return "Increase"
	case RateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// RateControlRegion tells where the current rate sits relative to the
// running estimate of the link maximum.
type RateControlRegion int

const (
	// RegionMaxUnknown means no usable maximum has been observed yet.
	RegionMaxUnknown RateControlRegion = iota
	// RegionAboveMax means the incoming rate went past the observed maximum.
	RegionAboveMax
	// RegionNearMax means the rate is close to the last observed maximum.
	RegionNearMax
)

func (r RateControlRegion) String() string {
	switch r {
	case RegionMaxUnknown:
		return "MaxUnknown"
	case RegionAboveMax:
		return "AboveMax"
	case RegionNearMax:
		return "NearMax"
	default:
		return "Unknown"
	}
}

// IncreaseMode selects how the rate grows in the Increase state.
type IncreaseMode int

const (
	// IncreaseAdaptive scales the rate by a factor derived from the response
	// time and the delay noise, applied on every update. Only IncreaseAIMD
	// honours the MinBitratePeriodMs cadence.
	IncreaseAdaptive IncreaseMode = iota
	// IncreaseAIMD grows multiplicatively far from the observed maximum and
	// additively near it, at most once per MinBitratePeriodMs.
	IncreaseAIMD
)

func (m IncreaseMode) String() string {
	switch m {
	case IncreaseAdaptive:
		return "adaptive"
	case IncreaseAIMD:
		return "aimd"
	default:
		return fmt.Sprintf("increase(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m IncreaseMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *IncreaseMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "adaptive", "":
		*m = IncreaseAdaptive
	case "aimd":
		*m = IncreaseAIMD
	default:
		return fmt.Errorf("%w: unknown increase mode %q", ErrInvalidConfig, text)
	}
	return nil
}

// RateControllerConfig configures the rate controller.
type RateControllerConfig struct {
	// MinBitrateBps is the floor applied by decreases.
	// Default: 30,000 (30 kbps)
	MinBitrateBps uint32 `yaml:"min_bitrate_bps"`

	// MaxBitrateBps caps every estimate. It is also the value the controller
	// holds before the first valid estimate.
	// Default: 3,000,000,000 (3 Gbps)
	MaxBitrateBps uint32 `yaml:"max_bitrate_bps"`

	// Beta is the multiplicative decrease factor applied during congestion.
	// On overuse, new_rate = beta * incoming_rate
	// Default: 0.85 (15% reduction)
	Beta float64 `yaml:"beta"`

	// IncreaseMode selects the increase policy.
	// Default: IncreaseAdaptive
	IncreaseMode IncreaseMode `yaml:"increase_mode"`

	// InitialRTTMs is the round-trip time assumed until SetRTT is called.
	// Default: 0
	InitialRTTMs int64 `yaml:"initial_rtt_ms"`

	// MinBitratePeriodMs is the minimum spacing of IncreaseAIMD steps.
	// Default: 500 ms
	MinBitratePeriodMs int64 `yaml:"min_bitrate_period_ms"`
}

// DefaultRateControllerConfig returns the default configuration for the rate controller.
func DefaultRateControllerConfig() RateControllerConfig {
	return RateControllerConfig{
		MinBitrateBps:      30_000,
		MaxBitrateBps:      3_000_000_000,
		Beta:               0.85,
		IncreaseMode:       IncreaseAdaptive,
		InitialRTTMs:       0,
		MinBitratePeriodMs: 500,
	}
}

// RateController turns the detector state and the measured incoming rate
// into a target bitrate.
//
// State transitions on each acted-upon input:
//
//	Signal     | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | Decrease
//	Normal     | Increase | (stay)   | Increase
//	Underusing | (stay)   | Hold     | Hold
//
// Each Overusing input applies one decrease step. State keeps reporting
// Decrease until the next input arrives. An Overusing input that has not
// been acted on yet is never overwritten by a later input.
type RateController struct {
	config RateControllerConfig

	currentBitrate uint32
	maxHoldRate    uint32
	initialized    bool
	firstIncoming  int64 // -1 until a positive incoming rate was seen

	state  RateControlState
	region RateControlRegion

	// Mean and normalized variance of the incoming rate at decreases, kbps.
	avgMaxBitrateKbps float64 // -1 when unknown
	varMaxBitrateKbps float64

	input   RateControlInput
	updated bool

	lastBitrateChangeMs int64
	lastChangeMs        int64
	avgChangePeriodMs   float64
	rttMs               int64
}

// NewRateController creates a new rate controller with the given configuration.
func NewRateController(config RateControllerConfig) *RateController {
	c := &RateController{config: config}
	c.Reset()
	return c
}

// Update stores the latest detector and throughput snapshot. It also seeds
// the estimate from the incoming rate once that has been observed for more
// than 500 ms.
func (c *RateController) Update(input RateControlInput, nowMs int64) RateControlRegion {
	if !c.initialized {
		if c.firstIncoming < 0 {
			if input.IncomingBitrate > 0 {
				c.firstIncoming = nowMs
			}
		} else if nowMs-c.firstIncoming > bootstrapWindowMs && input.IncomingBitrate > 0 {
			c.currentBitrate = min(input.IncomingBitrate, c.config.MaxBitrateBps)
			c.initialized = true
		}
	}

	if c.updated && c.input.State == BwOverusing {
		// Always react to the overuse; only refresh the measurements
		c.input.NoiseVar = input.NoiseVar
		c.input.IncomingBitrate = input.IncomingBitrate
		return c.region
	}
	c.updated = true
	c.input = input
	return c.region
}

// UpdateBandwidthEstimate acts on the stored input and returns the new
// target. acted reports whether the controller ran an Increase or Decrease
// step; it is false when there was no new input or the state was Hold.
func (c *RateController) UpdateBandwidthEstimate(nowMs int64) (bitrate uint32, acted bool) {
	if !c.updated {
		return c.currentBitrate, false
	}
	c.updated = false

	c.updateChangePeriod(nowMs)
	c.changeState(nowMs)

	incoming := c.input.IncomingBitrate
	incomingKbps := float64(incoming) / 1000
	prev := c.currentBitrate
	next := float64(prev)
	recovery := false

	switch c.state {
	case RateHold:
		c.maxHoldRate = max(c.maxHoldRate, incoming)
		return c.currentBitrate, false

	case RateIncrease:
		c.updateRegion(incomingKbps)
		var ok bool
		next, ok = c.increase(next, nowMs)
		if !ok {
			return c.currentBitrate, false
		}
		if c.maxHoldRate > 0 && c.config.Beta*float64(c.maxHoldRate) > next {
			next = c.config.Beta * float64(c.maxHoldRate)
			c.avgMaxBitrateKbps = c.config.Beta * float64(c.maxHoldRate) / 1000
			c.region = RegionNearMax
			recovery = true
		}
		c.maxHoldRate = 0
		c.lastBitrateChangeMs = nowMs

	case RateDecrease:
		next = c.decrease(incoming, incomingKbps)
		c.lastBitrateChangeMs = nowMs
	}

	if !recovery && (incoming > recoveryLowRateBps || next > recoveryLowEstimateBps) &&
		next > 1.5*float64(incoming) {
		// The sender is too far below the target to learn anything
		next = float64(prev)
		c.lastBitrateChangeMs = nowMs
	}

	c.currentBitrate = uint32(math.Min(next, float64(c.config.MaxBitrateBps)))
	return c.currentBitrate, true
}

// changeState applies the stored input to the state machine.
func (c *RateController) changeState(nowMs int64) {
	switch c.input.State {
	case BwNormal:
		// A Decrease already acted and counts as Hold
		if c.state == RateHold || c.state == RateDecrease {
			c.lastBitrateChangeMs = nowMs
			c.state = RateIncrease
		}
	case BwOverusing:
		c.state = RateDecrease
	case BwUnderusing:
		c.state = RateHold
	}
}

// updateRegion tracks whether the incoming rate left the band around the
// observed maximum.
func (c *RateController) updateRegion(incomingKbps float64) {
	if c.avgMaxBitrateKbps < 0 {
		return
	}
	std := math.Sqrt(c.varMaxBitrateKbps * c.avgMaxBitrateKbps)
	switch {
	case incomingKbps > c.avgMaxBitrateKbps+3*std:
		c.region = RegionMaxUnknown
		c.avgMaxBitrateKbps = -1
	case incomingKbps > c.avgMaxBitrateKbps+2.5*std:
		c.region = RegionAboveMax
	}
}

func (c *RateController) increase(current float64, nowMs int64) (float64, bool) {
	if c.config.IncreaseMode == IncreaseAIMD {
		return c.increaseAIMD(current, nowMs)
	}
	responseTimeMs := float64(int64(c.avgChangePeriodMs+0.5) + c.rttMs + 300)
	alpha := c.increaseFactor(nowMs, responseTimeMs)
	return math.Floor(current*alpha) + 1000, true
}

// increaseFactor is the multiplicative step for the time since the last
// change. It grows from 1.005 toward 1.045 per second as the response time
// shortens and the delay noise drops.
func (c *RateController) increaseFactor(nowMs int64, responseTimeMs float64) float64 {
	alpha := alphaMin + alphaB/(1+math.Exp(alphaSlope*(alphaReactScale*responseTimeMs-(alphaNoiseCoef*c.input.NoiseVar+alphaNoiseBase))))
	alpha = math.Max(alphaMin, math.Min(alphaMax, alpha))

	if c.lastBitrateChangeMs > -1 {
		alpha = math.Pow(alpha, float64(nowMs-c.lastBitrateChangeMs)/1000)
	}

	switch c.region {
	case RegionNearMax:
		alpha -= (alpha - 1) / 2
	case RegionMaxUnknown:
		alpha += (alpha - 1) * 2
	}
	return alpha
}

func (c *RateController) increaseAIMD(current float64, nowMs int64) (float64, bool) {
	if c.lastBitrateChangeMs > -1 && nowMs-c.lastBitrateChangeMs < c.config.MinBitratePeriodMs {
		return current, false
	}
	elapsedMs := int64(1000)
	if c.lastBitrateChangeMs > -1 {
		elapsedMs = min(nowMs-c.lastBitrateChangeMs, 1000)
	}

	if c.nearMax(float64(c.input.IncomingBitrate) / 1000) {
		// One packet per response time
		const frameRate, mtuBits = 30.0, 1200 * 8
		bitsPerFrame := current / frameRate
		packetsPerFrame := math.Ceil(bitsPerFrame / mtuBits)
		avgPacketBits := bitsPerFrame / math.Max(packetsPerFrame, 1)
		responseTimeMs := float64(c.rttMs + 100)
		step := 0.5 * avgPacketBits * float64(elapsedMs) / responseTimeMs
		return current + math.Max(1000, step), true
	}
	return current * math.Pow(1.08, float64(elapsedMs)/1000), true
}

func (c *RateController) nearMax(incomingKbps float64) bool {
	if c.avgMaxBitrateKbps < 0 {
		return false
	}
	std := math.Sqrt(c.varMaxBitrateKbps * c.avgMaxBitrateKbps)
	return math.Abs(incomingKbps-c.avgMaxBitrateKbps) <= 3*std
}

func (c *RateController) decrease(incoming uint32, incomingKbps float64) float64 {
	if incoming < c.config.MinBitrateBps {
		return float64(c.config.MinBitrateBps)
	}

	// Slightly below the incoming rate to drain the self-induced queue
	next := math.Floor(c.config.Beta*float64(incoming) + 0.5)
	if next > float64(c.currentBitrate) {
		// Never increase on overuse
		if c.region != RegionMaxUnknown {
			next = math.Floor(c.config.Beta*c.avgMaxBitrateKbps*1000 + 0.5)
		}
		next = math.Min(next, float64(c.currentBitrate))
	}
	next = math.Max(next, float64(c.config.MinBitrateBps))
	c.region = RegionNearMax

	if c.avgMaxBitrateKbps >= 0 {
		std := math.Sqrt(c.varMaxBitrateKbps * c.avgMaxBitrateKbps)
		if incomingKbps < c.avgMaxBitrateKbps-3*std {
			c.avgMaxBitrateKbps = -1
		}
	}
	c.updateMaxBitrateEstimate(incomingKbps)
	return next
}

// updateMaxBitrateEstimate folds the incoming rate at a decrease into the
// running maximum. The variance is normalized by the mean and kept within
// [0.4, 2.5], about 14 to 35 kbps at 500 kbps.
func (c *RateController) updateMaxBitrateEstimate(incomingKbps float64) {
	if c.avgMaxBitrateKbps < 0 {
		c.avgMaxBitrateKbps = incomingKbps
	} else {
		c.avgMaxBitrateKbps = (1-maxBitrateAlpha)*c.avgMaxBitrateKbps + maxBitrateAlpha*incomingKbps
	}
	norm := math.Max(c.avgMaxBitrateKbps, 1)
	diff := c.avgMaxBitrateKbps - incomingKbps
	c.varMaxBitrateKbps = (1-maxBitrateAlpha)*c.varMaxBitrateKbps + maxBitrateAlpha*diff*diff/norm
	c.varMaxBitrateKbps = math.Max(0.4, math.Min(2.5, c.varMaxBitrateKbps))
}

func (c *RateController) updateChangePeriod(nowMs int64) {
	var period int64
	if c.lastChangeMs > -1 {
		period = nowMs - c.lastChangeMs
	}
	c.lastChangeMs = nowMs
	c.avgChangePeriodMs = 0.9*c.avgChangePeriodMs + 0.1*float64(period)
}

// SetRTT sets the round-trip time used for the response time.
func (c *RateController) SetRTT(rttMs int64) {
	c.rttMs = rttMs
}

// ValidEstimate reports whether the estimate has been seeded.
func (c *RateController) ValidEstimate() bool {
	return c.initialized
}

// LatestEstimate returns the current target and whether it is valid.
func (c *RateController) LatestEstimate() (uint32, bool) {
	return c.currentBitrate, c.initialized
}

// State returns the current rate control state.
func (c *RateController) State() RateControlState {
	return c.state
}

// Region returns the current rate control region.
func (c *RateController) Region() RateControlRegion {
	return c.region
}

// LastBitrateChangeMs returns the time of the last Increase or Decrease
// step, -1 before the first.
func (c *RateController) LastBitrateChangeMs() int64 {
	return c.lastBitrateChangeMs
}

// Reset resets the controller to initial state.
func (c *RateController) Reset() {
	c.currentBitrate = c.config.MaxBitrateBps
	c.maxHoldRate = 0
	c.initialized = false
	c.firstIncoming = -1
	c.state = RateHold
	c.region = RegionMaxUnknown
	c.avgMaxBitrateKbps = -1
	c.varMaxBitrateKbps = 0.4
	c.input = RateControlInput{State: BwNormal, NoiseVar: 1}
	c.updated = false
	c.lastBitrateChangeMs = -1
	c.lastChangeMs = -1
	c.avgChangePeriodMs = 1000
	c.rttMs = c.config.InitialRTTMs
}
