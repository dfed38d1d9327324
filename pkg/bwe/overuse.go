package bwe

import "math"

const (
	// maxNumDeltas caps the scaling of the filter offset by the number of
	// deltas it has seen.
	maxNumDeltas = 60

	// maxAdaptOffsetMs suppresses threshold adaptation for spikes this far
	// above the threshold.
	maxAdaptOffsetMs = 15.0

	// maxTimeDeltaMs caps the elapsed time used for one threshold step.
	maxTimeDeltaMs = 100
)

// StateChangeCallback is called when bandwidth usage state changes.
// The callback receives the previous state and the new state.
type StateChangeCallback func(old, new BandwidthUsage)

// OveruseConfig contains configuration parameters for the overuse detector.
// These parameters control the adaptive threshold behavior and overuse detection timing.
type OveruseConfig struct {
	// InitialThreshold is the initial value for the adaptive threshold in milliseconds.
	// Default: 12.5 ms
	InitialThreshold float64 `yaml:"initial_threshold"`

	// MinThreshold and MaxThreshold bound the adaptive threshold.
	// Defaults: 6 ms and 600 ms.
	MinThreshold float64 `yaml:"min_threshold"`
	MaxThreshold float64 `yaml:"max_threshold"`

	// KUp is the adaptation gain while the modified offset is above the
	// threshold. Default: 0.0087.
	KUp float64 `yaml:"k_up"`

	// KDown is the adaptation gain while the modified offset is below the
	// threshold. Default: 0.039.
	KDown float64 `yaml:"k_down"`

	// OverusingTimeThresholdMs is how long the offset must stay above the
	// threshold before overuse is signaled.
	// Default: 10 ms
	OverusingTimeThresholdMs float64 `yaml:"overusing_time_threshold_ms"`
}

// DefaultOveruseConfig returns an OveruseConfig with the adaptive-threshold
// defaults.
func DefaultOveruseConfig() OveruseConfig {
	return OveruseConfig{
		InitialThreshold:         12.5,
		MinThreshold:             6.0,
		MaxThreshold:             600.0,
		KUp:                      0.0087,
		KDown:                    0.039,
		OverusingTimeThresholdMs: 10,
	}
}

// OveruseDetector determines network congestion state by comparing the
// filtered delay offset against an adaptive threshold.
//
// The offset is first scaled by min(numDeltas, 60) so that a young filter
// cannot trigger on its own noise. Overuse is only signaled once the scaled
// offset stayed above the threshold for OverusingTimeThresholdMs over at
// least two deltas and is not falling.
type OveruseDetector struct {
	config         OveruseConfig
	threshold      float64
	lastUpdateMs   int64 // -1 before the first threshold step
	timeOverUsing  float64
	overuseCounter int
	prevOffset     float64
	hypothesis     BandwidthUsage
	callback       StateChangeCallback
}

// NewOveruseDetector creates a new OveruseDetector with the given configuration.
func NewOveruseDetector(config OveruseConfig) *OveruseDetector {
	d := &OveruseDetector{config: config}
	d.Reset()
	return d
}

// SetCallback registers a callback function that will be invoked whenever
// the bandwidth usage state changes. Pass nil to disable callbacks.
func (d *OveruseDetector) SetCallback(cb StateChangeCallback) {
	d.callback = cb
}

// Detect evaluates a new filter offset and returns the bandwidth usage state.
// tsDeltaMs is the send-time delta of the group that produced the offset and
// nowMs the receiver time used for threshold adaptation.
func (d *OveruseDetector) Detect(offset, tsDeltaMs float64, numDeltas int, nowMs int64) BandwidthUsage {
	if numDeltas < 2 {
		return BwNormal
	}

	old := d.hypothesis
	modified := float64(min(numDeltas, maxNumDeltas)) * offset

	switch {
	case modified > d.threshold:
		if d.timeOverUsing < 0 {
			// Assume the overuse started halfway between the last two samples
			d.timeOverUsing = tsDeltaMs / 2
		} else {
			d.timeOverUsing += tsDeltaMs
		}
		d.overuseCounter++
		if d.timeOverUsing >= d.config.OverusingTimeThresholdMs && d.overuseCounter >= 2 && offset >= d.prevOffset {
			d.timeOverUsing = 0
			d.overuseCounter = 0
			d.hypothesis = BwOverusing
		}
	case modified < -d.threshold:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BwUnderusing
	default:
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BwNormal
	}
	d.prevOffset = offset

	d.updateThreshold(modified, nowMs)

	if d.hypothesis != old && d.callback != nil {
		d.callback(old, d.hypothesis)
	}
	return d.hypothesis
}

// updateThreshold moves the threshold toward |modified| at a rate of k per
// millisecond, k_up when above and k_down when below.
func (d *OveruseDetector) updateThreshold(modified float64, nowMs int64) {
	if d.lastUpdateMs < 0 {
		d.lastUpdateMs = nowMs
	}

	abs := math.Abs(modified)
	if abs > d.threshold+maxAdaptOffsetMs {
		// Spikes such as a stalled sender are not network state
		d.lastUpdateMs = nowMs
		return
	}

	k := d.config.KDown
	if abs >= d.threshold {
		k = d.config.KUp
	}
	dt := min(nowMs-d.lastUpdateMs, maxTimeDeltaMs)
	d.threshold += k * (abs - d.threshold) * float64(dt)
	d.threshold = math.Max(d.config.MinThreshold, math.Min(d.config.MaxThreshold, d.threshold))
	d.lastUpdateMs = nowMs
}

// State returns the current bandwidth usage state without processing a new estimate.
func (d *OveruseDetector) State() BandwidthUsage {
	return d.hypothesis
}

// Threshold returns the current adaptive threshold value.
// This is primarily useful for debugging and monitoring.
func (d *OveruseDetector) Threshold() float64 {
	return d.threshold
}

// Reset resets the detector to its initial state.
// The configuration and callback are preserved.
func (d *OveruseDetector) Reset() {
	d.threshold = d.config.InitialThreshold
	d.lastUpdateMs = -1
	d.timeOverUsing = -1
	d.overuseCounter = 0
	d.prevOffset = 0
	d.hypothesis = BwNormal
}
