package bwe

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
)

const (
	// maxGroupDeltaMs bounds plausible send and arrival deltas; anything
	// larger is a pause or a clock problem and restarts the filter.
	maxGroupDeltaMs = 1000

	// DefaultMaxNonNormalMs is how long the detector may stay out of Normal
	// before the filter is assumed stuck and restarted.
	DefaultMaxNonNormalMs = 10_000

	// trendlineNoiseVar is reported as the noise variance of the trendline
	// filter, which does not estimate one.
	trendlineNoiseVar = 50.0
)

// FilterType specifies which delay filter to use in the delay estimator.
type FilterType int

const (
	// FilterKalman tracks slope and offset with a two-state Kalman filter.
	FilterKalman FilterType = iota

	// FilterSlopeEMA tracks the slope with a scalar Kalman filter and takes
	// the offset as a slow moving average of the residual.
	FilterSlopeEMA

	// FilterTrendline uses linear regression over accumulated delay.
	FilterTrendline
)

func (f FilterType) String() string {
	switch f {
	case FilterKalman:
		return "kalman"
	case FilterSlopeEMA:
		return "slope"
	case FilterTrendline:
		return "trendline"
	default:
		return fmt.Sprintf("filter(%d)", int(f))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f FilterType) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FilterType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "kalman", "":
		*f = FilterKalman
	case "slope", "slope-ema":
		*f = FilterSlopeEMA
	case "trendline":
		*f = FilterTrendline
	default:
		return fmt.Errorf("%w: unknown filter %q", ErrInvalidConfig, text)
	}
	return nil
}

// DelayEstimatorConfig holds configuration for the delay-based detector
// pipeline.
type DelayEstimatorConfig struct {
	// FilterType specifies which delay filter to use.
	FilterType FilterType `yaml:"filter"`

	InterArrival InterArrivalConfig `yaml:"inter_arrival"`
	Kalman       KalmanConfig       `yaml:"kalman"`
	SlopeFilter  SlopeFilterConfig  `yaml:"slope_filter"`
	Trendline    TrendlineConfig    `yaml:"trendline"`
	Overuse      OveruseConfig      `yaml:"overuse"`

	// MaxNonNormalMs restarts the filter after the detector has been out of
	// Normal this long. Zero disables the check.
	// Default: 10 s
	MaxNonNormalMs int64 `yaml:"max_non_normal_ms"`
}

// DefaultDelayEstimatorConfig returns the default configuration for the delay estimator.
func DefaultDelayEstimatorConfig() DelayEstimatorConfig {
	return DelayEstimatorConfig{
		FilterType:     FilterKalman,
		InterArrival:   DefaultInterArrivalConfig(),
		Kalman:         DefaultKalmanConfig(),
		SlopeFilter:    DefaultSlopeFilterConfig(),
		Trendline:      DefaultTrendlineConfig(),
		Overuse:        DefaultOveruseConfig(),
		MaxNonNormalMs: DefaultMaxNonNormalMs,
	}
}

// delayFilter abstracts the three offset filters.
type delayFilter interface {
	// Update processes a completed group delta. state is the detector output
	// before this delta.
	Update(delta GroupDelta, arrivalMs int64, state BandwidthUsage)
	Offset() float64
	NoiseVar() float64
	NumDeltas() int
	Reset()
}

type kalmanAdapter struct {
	*KalmanFilter
}

func (k kalmanAdapter) Update(d GroupDelta, _ int64, state BandwidthUsage) {
	k.KalmanFilter.Update(d.ArrivalDeltaMs, d.SendDeltaMs, d.SizeDelta, state)
}

type slopeAdapter struct {
	*SlopeFilter
}

func (s slopeAdapter) Update(d GroupDelta, _ int64, _ BandwidthUsage) {
	s.SlopeFilter.Update(d.ArrivalDeltaMs, d.SendDeltaMs, d.SizeDelta)
}

type trendlineAdapter struct {
	*TrendlineEstimator
}

func (t trendlineAdapter) Update(d GroupDelta, arrivalMs int64, _ BandwidthUsage) {
	t.TrendlineEstimator.Update(arrivalMs, d.DelayVariationMs())
}

func (t trendlineAdapter) NoiseVar() float64 { return trendlineNoiseVar }

func newDelayFilter(config DelayEstimatorConfig, log logging.LeveledLogger) delayFilter {
	switch config.FilterType {
	case FilterSlopeEMA:
		return slopeAdapter{NewSlopeFilter(config.SlopeFilter, log)}
	case FilterTrendline:
		return trendlineAdapter{NewTrendlineEstimator(config.Trendline)}
	default:
		return kalmanAdapter{NewKalmanFilter(config.Kalman, log)}
	}
}

// DelayEstimator runs one delay pipeline: packet grouping, the offset
// filter and the overuse detector.
//
// Send times are ticks of the clock rate given at construction. In
// multi-stream mode that is the shared 90 kHz axis all streams are mapped
// onto.
type DelayEstimator struct {
	config       DelayEstimatorConfig
	log          logging.LeveledLogger
	interarrival *InterArrival
	filter       delayFilter
	detector     *OveruseDetector

	nonNormalSinceMs int64 // -1 while Normal
}

// NewDelayEstimator creates a pipeline for send times in ticks of
// clockRateHz. log may be nil.
func NewDelayEstimator(config DelayEstimatorConfig, clockRateHz uint32, log logging.LeveledLogger) *DelayEstimator {
	if clockRateHz == 0 {
		clockRateHz = DefaultVideoClockRate
	}
	ticksPerMs := float64(clockRateHz) / 1000

	return &DelayEstimator{
		config: config,
		log:    log,
		interarrival: NewInterArrival(
			int64(float64(config.InterArrival.GroupLengthMs)*ticksPerMs),
			1/ticksPerMs,
			config.InterArrival.BurstGrouping,
		),
		filter:           newDelayFilter(config, log),
		detector:         NewOveruseDetector(config.Overuse),
		nonNormalSinceMs: -1,
	}
}

// OnPacket feeds a packet and returns the detector state after it.
func (e *DelayEstimator) OnPacket(sendTime, arrivalMs int64, payloadSize int) BandwidthUsage {
	delta, ok := e.interarrival.ComputeDeltas(sendTime, arrivalMs, payloadSize)
	if !ok {
		return e.detector.State()
	}

	if delta.SendDeltaMs > maxGroupDeltaMs || delta.ArrivalDeltaMs > maxGroupDeltaMs {
		e.debugf("group delta out of range (send %.1f ms, arrival %d ms), restarting filter",
			delta.SendDeltaMs, delta.ArrivalDeltaMs)
		e.resetFilter()
		return e.detector.State()
	}

	e.filter.Update(delta, arrivalMs, e.detector.State())
	state := e.detector.Detect(e.filter.Offset(), delta.SendDeltaMs, e.filter.NumDeltas(), arrivalMs)

	if state == BwNormal {
		e.nonNormalSinceMs = -1
	} else if e.nonNormalSinceMs < 0 {
		e.nonNormalSinceMs = arrivalMs
	} else if e.config.MaxNonNormalMs > 0 && arrivalMs-e.nonNormalSinceMs > e.config.MaxNonNormalMs {
		e.debugf("detector %v for %d ms, restarting filter", state, arrivalMs-e.nonNormalSinceMs)
		e.resetFilter()
		return e.detector.State()
	}
	return state
}

func (e *DelayEstimator) resetFilter() {
	e.filter.Reset()
	e.detector.Reset()
	e.nonNormalSinceMs = -1
}

func (e *DelayEstimator) debugf(format string, args ...any) {
	if e.log != nil {
		e.log.Debugf(format, args...)
	}
}

// State returns the current bandwidth usage state without processing a packet.
func (e *DelayEstimator) State() BandwidthUsage {
	return e.detector.State()
}

// NoiseVar returns the filter's measurement noise variance.
func (e *DelayEstimator) NoiseVar() float64 {
	return e.filter.NoiseVar()
}

// Offset returns the filtered delay offset in milliseconds.
func (e *DelayEstimator) Offset() float64 {
	return e.filter.Offset()
}

// Threshold returns the detector's adaptive threshold.
func (e *DelayEstimator) Threshold() float64 {
	return e.detector.Threshold()
}

// SetCallback registers a callback that will be invoked when bandwidth usage
// state changes. Pass nil to disable callbacks.
func (e *DelayEstimator) SetCallback(cb StateChangeCallback) {
	e.detector.SetCallback(cb)
}

// Reset resets all components to their initial state.
// This should be called when switching streams or after extended silence.
func (e *DelayEstimator) Reset() {
	e.interarrival.Reset()
	e.resetFilter()
}
