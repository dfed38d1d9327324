package bwe

import "github.com/gammazero/deque"

// TrendlineConfig contains configuration parameters for the trendline estimator.
// The trendline estimator uses linear regression over a sliding window of samples
// to estimate the delay trend, providing an alternative to Kalman filtering.
type TrendlineConfig struct {
	// WindowSize is the number of samples in the regression window.
	// A larger window provides more stability but slower response.
	// Default: 20 samples.
	WindowSize int `yaml:"window_size"`

	// SmoothingCoef is the exponential smoothing coefficient for accumulated delay.
	// Higher values (closer to 1.0) give more weight to history.
	// Default: 0.9
	SmoothingCoef float64 `yaml:"smoothing_coef"`

	// ThresholdGain scales the slope to the range the detector threshold
	// expects.
	// Default: 4.0
	ThresholdGain float64 `yaml:"threshold_gain"`
}

// DefaultTrendlineConfig returns the default configuration for the trendline estimator.
func DefaultTrendlineConfig() TrendlineConfig {
	return TrendlineConfig{
		WindowSize:    20,
		SmoothingCoef: 0.9,
		ThresholdGain: 4.0,
	}
}

// trendSample is one point of the regression window.
type trendSample struct {
	arrivalTimeMs float64 // since the first sample
	smoothedDelay float64
}

// TrendlineEstimator estimates delay trends using linear regression over a
// sliding window of samples.
//
// The estimator:
// 1. Accumulates delay variation and smooths the accumulated delay
// 2. Maintains a sliding window of (arrival time, smoothed delay) samples
// 3. Computes the least-squares slope over the window
// 4. Reports slope * ThresholdGain as its offset
type TrendlineEstimator struct {
	config           TrendlineConfig
	history          deque.Deque[trendSample]
	accumulatedDelay float64
	smoothedDelay    float64
	numDeltas        int
	firstArrivalMs   int64
	hasFirst         bool
	trend            float64
}

// NewTrendlineEstimator creates a new trendline estimator with the given configuration.
// If WindowSize is less than 2, it defaults to 20.
func NewTrendlineEstimator(config TrendlineConfig) *TrendlineEstimator {
	// Need at least 2 samples for linear regression
	if config.WindowSize < 2 {
		config.WindowSize = 20
	}
	return &TrendlineEstimator{config: config}
}

// Update processes a new delay sample taken at arrivalMs.
// delayVariationMs is arrival delta minus send delta of the completed group.
func (t *TrendlineEstimator) Update(arrivalMs int64, delayVariationMs float64) {
	if !t.hasFirst {
		t.firstArrivalMs = arrivalMs
		t.hasFirst = true
	}

	t.accumulatedDelay += delayVariationMs
	t.smoothedDelay = t.config.SmoothingCoef*t.smoothedDelay + (1-t.config.SmoothingCoef)*t.accumulatedDelay

	t.history.PushBack(trendSample{
		arrivalTimeMs: float64(arrivalMs - t.firstArrivalMs),
		smoothedDelay: t.smoothedDelay,
	})
	if t.history.Len() > t.config.WindowSize {
		t.history.PopFront()
	}

	t.numDeltas++
	if t.numDeltas > deltaCounterMax {
		t.numDeltas = deltaCounterMax
	}

	if t.history.Len() == t.config.WindowSize {
		t.trend = t.linearFitSlope()
	}
}

// linearFitSlope computes the slope of the best-fit line through the sample history
// using ordinary least squares linear regression.
//
// Returns the slope in units of smoothedDelay per millisecond.
func (t *TrendlineEstimator) linearFitSlope() float64 {
	n := t.history.Len()
	if n < 2 {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		s := t.history.At(i)
		sumX += s.arrivalTimeMs
		sumY += s.smoothedDelay
	}
	avgX := sumX / float64(n)
	avgY := sumY / float64(n)

	var num, denom float64
	for i := 0; i < n; i++ {
		s := t.history.At(i)
		dx := s.arrivalTimeMs - avgX
		num += dx * (s.smoothedDelay - avgY)
		denom += dx * dx
	}
	if denom == 0 {
		return 0
	}
	return num / denom
}

// Offset returns the scaled trend; the detector multiplies it by the number
// of deltas seen, capped at 60.
func (t *TrendlineEstimator) Offset() float64 {
	return t.trend * t.config.ThresholdGain
}

// NumDeltas returns the number of samples processed, capped at 1000.
func (t *TrendlineEstimator) NumDeltas() int {
	return t.numDeltas
}

// Reset clears the estimator state, allowing it to be reused.
func (t *TrendlineEstimator) Reset() {
	t.history.Clear()
	t.accumulatedDelay = 0
	t.smoothedDelay = 0
	t.numDeltas = 0
	t.hasFirst = false
	t.firstArrivalMs = 0
	t.trend = 0
}
