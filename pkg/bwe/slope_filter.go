package bwe

import (
	"math"

	"github.com/pion/logging"
)

// SlopeFilterConfig configures the scalar slope filter.
type SlopeFilterConfig struct {
	// ProcessNoise is added to the slope error variance on every update.
	// Default: 1e-3.
	ProcessNoise float64 `yaml:"process_noise"`

	// NoiseSmoothing is the forgetting factor of the residual variance.
	// Default: 1e-2.
	NoiseSmoothing float64 `yaml:"noise_smoothing"`

	// OffsetAlpha is the EMA coefficient applied to the residual to form the
	// offset. Default: 0.05.
	OffsetAlpha float64 `yaml:"offset_alpha"`

	// InitialSlope in ms per byte. Default: 8/512.
	InitialSlope float64 `yaml:"initial_slope"`

	// InitialError is the initial slope error variance. Default: 0.1.
	InitialError float64 `yaml:"initial_error"`
}

// DefaultSlopeFilterConfig returns the default scalar filter tuning.
func DefaultSlopeFilterConfig() SlopeFilterConfig {
	return SlopeFilterConfig{
		ProcessNoise:   1e-3,
		NoiseSmoothing: 1e-2,
		OffsetAlpha:    0.05,
		InitialSlope:   8.0 / 512.0,
		InitialError:   0.1,
	}
}

// SlopeFilter is a scalar Kalman filter over the slope of delay variation
// against size variation, with the offset taken as a slow exponential moving
// average of the residual:
//
//	z      = (arrival_delta - send_delta) - slope * size_delta
//	k      = e*h / (e*h^2 + var_noise)       with h = size_delta
//	slope += k * z
//	offset = (1-alpha) * offset + alpha * z
//
// Compared to KalmanFilter it reacts more slowly to delay spikes and does not
// track the offset as a filter state.
type SlopeFilter struct {
	config     SlopeFilterConfig
	log        logging.LeveledLogger
	slope      float64
	errorCov   float64
	varNoise   float64
	offset     float64
	prevOffset float64
	numDeltas  int
}

// NewSlopeFilter creates a new slope filter. log may be nil.
func NewSlopeFilter(config SlopeFilterConfig, log logging.LeveledLogger) *SlopeFilter {
	f := &SlopeFilter{config: config, log: log}
	f.Reset()
	return f
}

// Update processes one group delta.
func (f *SlopeFilter) Update(arrivalDeltaMs int64, sendDeltaMs float64, sizeDelta int) {
	f.numDeltas++
	if f.numDeltas > deltaCounterMax {
		f.numDeltas = deltaCounterMax
	}

	h := float64(sizeDelta)
	z := float64(arrivalDeltaMs) - sendDeltaMs - f.slope*h

	f.errorCov += f.config.ProcessNoise

	bound := 3 * math.Sqrt(f.varNoise)
	capped := math.Max(-bound, math.Min(bound, z))
	f.varNoise = math.Max(1, (1-f.config.NoiseSmoothing)*f.varNoise+f.config.NoiseSmoothing*capped*capped)

	gain := f.errorCov * h / (f.errorCov*h*h + f.varNoise)
	errorCov := flushDenormal((1 - gain*h) * f.errorCov)
	if errorCov <= 0 {
		if f.log != nil {
			f.log.Warnf("slope filter error variance degenerate (%g), reinitializing", errorCov)
		}
		f.Reset()
		return
	}
	f.slope = flushDenormal(f.slope + gain*z)
	f.errorCov = errorCov

	f.prevOffset = f.offset
	f.offset = flushDenormal((1-f.config.OffsetAlpha)*f.offset + f.config.OffsetAlpha*z)
}

// Offset returns the smoothed residual in milliseconds.
func (f *SlopeFilter) Offset() float64 { return f.offset }

// Slope returns the current slope estimate in ms per byte.
func (f *SlopeFilter) Slope() float64 { return f.slope }

// NoiseVar returns the residual variance.
func (f *SlopeFilter) NoiseVar() float64 { return f.varNoise }

// NumDeltas returns the number of deltas processed, capped at 1000.
func (f *SlopeFilter) NumDeltas() int { return f.numDeltas }

// Reset reinitializes the filter.
func (f *SlopeFilter) Reset() {
	f.slope = f.config.InitialSlope
	f.errorCov = f.config.InitialError
	f.varNoise = 1
	f.offset = 0
	f.prevOffset = 0
	f.numDeltas = 0
}
