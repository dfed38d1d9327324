package bwe

import (
	"math"

	"github.com/gammazero/deque"
	"github.com/pion/logging"
)

const (
	// deltaCounterMax caps the number of deltas the filter remembers having
	// seen; the detector scales its input by at most 60 of them.
	deltaCounterMax = 1000

	// minFramePeriodHistoryLength is the number of send deltas searched for
	// the shortest frame period.
	minFramePeriodHistoryLength = 60

	// smallestNormal is the smallest positive normal float64.
	smallestNormal = 0x1p-1022
)

// KalmanConfig holds tunable parameters for the two-state delay filter.
type KalmanConfig struct {
	// ProcessNoiseSlope is the process noise added to the slope state on
	// every update. Default: 1e-13.
	ProcessNoiseSlope float64 `yaml:"process_noise_slope"`

	// ProcessNoiseOffset is the process noise added to the offset state on
	// every update. Default: 1e-3.
	ProcessNoiseOffset float64 `yaml:"process_noise_offset"`

	// InitialSlope is the initial inverse capacity estimate in ms per byte.
	// 8/512 ms per byte corresponds to 512 kbit/s.
	InitialSlope float64 `yaml:"initial_slope"`

	// InitialSlopeCovariance and InitialOffsetCovariance seed the diagonal of
	// the error covariance. Defaults: 100 and 0.1.
	InitialSlopeCovariance  float64 `yaml:"initial_slope_covariance"`
	InitialOffsetCovariance float64 `yaml:"initial_offset_covariance"`

	// InitialVarNoise is the initial measurement noise variance.
	// Default: 50.
	InitialVarNoise float64 `yaml:"initial_var_noise"`
}

// DefaultKalmanConfig returns the default filter tuning.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoiseSlope:       1e-13,
		ProcessNoiseOffset:      1e-3,
		InitialSlope:            8.0 / 512.0,
		InitialSlopeCovariance:  100,
		InitialOffsetCovariance: 1e-1,
		InitialVarNoise:         50,
	}
}

// KalmanFilter estimates the inter-group delay model
//
//	arrival_delta - send_delta = slope * size_delta + offset + noise
//
// with a two-state Kalman filter over (slope, offset). slope is the inverse
// of the bottleneck capacity, offset is the filtered queuing delay trend that
// the detector compares against its threshold.
type KalmanFilter struct {
	config KalmanConfig
	log    logging.LeveledLogger

	slope      float64
	offset     float64
	prevOffset float64
	e          [2][2]float64
	avgNoise   float64
	varNoise   float64
	numDeltas  int

	tsDeltaHist deque.Deque[float64]
}

// NewKalmanFilter creates a new Kalman filter with the given configuration.
// A nil logger disables the degenerate-state warning.
func NewKalmanFilter(config KalmanConfig, log logging.LeveledLogger) *KalmanFilter {
	k := &KalmanFilter{config: config, log: log}
	k.Reset()
	return k
}

// Update processes a group delta. state is the detector's current output,
// which gates the noise estimate and adds process noise when the offset moves
// against the detected trend.
func (k *KalmanFilter) Update(arrivalDeltaMs int64, sendDeltaMs float64, sizeDelta int, state BandwidthUsage) {
	minFramePeriod := k.updateMinFramePeriod(sendDeltaMs)
	tTsDelta := float64(arrivalDeltaMs) - sendDeltaMs
	fsDelta := float64(sizeDelta)

	k.numDeltas++
	if k.numDeltas > deltaCounterMax {
		k.numDeltas = deltaCounterMax
	}

	// Predict
	k.e[0][0] += k.config.ProcessNoiseSlope
	k.e[1][1] += k.config.ProcessNoiseOffset
	if (state == BwOverusing && k.offset < k.prevOffset) ||
		(state == BwUnderusing && k.offset > k.prevOffset) {
		k.e[1][1] += 10 * k.config.ProcessNoiseOffset
	}

	h := [2]float64{fsDelta, 1.0}
	eh := [2]float64{
		k.e[0][0]*h[0] + k.e[0][1]*h[1],
		k.e[1][0]*h[0] + k.e[1][1]*h[1],
	}

	residual := tTsDelta - k.slope*h[0] - k.offset

	// Outliers only move the noise estimate by 3 sigma
	maxResidual := 3 * math.Sqrt(k.varNoise)
	clamped := math.Max(-maxResidual, math.Min(maxResidual, residual))
	k.updateNoiseEstimate(clamped, minFramePeriod, state == BwNormal)

	denom := k.varNoise + h[0]*eh[0] + h[1]*eh[1]
	gain := [2]float64{eh[0] / denom, eh[1] / denom}

	ikh := [2][2]float64{
		{1 - gain[0]*h[0], -gain[0] * h[1]},
		{-gain[1] * h[0], 1 - gain[1]*h[1]},
	}
	e00, e01 := k.e[0][0], k.e[0][1]
	k.e[0][0] = e00*ikh[0][0] + k.e[1][0]*ikh[0][1]
	k.e[0][1] = e01*ikh[0][0] + k.e[1][1]*ikh[0][1]
	k.e[1][0] = e00*ikh[1][0] + k.e[1][0]*ikh[1][1]
	k.e[1][1] = e01*ikh[1][0] + k.e[1][1]*ikh[1][1]

	if !k.positiveSemiDefinite() {
		if k.log != nil {
			k.log.Warnf("delay filter covariance degenerate (e00=%g e11=%g), reinitializing", k.e[0][0], k.e[1][1])
		}
		k.Reset()
		return
	}

	k.slope = flushDenormal(k.slope + gain[0]*residual)
	k.prevOffset = k.offset
	k.offset = flushDenormal(k.offset + gain[1]*residual)
	for i := range k.e {
		for j := range k.e[i] {
			k.e[i][j] = flushDenormal(k.e[i][j])
		}
	}
}

func (k *KalmanFilter) positiveSemiDefinite() bool {
	e := k.e
	return e[0][0]+e[1][1] >= 0 &&
		e[0][0]*e[1][1]-e[0][1]*e[1][0] >= 0 &&
		e[0][0] >= 0
}

// updateMinFramePeriod records sendDeltaMs and returns the smallest send
// delta among the recent history including it.
func (k *KalmanFilter) updateMinFramePeriod(sendDeltaMs float64) float64 {
	minFramePeriod := sendDeltaMs
	if k.tsDeltaHist.Len() >= minFramePeriodHistoryLength {
		k.tsDeltaHist.PopFront()
	}
	for i := 0; i < k.tsDeltaHist.Len(); i++ {
		minFramePeriod = math.Min(minFramePeriod, k.tsDeltaHist.At(i))
	}
	k.tsDeltaHist.PushBack(sendDeltaMs)
	return minFramePeriod
}

// updateNoiseEstimate tracks mean and variance of the residual. The
// forgetting factor is normalized to a 30 fps frame period.
func (k *KalmanFilter) updateNoiseEstimate(residual, framePeriodMs float64, stable bool) {
	if !stable {
		return
	}
	alpha := 0.01
	if k.numDeltas > 10*30 {
		alpha = 0.002
	}
	beta := math.Pow(1-alpha, framePeriodMs*30.0/1000.0)
	k.avgNoise = beta*k.avgNoise + (1-beta)*residual
	k.varNoise = beta*k.varNoise + (1-beta)*(k.avgNoise-residual)*(k.avgNoise-residual)
	if k.varNoise < 1 {
		k.varNoise = 1
	}
}

// Offset returns the filtered delay offset in milliseconds.
func (k *KalmanFilter) Offset() float64 { return k.offset }

// Slope returns the inverse capacity estimate in ms per byte.
func (k *KalmanFilter) Slope() float64 { return k.slope }

// NoiseVar returns the measurement noise variance.
func (k *KalmanFilter) NoiseVar() float64 { return k.varNoise }

// NumDeltas returns the number of deltas processed, capped at 1000.
func (k *KalmanFilter) NumDeltas() int { return k.numDeltas }

// Reset reinitializes the filter state to initial conditions.
func (k *KalmanFilter) Reset() {
	k.slope = k.config.InitialSlope
	k.offset = 0
	k.prevOffset = 0
	k.e = [2][2]float64{
		{k.config.InitialSlopeCovariance, 0},
		{0, k.config.InitialOffsetCovariance},
	}
	k.avgNoise = 0
	k.varNoise = k.config.InitialVarNoise
	k.numDeltas = 0
	k.tsDeltaHist.Clear()
}

// flushDenormal maps subnormal values to zero.
func flushDenormal(x float64) float64 {
	if x != 0 && math.Abs(x) < smallestNormal {
		return 0
	}
	return x
}
