package bwe

import (
	"errors"
	"fmt"

	"github.com/pion/logging"
)

// ErrInvalidConfig is returned, wrapped, for configuration values the
// estimator cannot run with.
var ErrInvalidConfig = errors.New("invalid estimator config")

const (
	// DefaultStreamTimeoutMs is how long a stream may stay silent before it
	// is dropped from the active set.
	DefaultStreamTimeoutMs = 2000

	// DefaultArrivalJumpToleranceMs is how far arrival time may step back
	// before it is treated as a receiver clock correction.
	DefaultArrivalJumpToleranceMs = 10
)

// Config configures a RemoteBitrateEstimator.
type Config struct {
	// Mode selects single-stream or multi-stream (RTCP aligned) operation.
	Mode EstimatorMode `yaml:"mode"`

	Delay       DelayEstimatorConfig `yaml:"delay"`
	RateControl RateControllerConfig `yaml:"rate_control"`
	RateStats   RateStatsConfig      `yaml:"rate_stats"`

	// StreamTimeoutMs drops streams that have been silent this long.
	// Default: 2000 ms
	StreamTimeoutMs int64 `yaml:"stream_timeout_ms"`

	// ArrivalJumpToleranceMs is the largest backward arrival step that is
	// clamped instead of resetting the delay pipelines.
	// Default: 10 ms
	ArrivalJumpToleranceMs int64 `yaml:"arrival_jump_tolerance_ms"`

	// LoggerFactory creates the "rbe" scoped logger. Nil uses
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory `yaml:"-"`
}

// DefaultConfig returns a single-stream configuration with default tuning.
func DefaultConfig() Config {
	return Config{
		Mode:                   SingleStream,
		Delay:                  DefaultDelayEstimatorConfig(),
		RateControl:            DefaultRateControllerConfig(),
		RateStats:              DefaultRateStatsConfig(),
		StreamTimeoutMs:        DefaultStreamTimeoutMs,
		ArrivalJumpToleranceMs: DefaultArrivalJumpToleranceMs,
	}
}

// Validate checks the configuration for values the estimator cannot run
// with.
func (c Config) Validate() error {
	switch c.Mode {
	case SingleStream, MultiStream:
	default:
		return fmt.Errorf("%w: mode %d", ErrInvalidConfig, int(c.Mode))
	}

	rc := c.RateControl
	if rc.MaxBitrateBps == 0 {
		return fmt.Errorf("%w: max bitrate must be positive", ErrInvalidConfig)
	}
	if rc.MinBitrateBps > rc.MaxBitrateBps {
		return fmt.Errorf("%w: min bitrate %d above max bitrate %d", ErrInvalidConfig, rc.MinBitrateBps, rc.MaxBitrateBps)
	}
	if rc.Beta <= 0 || rc.Beta >= 1 {
		return fmt.Errorf("%w: beta %v outside (0, 1)", ErrInvalidConfig, rc.Beta)
	}
	if rc.InitialRTTMs < 0 {
		return fmt.Errorf("%w: negative rtt %d", ErrInvalidConfig, rc.InitialRTTMs)
	}
	switch rc.IncreaseMode {
	case IncreaseAdaptive, IncreaseAIMD:
	default:
		return fmt.Errorf("%w: increase mode %d", ErrInvalidConfig, int(rc.IncreaseMode))
	}

	d := c.Delay
	switch d.FilterType {
	case FilterKalman, FilterSlopeEMA, FilterTrendline:
	default:
		return fmt.Errorf("%w: filter type %d", ErrInvalidConfig, int(d.FilterType))
	}
	if d.InterArrival.GroupLengthMs <= 0 {
		return fmt.Errorf("%w: group length %d ms", ErrInvalidConfig, d.InterArrival.GroupLengthMs)
	}
	o := d.Overuse
	if o.MinThreshold <= 0 || o.MinThreshold > o.MaxThreshold {
		return fmt.Errorf("%w: threshold bounds [%v, %v]", ErrInvalidConfig, o.MinThreshold, o.MaxThreshold)
	}
	if o.InitialThreshold < o.MinThreshold || o.InitialThreshold > o.MaxThreshold {
		return fmt.Errorf("%w: initial threshold %v outside [%v, %v]", ErrInvalidConfig, o.InitialThreshold, o.MinThreshold, o.MaxThreshold)
	}

	if c.RateStats.WindowMs < 0 {
		return fmt.Errorf("%w: rate window %d ms", ErrInvalidConfig, c.RateStats.WindowMs)
	}
	if c.StreamTimeoutMs <= 0 {
		return fmt.Errorf("%w: stream timeout %d ms", ErrInvalidConfig, c.StreamTimeoutMs)
	}
	if c.ArrivalJumpToleranceMs < 0 {
		return fmt.Errorf("%w: arrival jump tolerance %d ms", ErrInvalidConfig, c.ArrivalJumpToleranceMs)
	}
	return nil
}

func (c Config) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory != nil {
		return c.LoggerFactory
	}
	return logging.NewDefaultLoggerFactory()
}
