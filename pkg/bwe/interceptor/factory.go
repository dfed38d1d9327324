package interceptor

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"

	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/bwe/internal"
)

// FactoryOption configures the BWEInterceptorFactory.
type FactoryOption func(*BWEInterceptorFactory) error

// BWEInterceptorFactory creates a BWEInterceptor for each PeerConnection.
// Register it with the interceptor registry to enable receiver-side
// bandwidth estimation.
type BWEInterceptorFactory struct {
	config        bwe.Config
	rembInterval  time.Duration
	tickInterval  time.Duration
	senderSSRC    uint32
	onREMB        func(bitrate float32, ssrcs []uint32)
	metrics       *Metrics
	clock         internal.Clock
	loggerFactory logging.LoggerFactory
	connectionID  string
	onNew         func(id string, i *BWEInterceptor)
}

// WithConfig replaces the estimator configuration.
func WithConfig(config bwe.Config) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if err := config.Validate(); err != nil {
			return err
		}
		f.config = config
		return nil
	}
}

// WithMode selects single-stream or multi-stream estimation.
// Default: bwe.SingleStream
func WithMode(mode bwe.EstimatorMode) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.config.Mode = mode
		return nil
	}
}

// WithMinBitrate sets the floor applied by decreases.
// Default: 30000 (30 kbps)
func WithMinBitrate(bps uint32) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.config.RateControl.MinBitrateBps = bps
		return nil
	}
}

// WithMaxBitrate caps the estimate.
func WithMaxBitrate(bps uint32) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if bps == 0 {
			return errors.New("max bitrate must be positive")
		}
		f.config.RateControl.MaxBitrateBps = bps
		return nil
	}
}

// WithFactoryREMBInterval sets how often REMB packets are sent.
// Default: 1 second
func WithFactoryREMBInterval(interval time.Duration) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if interval <= 0 {
			return errors.New("REMB interval must be positive")
		}
		f.rembInterval = interval
		return nil
	}
}

// WithFactoryTickInterval sets how often estimates are updated.
// Default: 100 ms
func WithFactoryTickInterval(interval time.Duration) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		if interval <= 0 {
			return errors.New("tick interval must be positive")
		}
		f.tickInterval = interval
		return nil
	}
}

// WithFactorySenderSSRC sets the sender SSRC for REMB packets.
// Default: 0
func WithFactorySenderSSRC(ssrc uint32) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.senderSSRC = ssrc
		return nil
	}
}

// WithFactoryOnREMB sets a callback that is invoked each time a REMB packet
// is sent.
func WithFactoryOnREMB(fn func(bitrate float32, ssrcs []uint32)) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.onREMB = fn
		return nil
	}
}

// WithFactoryMetrics records metrics for every created interceptor, labeled
// by the registry's connection id.
func WithFactoryMetrics(m *Metrics) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.metrics = m
		return nil
	}
}

// WithFactoryClock sets the arrival clock of created interceptors.
func WithFactoryClock(c internal.Clock) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.clock = c
		return nil
	}
}

// WithFactoryLoggerFactory sets the logger factory of created interceptors.
func WithFactoryLoggerFactory(lf logging.LoggerFactory) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.loggerFactory = lf
		return nil
	}
}

// WithOnNewInterceptor is called with every interceptor the factory creates.
// Applications use it to read estimates of a connection.
func WithOnNewInterceptor(fn func(id string, i *BWEInterceptor)) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.onNew = fn
		return nil
	}
}

// WithConnectionID names interceptors that are built with an empty id, as
// pion/webrtc builds them. The name labels metrics and log lines.
func WithConnectionID(id string) FactoryOption {
	return func(f *BWEInterceptorFactory) error {
		f.connectionID = id
		return nil
	}
}

// NewBWEInterceptorFactory creates a new factory for BWEInterceptor instances.
//
// Example:
//
//	factory, err := NewBWEInterceptorFactory(
//	    WithMode(bwe.MultiStream),
//	    WithFactoryREMBInterval(500*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewBWEInterceptorFactory(opts ...FactoryOption) (*BWEInterceptorFactory, error) {
	f := &BWEInterceptorFactory{
		config:       bwe.DefaultConfig(),
		rembInterval: DefaultREMBIntervalMs * time.Millisecond,
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if err := f.config.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewInterceptor creates a BWEInterceptor for a PeerConnection.
func (f *BWEInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	if id == "" {
		id = f.connectionID
	}
	opts := []InterceptorOption{
		WithREMBInterval(f.rembInterval),
		WithTickInterval(f.tickInterval),
		WithSenderSSRC(f.senderSSRC),
		WithMetrics(f.metrics, id),
	}
	if f.onREMB != nil {
		opts = append(opts, WithOnREMB(f.onREMB))
	}
	if f.clock != nil {
		opts = append(opts, WithClock(f.clock))
	}
	if f.loggerFactory != nil {
		opts = append(opts, WithLoggerFactory(f.loggerFactory))
	}

	i, err := NewBWEInterceptor(f.config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create estimator for %s: %w", id, err)
	}
	if f.onNew != nil {
		f.onNew(id, i)
	}
	return i, nil
}
