// Package logger builds the zap logger used by the binaries and adapts it to
// the pion logging.LoggerFactory interface, so that pion/webrtc, the
// interceptor and the estimator core all write through zap.
package logger

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewProduction builds a JSON logger at level.
func NewProduction(level string) (*zap.Logger, error) {
	return build(zap.NewProductionConfig(), level)
}

// NewDevelopment builds a console logger at level.
func NewDevelopment(level string) (*zap.Logger, error) {
	return build(zap.NewDevelopmentConfig(), level)
}

// valid levels: debug, info, warn, error, dpanic, panic, fatal
func build(config zap.Config, level string) (*zap.Logger, error) {
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	return config.Build()
}

// LoggerFactory creates pion leveled loggers backed by one zap logger. Each
// scope becomes a named child logger.
type LoggerFactory struct {
	base *zap.Logger
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)

// NewLoggerFactory wraps l.
func NewLoggerFactory(l *zap.Logger) *LoggerFactory {
	return &LoggerFactory{base: l}
}

// NewLogger returns a logger named scope.
func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{s: f.base.Named(scope).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// leveledLogger maps pion levels onto zap. zap has no trace level; trace
// messages are logged at debug with a trace field.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l *leveledLogger) Trace(msg string) { l.s.Debugw(msg, "trace", true) }
func (l *leveledLogger) Tracef(format string, args ...any) {
	l.s.Debugw(fmt.Sprintf(format, args...), "trace", true)
}
func (l *leveledLogger) Debug(msg string) { l.s.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *leveledLogger) Info(msg string) { l.s.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...any) { l.s.Infof(format, args...) }
func (l *leveledLogger) Warn(msg string) { l.s.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string) { l.s.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
