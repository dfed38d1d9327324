package bwe

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
)

// recordingLogger keeps formatted messages per level.
type recordingLogger struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{msgs: make(map[string][]string)}
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	l.msgs[level] = append(l.msgs[level], msg)
	l.mu.Unlock()
}

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs[level])
}

func (l *recordingLogger) Trace(msg string)                { l.record("trace", msg) }
func (l *recordingLogger) Tracef(f string, a ...any)       { l.record("trace", fmt.Sprintf(f, a...)) }
func (l *recordingLogger) Debug(msg string)                { l.record("debug", msg) }
func (l *recordingLogger) Debugf(f string, a ...any)       { l.record("debug", fmt.Sprintf(f, a...)) }
func (l *recordingLogger) Info(msg string)                 { l.record("info", msg) }
func (l *recordingLogger) Infof(f string, a ...any)        { l.record("info", fmt.Sprintf(f, a...)) }
func (l *recordingLogger) Warn(msg string)                 { l.record("warn", msg) }
func (l *recordingLogger) Warnf(f string, a ...any)        { l.record("warn", fmt.Sprintf(f, a...)) }
func (l *recordingLogger) Error(msg string)                { l.record("error", msg) }
func (l *recordingLogger) Errorf(f string, a ...any)       { l.record("error", fmt.Sprintf(f, a...)) }
func (l *recordingLogger) NewLogger(string) logging.LeveledLogger { return l }

var (
	_ logging.LeveledLogger = (*recordingLogger)(nil)
	_ logging.LoggerFactory = (*recordingLogger)(nil)
)
