// Package logging provides the leveled logging interface shared by the
// buffer, ledger, and throttle transform.
//
// Design: four-level interface (Error, Warn, Info, Debug). Callers who
// already run a structured logger (slog, zap, logrus) can wrap it behind
// Logger instead of adopting this one.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Component namespace prefixes are used for filtering:
//   - [ledger]    — cursor and flush bookkeeping
//   - [writer]    — disk writer
//   - [reader]    — disk reader
//   - [acker]     — acknowledgement tracker
//   - [throttle]  — throttle transform
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger is the logging interface used throughout the pipeline core.
//
// Implementations must be safe for concurrent use: the writer, reader,
// and throttle transform may all log from different goroutines.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

// DefaultLogger writes leveled, namespaced lines to an io.Writer.
// It is stateless besides the embedded log.Logger, which is itself
// safe for concurrent use.
type DefaultLogger struct {
	logger *log.Logger
	level  Level
}

// NewDefaultLogger creates a logger writing to stderr at the given level.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger writing to w at the given level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

func (l *DefaultLogger) Errorf(format string, args ...any) {
	if l.level >= LevelError {
		_ = l.logger.Output(2, "ERROR "+fmt.Sprintf(format, args...))
	}
}

func (l *DefaultLogger) Warnf(format string, args ...any) {
	if l.level >= LevelWarn {
		_ = l.logger.Output(2, "WARN "+fmt.Sprintf(format, args...))
	}
}

func (l *DefaultLogger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		_ = l.logger.Output(2, "INFO "+fmt.Sprintf(format, args...))
	}
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		_ = l.logger.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

// Namespace prefixes for log messages.
const (
	NSLedger   = "[ledger] "
	NSWriter   = "[writer] "
	NSReader   = "[reader] "
	NSAcker    = "[acker] "
	NSThrottle = "[throttle] "
)

// discard is a Logger that drops everything.
type discard struct{}

func (discard) Errorf(string, ...any) {}
func (discard) Warnf(string, ...any)  {}
func (discard) Infof(string, ...any)  {}
func (discard) Debugf(string, ...any) {}

// Discard is a Logger that drops all messages.
var Discard Logger = discard{}

// IsNil reports whether l is nil or a typed-nil interface value.
// A typed-nil occurs when a nil pointer of a concrete Logger
// implementation is assigned to the Logger interface: the interface
// itself is non-nil, but calling methods on it would panic.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if valid, otherwise a WARN-level default logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
