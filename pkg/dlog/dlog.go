// Package dlog implements spec.md §6's set_logger callback contract over
// go.uber.org/zap: "set_logger(fn(level, fmt, args))", five levels
// {FATAL, ERROR, WARNING, NOTICE, INFO}.
//
// A Logger wraps a *zap.Logger rather than replacing it; SetSink lets a
// host install its own callback (matching the original's function-pointer
// set_logger) without losing zap's structured fields for the calls this
// module makes internally.
package dlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is one of spec.md §6's five log levels. NOTICE has no direct zap
// level; it maps to zapcore.InfoLevel with a "notice" field (see Logger.log).
type Level int

const (
	INFO Level = iota
	NOTICE
	WARNING
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case INFO:
		return "INFO"
	case NOTICE:
		return "NOTICE"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case WARNING:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sink is the host-installable callback spec.md §6 names: set_logger(fn(level,
// fmt, args)).
type Sink func(level Level, message string)

// Logger is the resolver/VM's diagnostic logger. The zero value is not
// usable; construct with New.
type Logger struct {
	base *zap.Logger
	sink Sink
}

// New returns a Logger that writes through base (typically
// zap.NewProduction() or zap.NewDevelopment()).
func New(base *zap.Logger) *Logger {
	return &Logger{base: base}
}

// SetSink installs fn as an additional callback invoked on every log call,
// alongside the wrapped zap core; it returns the previously installed sink
// (nil if none). This is set_logger from spec.md §6.
func (l *Logger) SetSink(fn Sink) Sink {
	old := l.sink
	l.sink = fn
	return old
}

func (l *Logger) log(level Level, format string, args []interface{}) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if level == NOTICE {
		l.base.Info(msg, zap.String("level", "notice"))
	} else {
		l.base.Check(level.zapLevel(), msg).Write()
	}
	if l.sink != nil {
		l.sink(level, msg)
	}
}

func (l *Logger) Info(format string, args ...interface{})    { l.log(INFO, format, args) }
func (l *Logger) Notice(format string, args ...interface{})  { l.log(NOTICE, format, args) }
func (l *Logger) Warning(format string, args ...interface{}) { l.log(WARNING, format, args) }
func (l *Logger) Error(format string, args ...interface{})   { l.log(ERROR, format, args) }
func (l *Logger) Fatal(format string, args ...interface{})   { l.log(FATAL, format, args) }

// Sync flushes the underlying zap core's buffered log entries.
func (l *Logger) Sync() error { return l.base.Sync() }
