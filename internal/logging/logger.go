// Package logging provides structured logging for PlantSync.
//
// The package-level helpers wrap a single zerolog logger so call sites can
// attach free-form context maps without threading a logger through every
// constructor.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging backed by zerolog.
type Logger struct {
	zl zerolog.Logger
}

var (
	global *Logger
	mu     sync.Mutex
)

// Init initializes the global logger. Safe to call more than once; the
// last call wins (tests redirect output this way).
func Init(out io.Writer, minLevel LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	global = newLogger(out, minLevel)
}

func newLogger(out io.Writer, minLevel LogLevel) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zl := zerolog.New(out).Level(zerologLevel(minLevel)).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = newLogger(os.Stdout, LevelInfo)
	}
	return global
}

func (l *Logger) emit(ev *zerolog.Event, message string, context []map[string]interface{}) {
	for _, c := range context {
		for k, v := range c {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(message)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.emit(l.zl.Debug(), message, context)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.emit(l.zl.Info(), message, context)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.emit(l.zl.Warn(), message, context)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.emit(ev, message, context)
}

// ErrorWithCode logs an error message tagged with a stable error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	ev := l.zl.Error().Str("code", code)
	if err != nil {
		ev = ev.Err(err)
	}
	l.emit(ev, message, context)
}

// Convenience functions using the global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
