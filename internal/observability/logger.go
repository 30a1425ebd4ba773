// Package observability defines shared logging and metrics primitives.
package observability

import (
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// String builds a string-valued log field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Err builds a log field carrying an error message.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the broker.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// Level orders log severities for the JSON logger.
type Level int

// Log levels in increasing severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a configuration string onto a log level. Unknown values
// fall back to info.
func ParseLevel(raw string) Level {
	switch raw {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// JSONLogger writes one JSON object per log entry to the configured writer.
type JSONLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// NewJSONLogger constructs a JSON line logger filtering entries below level.
func NewJSONLogger(out io.Writer, level Level) *JSONLogger {
	logger := new(JSONLogger)
	logger.out = out
	logger.level = level
	return logger
}

// Debug writes a debug-level entry.
func (l *JSONLogger) Debug(msg string, fields ...Field) { l.write(LevelDebug, "debug", msg, fields) }

// Info writes an info-level entry.
func (l *JSONLogger) Info(msg string, fields ...Field) { l.write(LevelInfo, "info", msg, fields) }

// Warn writes a warn-level entry.
func (l *JSONLogger) Warn(msg string, fields ...Field) { l.write(LevelWarn, "warn", msg, fields) }

// Error writes an error-level entry.
func (l *JSONLogger) Error(msg string, fields ...Field) { l.write(LevelError, "error", msg, fields) }

func (l *JSONLogger) write(level Level, name, msg string, fields []Field) {
	if l == nil || l.out == nil || level < l.level {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		entry[field.Key] = field.Value
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(encoded, '\n'))
}
