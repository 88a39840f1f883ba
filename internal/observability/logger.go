// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
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
func (noopLogger) Error(string, ...Field) {}

// stdLogger adapts a standard library logger to the Logger interface.
type stdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger wraps the provided log.Logger. Debug entries are emitted only
// when debug is true.
func NewStdLogger(logger *log.Logger, debug bool) Logger {
	if logger == nil {
		return noopLogger{}
	}
	return &stdLogger{logger: logger, debug: debug}
}

func (l *stdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.logger.Printf("DEBUG %s%s", msg, formatFields(fields))
}

func (l *stdLogger) Info(msg string, fields ...Field) {
	l.logger.Printf("INFO %s%s", msg, formatFields(fields))
}

func (l *stdLogger) Error(msg string, fields ...Field) {
	l.logger.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, f.Value))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}
