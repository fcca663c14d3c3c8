// logging.go: pluggable logging interface for the plugin host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
)

// loggerContextKey is a custom type for context keys to avoid collisions
type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// Logger defines the pluggable logging interface for the go-pluginhost library.
//
// The host never depends on a concrete logging framework: callers adapt
// whatever they use (zap, logrus, zerolog, slog) behind this interface.
// The same Logger instance is shared with every plugin through its
// BootstrapContext, pre-scoped to the plugin's name via With().
//
// Design principles:
//   - Zero dependencies: the interface has no external logging dependencies
//   - Structured args: key-value pairs for structured logging
//   - Contextual logging: With() returns a logger with persistent context
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NewLogger normalizes a caller-supplied logger value.
//
// Accepts a Logger implementation or nil (which yields a silent logger).
// Any other type panics with a descriptive message.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger interface or nil")
	}
}

// NoOpLogger provides a silent logger implementation for testing and minimal setups.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug implements Logger interface (no-op)
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info implements Logger interface (no-op)
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn implements Logger interface (no-op)
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error implements Logger interface (no-op)
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n // Stateless, same instance
}

// DefaultLogger creates the default logger for the library.
//
// Returns a NoOpLogger; hosts are expected to provide their own
// Logger implementation for real deployments.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// TestLogger captures log messages for assertions in tests.
type TestLogger struct {
	mu       sync.RWMutex
	context  []any
	Messages []TestLogMessage
}

// TestLogMessage represents a captured log message.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{Messages: make([]TestLogMessage, 0)}
}

func (t *TestLogger) capture(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	combined := make([]any, 0, len(t.context)+len(args))
	combined = append(combined, t.context...)
	combined = append(combined, args...)
	t.Messages = append(t.Messages, TestLogMessage{Level: level, Message: msg, Args: combined})
}

// Debug implements Logger interface (captures message)
func (t *TestLogger) Debug(msg string, args ...any) { t.capture("DEBUG", msg, args) }

// Info implements Logger interface (captures message)
func (t *TestLogger) Info(msg string, args ...any) { t.capture("INFO", msg, args) }

// Warn implements Logger interface (captures message)
func (t *TestLogger) Warn(msg string, args ...any) { t.capture("WARN", msg, args) }

// Error implements Logger interface (captures message)
func (t *TestLogger) Error(msg string, args ...any) { t.capture("ERROR", msg, args) }

// With implements Logger interface. The child logger shares the parent's
// message buffer so tests observe output from scoped loggers too.
func (t *TestLogger) With(args ...any) Logger {
	t.mu.RLock()
	combined := make([]any, 0, len(t.context)+len(args))
	combined = append(combined, t.context...)
	combined = append(combined, args...)
	t.mu.RUnlock()

	return &sharedTestLogger{parent: t, context: combined}
}

// sharedTestLogger routes captures back to the root TestLogger.
type sharedTestLogger struct {
	parent  *TestLogger
	context []any
}

func (s *sharedTestLogger) capture(level, msg string, args []any) {
	combined := make([]any, 0, len(s.context)+len(args))
	combined = append(combined, s.context...)
	combined = append(combined, args...)
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.Messages = append(s.parent.Messages, TestLogMessage{Level: level, Message: msg, Args: combined})
}

func (s *sharedTestLogger) Debug(msg string, args ...any) { s.capture("DEBUG", msg, args) }
func (s *sharedTestLogger) Info(msg string, args ...any)  { s.capture("INFO", msg, args) }
func (s *sharedTestLogger) Warn(msg string, args ...any)  { s.capture("WARN", msg, args) }
func (s *sharedTestLogger) Error(msg string, args ...any) { s.capture("ERROR", msg, args) }
func (s *sharedTestLogger) With(args ...any) Logger {
	combined := make([]any, 0, len(s.context)+len(args))
	combined = append(combined, s.context...)
	combined = append(combined, args...)
	return &sharedTestLogger{parent: s.parent, context: combined}
}

// HasMessage checks if the logger captured a message at the given level.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range t.Messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = t.Messages[:0]
}

// LoggerFromContext extracts a logger from context if available.
// Falls back to DefaultLogger if no logger is found.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
