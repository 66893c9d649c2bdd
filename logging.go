// logging.go: Pluggable logging with an hclog backend
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// Logger defines the pluggable logging interface for the plugin host.
//
// Arguments after the message are key/value pairs. Components log per-plugin
// failures with the keys "plugin", "path" and "error" so that a single broken
// plugin can be traced without aborting its siblings.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NewLogger creates a Logger from supported logger types.
//
// Supported types:
//   - Logger interface: Used directly
//   - hclog.Logger: Wrapped in an HCLogAdapter
//   - nil: Returns NoOpLogger for silent operation
//   - Unsupported types: Panic with descriptive message
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case hclog.Logger:
		return NewHCLogAdapter(l)
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger, hclog.Logger or nil")
	}
}

// HCLogAdapter adapts a hashicorp hclog.Logger to the Logger interface.
type HCLogAdapter struct {
	l hclog.Logger
}

// NewHCLogAdapter wraps an existing hclog logger.
func NewHCLogAdapter(l hclog.Logger) *HCLogAdapter {
	return &HCLogAdapter{l: l}
}

// NewHCLogger builds a named hclog-backed Logger writing to w at the given
// level ("trace", "debug", "info", "warn", "error"). A nil writer means stderr.
func NewHCLogger(name, level string, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return NewHCLogAdapter(hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(level),
		Output: w,
	}))
}

func (h *HCLogAdapter) Debug(msg string, args ...any) { h.l.Debug(msg, args...) }
func (h *HCLogAdapter) Info(msg string, args ...any)  { h.l.Info(msg, args...) }
func (h *HCLogAdapter) Warn(msg string, args ...any)  { h.l.Warn(msg, args...) }
func (h *HCLogAdapter) Error(msg string, args ...any) { h.l.Error(msg, args...) }

// With implements Logger interface
func (h *HCLogAdapter) With(args ...any) Logger {
	return &HCLogAdapter{l: h.l.With(args...)}
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogger captures log messages for assertions in tests.
type TestLogger struct {
	mu       sync.RWMutex
	parent   *TestLogger
	fields   []any
	messages []TestLogMessage
}

// TestLogMessage represents a captured log message.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

func (t *TestLogger) record(level, msg string, args []any) {
	root := t
	for root.parent != nil {
		root = root.parent
	}
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)

	root.mu.Lock()
	defer root.mu.Unlock()
	root.messages = append(root.messages, TestLogMessage{Level: level, Message: msg, Args: all})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child logger that records into the same message list.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{parent: t, fields: fields}
}

// Messages returns a copy of the captured messages.
func (t *TestLogger) Messages() []TestLogMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TestLogMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// HasMessage checks if the logger captured a message with the given level and text.
func (t *TestLogger) HasMessage(level, message string) bool {
	for _, msg := range t.Messages() {
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
	t.messages = t.messages[:0]
}

// DefaultLogger returns the silent logger used when none is configured.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger from context if available.
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
