// Package logging provides structured logging for the node reference collector.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("sync")
//	log.Info("pass completed", "keys", 120)
//
//	// Log with context
//	log.Error("get failed", "error", err, "id", rowID)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// current is the handler every logger created by this package writes to.
// Component loggers are usually package-level variables built before Init
// runs, so they resolve the handler at log time instead of capturing it.
var current atomic.Pointer[slog.Handler]

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	current.Store(&handler)
	Logger = slog.New(deferredHandler{})
	slog.SetDefault(slog.New(handler))
}

// deferredHandler forwards to the handler installed by the latest Init,
// replaying the attributes and groups added through With and WithGroup.
type deferredHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (d deferredHandler) resolve() slog.Handler {
	h := current.Load()
	if h == nil {
		Init(slog.LevelInfo, false)
		h = current.Load()
	}
	out := *h
	for _, op := range d.ops {
		out = op(out)
	}
	return out
}

func (d deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return d.resolve().Enabled(ctx, level)
}

func (d deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d deferredHandler) WithGroup(name string) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (d deferredHandler) with(op func(slog.Handler) slog.Handler) deferredHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(d.ops), len(d.ops)+1)
	copy(ops, d.ops)
	return deferredHandler{ops: append(ops, op)}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("merger")
//	log.Info("started") // Output: time=... level=INFO component=merger msg=started
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns a logger that includes context values.
// This is useful for pass-scoped logging with pass IDs, etc.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	// Extract common context values if present
	logger := Logger

	if passID, ok := ctx.Value(contextKeyPassID).(string); ok {
		logger = logger.With("pass_id", passID)
	}
	if metric, ok := ctx.Value(contextKeyMetric).(string); ok {
		logger = logger.With("metric", metric)
	}
	if attempt, ok := ctx.Value(contextKeyAttempt).(uint); ok {
		logger = logger.With("attempt", attempt)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyPassID contextKey = iota
	contextKeyMetric
	contextKeyAttempt
)

// ContextWithPassID adds a reconciliation pass ID to the context for logging.
func ContextWithPassID(ctx context.Context, passID string) context.Context {
	return context.WithValue(ctx, contextKeyPassID, passID)
}

// ContextWithMetric adds the metric type (e.g. "node_reference") to the context.
func ContextWithMetric(ctx context.Context, metric string) context.Context {
	return context.WithValue(ctx, contextKeyMetric, metric)
}

// ContextWithAttempt adds a retry attempt number to the context for logging.
func ContextWithAttempt(ctx context.Context, attempt uint) context.Context {
	return context.WithValue(ctx, contextKeyAttempt, attempt)
}

// ParseLevel maps a config level name to a slog level.
// Unknown names fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
