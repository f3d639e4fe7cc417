// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment.
func New(env string) *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// With returns a logger with additional structured fields attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// HTTPRequest logs a completed command-surface HTTP request.
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
	)
}

// GatewayDecision logs a Gateway precondition outcome.
func (l *Logger) GatewayDecision(action string, allowed bool, reason string) {
	if allowed {
		l.Info("gateway_decision", slog.String("action", action), slog.Bool("allowed", true))
		return
	}
	l.Warn("gateway_decision", slog.String("action", action), slog.Bool("allowed", false), slog.String("reason", reason))
}

// DrainResult logs the outcome of one scheduler drain.
func (l *Logger) DrainResult(processed, skipped, errs int) {
	l.Info("drain_completed",
		slog.Int("processed", processed),
		slog.Int("skipped", skipped),
		slog.Int("errors", errs),
	)
}
