// Package config provides configuration management for the nukleus proxy.
// This file handles structured logging with slog.
package config

import (
	"context"
	"log/slog"
	"os"
)

// contextKey is a type for context keys in this package.
type contextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "request_id"
)

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger based on the environment.
// In production, it outputs JSON format. In development, it outputs text format.
func NewLogger(env, level string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithRequestID adds a request ID to the logger context.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("request_id", requestID),
	}
}

// WithContext creates a new logger with context values extracted.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		return l.WithRequestID(requestID)
	}
	return l
}

// WithRoute adds a routeId to the logger, the unit of correlation for
// proxy pair lifecycle logging.
func (l *Logger) WithRoute(routeID uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("route_id", routeID),
	}
}

// WithStream adds a streamId to the logger.
func (l *Logger) WithStream(streamID uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("stream_id", streamID),
	}
}

// LogStreamBegin logs the acceptance of a new proxy pair.
func (l *Logger) LogStreamBegin(ctx context.Context, routeID, streamID uint64, authorization uint64) {
	logger := l.WithContext(ctx).WithRoute(routeID).WithStream(streamID)
	logger.Info("stream begin", "authorization", authorization)
}

// LogStreamExpired logs a grant expiry that tore down a proxy pair.
func (l *Logger) LogStreamExpired(ctx context.Context, routeID, streamID uint64, synthesized401 bool) {
	logger := l.WithContext(ctx).WithRoute(routeID).WithStream(streamID)
	logger.Info("stream expired", "synthesized_401", synthesized401)
}

// LogChallenge logs a challenge SIGNAL emitted ahead of expiry.
func (l *Logger) LogChallenge(ctx context.Context, routeID, streamID uint64) {
	logger := l.WithContext(ctx).WithRoute(routeID).WithStream(streamID)
	logger.Info("challenge signal emitted")
}
