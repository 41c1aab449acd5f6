// Package logging provides the structured logger used across postgraph.
package logging

import (
	"context"
	"strings"
)

// Logger is a leveled, structured logger.
type Logger interface {
	// Debug logs a message at debug level with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at info level with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at warn level with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at error level with optional key-value pairs.
	Error(msg string, keysAndValues ...any)

	// With returns a Logger that adds keysAndValues to every entry.
	With(keysAndValues ...any) Logger
}

type contextKey string

const loggerKey contextKey = "postgraph.logger"

// WithLogger returns a new context carrying logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger carried by ctx, or a no-op logger.
func Ctx(ctx context.Context) Logger {
	if ctx == nil {
		return Nop()
	}
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return Nop()
}

// LevelFromString converts "debug", "info", "warn" or "error" (any case) to
// a Level. Unknown values map to LevelInfo.
func LevelFromString(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
