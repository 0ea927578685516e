package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "logger"

// LevelSuccess sits between INFO and WARN so per-database results stay visible
// on the console without enabling verbose output.
const LevelSuccess = slog.Level(2)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// Success logs msg at LevelSuccess.
func Success(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelSuccess, msg, args...)
}

// replaceLevel renders LevelSuccess as "SUCCESS" instead of "INFO+2".
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}

	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelSuccess {
		a.Value = slog.StringValue("SUCCESS")
	}

	return a
}
