package config

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger: JSON in production, text elsewhere,
// unless format forces one.
func NewLogger(w io.Writer, env, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "" {
		format = "text"
		if strings.EqualFold(env, "prod") || strings.EqualFold(env, "production") {
			format = "json"
		}
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the process logger from c.
func (c Config) Logger(w io.Writer) *slog.Logger {
	return NewLogger(w, c.Env, c.LogLevel, c.LogFormat)
}
