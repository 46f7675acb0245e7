package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New builds the process JSON logger. The returned LevelVar can be adjusted at runtime.
func New(w io.Writer, level string) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: lv}))
	return logger, lv
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
