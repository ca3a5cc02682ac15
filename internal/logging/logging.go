// Package logging sets up the process-wide structured logger. Kernel
// Memory uses log/slog exclusively, JSON-encoded, exactly as the
// teacher's cmd/api and cmd/ingest entrypoints do — no third-party
// logging library is introduced anywhere in the pack.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON slog.Logger writing to stdout at the given level
// ("debug", "info", "warn", "error"; unrecognized values fall back to
// info).
func New(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
