package utils

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is the process-wide structured logger. It starts at info level so
// packages can log before Init runs.
var Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

var once sync.Once

func Init(level string) {
	once.Do(func() {
		Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)}))
		slog.SetDefault(Logger)
	})
}

// ParseLevel maps a config level name to a slog level, defaulting to info
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
