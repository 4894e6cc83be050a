// Package slogger configures the process-wide slog logger for the audit API
// and workers.
//
// Call Init() first thing in main. LOG_LEVEL selects the level ("debug",
// "info", "warn", "error"; default "info") and LOG_FORMAT selects "text"
// (default) or "json" output. Legacy log.Print* calls are routed through the
// same handler.
package slogger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var level *slog.LevelVar

// Init installs the default logger on stdout.
func Init() {
	InitWithWriter(os.Stdout)
}

// InitWithWriter installs the default logger writing to w. The service
// attribute is attached to every record when SERVICE_NAME is set.
func InitWithWriter(w io.Writer) {
	level = &slog.LevelVar{}
	level.Set(parseLevel(os.Getenv("LOG_LEVEL")))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if svc := os.Getenv("SERVICE_NAME"); svc != "" {
		logger = logger.With("service", svc)
	}
	slog.SetDefault(logger)
}

// For returns a logger tagged with a component name, e.g. slogger.For("queue").
func For(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Level returns the current level, info if Init was never called.
func Level() slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	return Level() <= slog.LevelDebug
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
