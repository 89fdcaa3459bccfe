// Package logging configures the single process-wide slog.Logger every
// Spider component logs through, mirroring libs/go/core/logging.Init.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures slog.Default() for service and returns the logger for
// callers that want to hold a reference (e.g. to attach it to a context).
// Format is chosen by SPIDER_JSON_LOG ("1"/"true" for JSON, text
// otherwise); level by SPIDER_LOG_LEVEL (debug/info/warn/error, default
// info).
func Init(service string) *slog.Logger {
	level := levelFromEnv(os.Getenv("SPIDER_LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonEnabled(os.Getenv("SPIDER_JSON_LOG")) {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

func jsonEnabled(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func levelFromEnv(v string) slog.Level {
	switch strings.ToLower(v) {
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
