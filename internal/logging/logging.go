// Package logging configures the daemon's global structured logger.
// Adapted from the teacher's libs/go/core/logging package: a single
// Init call picks a JSON or text slog handler from the environment and
// installs it as the process default. All daemon logs go to stderr so
// that stdout stays free for the JSON request/response framing (§6).
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger for service. JSON if
// DAEMON_JSON_LOG is 1/true/json, text otherwise.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("DAEMON_JSON_LOG"))
	jsonMode := mode == "1" || mode == "true" || mode == "json"

	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonMode)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("DAEMON_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
