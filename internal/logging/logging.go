// Package logging provides the process-wide structured logger for the
// emulator. Broker internals and the CLI log through Op(); tests can
// swap the handler with Set.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger   atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return logger.Load()
}

// Set replaces the operational logger. Intended for tests and for the
// CLI when it reconfigures output.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// SetLevelFromString sets the log level from its usual string form.
// Unrecognized values leave the level unchanged.
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}
