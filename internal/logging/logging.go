// Package logging provides the process-wide structured logger for mcpkit.
//
// Call sites that need a logger should prefer injection of *slog.Logger;
// Get returns the singleton for that purpose. Setting MCPKIT_DEBUG=1 in the
// environment raises the level to debug.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// DebugEnvVar raises the log level to debug when set to "1" or "true".
const DebugEnvVar = "MCPKIT_DEBUG"

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newLogger(levelFromEnv()))
}

func levelFromEnv() slog.Level {
	switch os.Getenv(DebugEnvVar) {
	case "1", "true":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Get returns the current singleton logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the singleton logger. Intended for tests that capture output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// SetLevel replaces the singleton with a stderr logger at the given level.
func SetLevel(level slog.Level) {
	singleton.Store(newLogger(level))
}
