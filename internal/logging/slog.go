// Package logging provides the ETL daemon's operational logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger used by the worker loop, queue
// protocol, and image pipeline. It is distinct from any per-request or
// per-execution logging a caller layers on top via slog.With.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Init (re)configures the operational logger's output format ("json" or
// "text") and level. Called once at daemon startup after config load.
func Init(format, level string) {
	SetLevelFromString(level)
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// SetLevel changes the log level for the operational logger. Exported for
// callers that already hold a slog.Level (SetLevelFromString is the usual
// entry point for config/flag-driven string values).
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error".
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		SetLevel(slog.LevelDebug)
	case "info":
		SetLevel(slog.LevelInfo)
	case "warn", "warning":
		SetLevel(slog.LevelWarn)
	case "error":
		SetLevel(slog.LevelError)
	}
}
