// Package logging provides the slog normalization helper used throughout
// the runtime, ported from the teacher's internal/channels/utils/logger.go
// idiom so callers never have to nil-check a logger themselves.
package logging

import (
	"io"
	"log/slog"
)

// EnsureLogger returns logger if non-nil, otherwise a logger that discards
// output.
func EnsureLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EnsureLoggerWithComponent returns logger (normalized via EnsureLogger)
// with a "component" field attached.
func EnsureLoggerWithComponent(logger *slog.Logger, component string) *slog.Logger {
	return EnsureLogger(logger).With("component", component)
}
