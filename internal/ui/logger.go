// SPDX-License-Identifier: MPL-2.0

package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
)

// LoggerPrefix is the prefix of every nixprov log line.
const LoggerPrefix = "nixprov"

// NewLogger returns a charmbracelet logger writing to w. level is one of
// debug, info, warn, error; an empty level means info.
func NewLogger(w io.Writer, level string) (*log.Logger, error) {
	lvl := log.InfoLevel
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	return log.NewWithOptions(w, log.Options{
		Prefix: LoggerPrefix,
		Level:  lvl,
	}), nil
}

// NopLogger returns a logger that discards everything.
func NopLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
