// Package logging builds the leveled logger shared by the freqresp tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"freqresp/internal/config"

	"github.com/pterm/pterm"
)

// ParseLevel maps a configuration level name to a pterm log level.
func ParseLevel(level string) (pterm.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "", "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	case "off", "disabled":
		return pterm.LogLevelDisabled, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be 'trace', 'debug', 'info', 'warn', 'error' or 'off')", level)
	}
}

// New returns a logger writing to stderr and, when cfg.File is set, to that
// file as JSON lines. The returned closer releases the file and must be
// called on exit.
func New(cfg config.LoggingConfig) (*pterm.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	logger := pterm.DefaultLogger.WithLevel(level).WithWriter(os.Stderr)
	if cfg.File == "" {
		return logger, nopCloser{}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
	}

	logger = logger.WithWriter(io.MultiWriter(os.Stderr, f)).WithFormatter(pterm.LogFormatterJSON)
	return logger, f, nil
}

// Discard returns a logger that drops everything.
func Discard() *pterm.Logger {
	return pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled).WithWriter(io.Discard)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
