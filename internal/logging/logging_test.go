package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"freqresp/internal/config"

	"github.com/pterm/pterm"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want pterm.LogLevel
	}{
		{"trace", pterm.LogLevelTrace},
		{"DEBUG", pterm.LogLevelDebug},
		{"", pterm.LogLevelInfo},
		{"warning", pterm.LogLevelWarn},
		{"error", pterm.LogLevelError},
		{"off", pterm.LogLevelDisabled},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) succeeded, want error")
	}
}

func TestNewWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.log")

	logger, closer, err := New(config.LoggingConfig{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("sweep started", logger.Args("points", 3))
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "sweep started") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Error("New() accepted an invalid level")
	}
}
