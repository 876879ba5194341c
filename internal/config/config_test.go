package config

import (
	"errors"
	"math"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration rejected: %v", err)
	}
}

func TestValidateAcceptsNoFit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fit.Model = "None"
	if err := cfg.Validate(); err != nil {
		t.Errorf("fit.model none rejected: %v", err)
	}
}

func TestDefaultRangesAreCopied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scope.Ranges[0] = 42

	if PS6000Ranges[0] == 42 {
		t.Fatal("DefaultConfig shares the PS6000 range table")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"coupling", func(c *Config) { c.Scope.Coupling = "gnd" }},
		{"attenuation", func(c *Config) { c.Scope.Attenuation = 0 }},
		{"unsorted ranges", func(c *Config) { c.Scope.Ranges = []float64{1, 0.5} }},
		{"generator mode", func(c *Config) { c.Generator.Mode = "usb" }},
		{"scpi without port", func(c *Config) { c.Generator.Mode = "scpi"; c.Generator.Port = "" }},
		{"min frequency", func(c *Config) { c.Sweep.MinFrequency = 0 }},
		{"max below min", func(c *Config) { c.Sweep.MaxFrequency = 0.01 }},
		{"points", func(c *Config) { c.Sweep.Points = 0 }},
		{"spacing", func(c *Config) { c.Sweep.Spacing = "octave" }},
		{"order", func(c *Config) { c.Sweep.Order = "random" }},
		{"samples per cycle", func(c *Config) { c.Sweep.SamplesPerCycle = -1 }},
		{"samples", func(c *Config) { c.Sweep.Samples = 2 }},
		{"start index", func(c *Config) { c.Sweep.StartIndexB = 10 }},
		{"thresholds", func(c *Config) { c.Sweep.DownShift = 0.96 }},
		{"fit model", func(c *Config) { c.Fit.Model = "spline" }},
		{"trim percentile", func(c *Config) { c.Fit.TrimPercentile = 0 }},
		{"plot format", func(c *Config) { c.Output.Plot = "gif" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestFrequenciesDefaultSweep(t *testing.T) {
	s := DefaultConfig().Sweep
	f := s.Frequencies()

	if len(f) != 100 {
		t.Fatalf("got %d frequencies, want 100", len(f))
	}
	if f[0] != 100e3 || f[99] != 0.1 {
		t.Errorf("end points = %g, %g, want 100000 and 0.1", f[0], f[99])
	}

	// log spacing: constant ratio between neighbors
	ratio := f[0] / f[1]
	for i := 1; i < len(f)-1; i++ {
		if r := f[i] / f[i+1]; math.Abs(r-ratio) > 1e-9 {
			t.Fatalf("ratio at %d = %g, want %g", i, r, ratio)
		}
	}
}

func TestFrequenciesLinearAscending(t *testing.T) {
	s := SweepConfig{MinFrequency: 10, MaxFrequency: 50, Points: 5, Spacing: "linear", Order: "ascending"}

	want := []float64{10, 20, 30, 40, 50}
	got := s.Frequencies()
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("f[%d] = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestFrequenciesSinglePoint(t *testing.T) {
	s := SweepConfig{MinFrequency: 1000, MaxFrequency: 1000, Points: 1, Spacing: "log", Order: "descending"}

	got := s.Frequencies()
	if len(got) != 1 || got[0] != 1000 {
		t.Errorf("Frequencies() = %v, want [1000]", got)
	}
}
