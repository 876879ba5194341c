// Package config provides configuration structures and defaults for freqresp
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"freqresp/internal/autorange"
	"freqresp/internal/gainfit"
	"freqresp/internal/instrument"
)

// Config represents the complete application configuration
type Config struct {
	Scope     ScopeConfig     `yaml:"scope" mapstructure:"scope"`         // Digitizer settings
	Generator GeneratorConfig `yaml:"generator" mapstructure:"generator"` // Drive signal settings
	Sweep     SweepConfig     `yaml:"sweep" mapstructure:"sweep"`         // Frequency sweep settings
	Fit       FitConfig       `yaml:"fit" mapstructure:"fit"`             // Gain model fit settings
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`       // Result files
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`     // Logging configuration
}

// ScopeConfig contains digitizer configuration parameters
type ScopeConfig struct {
	SerialNumber   string        `yaml:"serial_number" mapstructure:"serial_number"`     // Open a specific unit (empty = first found)
	ChannelA       string        `yaml:"channel_a" mapstructure:"channel_a"`             // Physical input carrying the DUT input
	ChannelB       string        `yaml:"channel_b" mapstructure:"channel_b"`             // Physical input carrying the DUT output
	Coupling       string        `yaml:"coupling" mapstructure:"coupling"`               // AC, DC or DC50
	Attenuation    float64       `yaml:"attenuation" mapstructure:"attenuation"`         // Probe attenuation factor
	Ranges         []float64     `yaml:"ranges" mapstructure:"ranges"`                   // Full-scale ranges in volts, ascending
	TriggerLevel   float64       `yaml:"trigger_level" mapstructure:"trigger_level"`     // Rising-edge trigger on channel A, volts
	CaptureTimeout time.Duration `yaml:"capture_timeout" mapstructure:"capture_timeout"` // Give up on a block after this long
	SimulatedNoise float64       `yaml:"simulated_noise" mapstructure:"simulated_noise"` // RMS noise of the simulated device, volts
}

// GeneratorConfig contains drive signal configuration parameters
type GeneratorConfig struct {
	Mode      string        `yaml:"mode" mapstructure:"mode"`           // "awg" (scope built-in) or "scpi" (serial instrument)
	Amplitude float64       `yaml:"amplitude" mapstructure:"amplitude"` // Peak-to-peak volts
	Offset    float64       `yaml:"offset" mapstructure:"offset"`       // DC offset in volts
	Port      string        `yaml:"port" mapstructure:"port"`           // Serial port device path (scpi mode)
	BaudRate  int           `yaml:"baud_rate" mapstructure:"baud_rate"` // Serial baud rate (scpi mode)
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`     // Reply timeout (scpi mode)
}

// SweepConfig contains frequency sweep parameters
type SweepConfig struct {
	MinFrequency    float64       `yaml:"min_frequency" mapstructure:"min_frequency"`         // Lowest frequency in Hz
	MaxFrequency    float64       `yaml:"max_frequency" mapstructure:"max_frequency"`         // Highest frequency in Hz
	Points          int           `yaml:"points" mapstructure:"points"`                       // Number of frequencies
	Spacing         string        `yaml:"spacing" mapstructure:"spacing"`                     // "log" or "linear"
	Order           string        `yaml:"order" mapstructure:"order"`                         // "descending" or "ascending"
	SamplesPerCycle float64       `yaml:"samples_per_cycle" mapstructure:"samples_per_cycle"` // Sample rate = frequency × this
	Samples         int           `yaml:"samples" mapstructure:"samples"`                     // Samples per capture block
	Settle          time.Duration `yaml:"settle" mapstructure:"settle"`                       // Wait after each frequency change
	StartIndexA     int           `yaml:"start_index_a" mapstructure:"start_index_a"`         // Initial range index for channel A
	StartIndexB     int           `yaml:"start_index_b" mapstructure:"start_index_b"`         // Initial range index for channel B
	DownShift       float64       `yaml:"down_shift" mapstructure:"down_shift"`               // Fraction of the next lower range
	UpShift         float64       `yaml:"up_shift" mapstructure:"up_shift"`                   // Fraction of the current range
	WrapPhase       bool          `yaml:"wrap_phase" mapstructure:"wrap_phase"`               // Report phase in (-π, π]
}

// FitConfig contains gain model fit parameters
type FitConfig struct {
	Model          string  `yaml:"model" mapstructure:"model"`                     // "simple", "hybrid" or "none"
	TrimPercentile float64 `yaml:"trim_percentile" mapstructure:"trim_percentile"` // Outlier cut on squared residuals
}

// OutputConfig contains result file parameters
type OutputConfig struct {
	Directory string `yaml:"directory" mapstructure:"directory"` // Output directory
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`       // File name prefix
	CSV       bool   `yaml:"csv" mapstructure:"csv"`             // Also write a CSV table
	Plot      string `yaml:"plot" mapstructure:"plot"`           // Bode plot format: png, svg or "" for none
	Report    bool   `yaml:"report" mapstructure:"report"`       // Write a PDF report
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"` // Log level (trace, debug, info, warn, error)
	File  string `yaml:"file" mapstructure:"file"`   // Log file path (empty = stderr only)
}

// PS6000Ranges are the full-scale input ranges of a PicoScope 6000 in volts.
var PS6000Ranges = []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Scope: ScopeConfig{
			SerialNumber:   "",                                      // First unit found
			ChannelA:       "A",                                     // Reference input
			ChannelB:       "D",                                     // Response input
			Coupling:       "DC",                                    // DC coupling
			Attenuation:    1,                                       // 1x probes
			Ranges:         append([]float64(nil), PS6000Ranges...), // PS6000 range table
			TriggerLevel:   0,                                       // Zero crossing
			CaptureTimeout: 30 * time.Second,                        // Longest block at 0.1 Hz is ~17 s
			SimulatedNoise: 0.0005,                                  // 0.5 mV RMS
		},
		Generator: GeneratorConfig{
			Mode:      "awg",           // Scope built-in generator
			Amplitude: 0.3,             // 300 mVpp
			Offset:    0,               // No offset
			Port:      "/dev/ttyUSB0",  // Common USB serial path
			BaudRate:  9600,            // Common SCPI serial rate
			Timeout:   2 * time.Second, // Reply timeout
		},
		Sweep: SweepConfig{
			MinFrequency:    0.1,                   // 0.1 Hz
			MaxFrequency:    100e3,                 // 100 kHz
			Points:          100,                   // 100 frequencies
			Spacing:         "log",                 // Log spaced
			Order:           "descending",          // High to low
			SamplesPerCycle: 6000,                  // Sample rate multiplier
			Samples:         10000,                 // ~1.7 cycles per block
			Settle:          10 * time.Millisecond, // Generator settle time
			StartIndexA:     5,                     // 1 V on the PS6000 table
			StartIndexB:     5,                     // 1 V on the PS6000 table
			DownShift:       autorange.DefaultDownShift,
			UpShift:         autorange.DefaultUpShift,
			WrapPhase:       false,
		},
		Fit: FitConfig{
			Model:          "simple",
			TrimPercentile: gainfit.DefaultTrimPercentile,
		},
		Output: OutputConfig{
			Directory: "./data", // Data folder in the current directory
			Prefix:    "sweep",  // File prefix for output files
			CSV:       true,     // CSV table next to the binary result
			Plot:      "png",    // Bode plot
			Report:    false,    // No PDF by default
		},
		Logging: LoggingConfig{
			Level: "info", // Info level logging
			File:  "",     // Log to stderr only
		},
	}
}

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid value")

// Validate checks the configuration for values the sweep cannot run with
func (c *Config) Validate() error {
	if _, err := instrument.ParseCoupling(c.Scope.Coupling); err != nil {
		return fmt.Errorf("%w: scope.coupling: %v", ErrInvalid, err)
	}

	if !(c.Scope.Attenuation > 0) {
		return fmt.Errorf("%w: scope.attenuation must be positive, got %g", ErrInvalid, c.Scope.Attenuation)
	}

	table, err := autorange.NewTable(c.Scope.Ranges)
	if err != nil {
		return fmt.Errorf("%w: scope.ranges: %v", ErrInvalid, err)
	}

	switch c.Generator.Mode {
	case "awg":
	case "scpi":
		if c.Generator.Port == "" {
			return fmt.Errorf("%w: generator.port not specified for scpi mode", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: generator.mode %q (must be 'awg' or 'scpi')", ErrInvalid, c.Generator.Mode)
	}

	if err := c.Sweep.validate(table.Len()); err != nil {
		return err
	}

	if !strings.EqualFold(c.Fit.Model, "none") {
		if _, err := gainfit.ParseKind(c.Fit.Model); err != nil {
			return fmt.Errorf("%w: fit.model: %v", ErrInvalid, err)
		}
	}

	if !(c.Fit.TrimPercentile > 0 && c.Fit.TrimPercentile <= 100) {
		return fmt.Errorf("%w: fit.trim_percentile must be in (0, 100], got %g", ErrInvalid, c.Fit.TrimPercentile)
	}

	switch c.Output.Plot {
	case "", "png", "svg":
	default:
		return fmt.Errorf("%w: output.plot %q (must be 'png', 'svg' or empty)", ErrInvalid, c.Output.Plot)
	}

	return nil
}

func (s *SweepConfig) validate(tableLen int) error {
	switch {
	case !(s.MinFrequency > 0):
		return fmt.Errorf("%w: sweep.min_frequency must be positive, got %g", ErrInvalid, s.MinFrequency)
	case s.MaxFrequency < s.MinFrequency || math.IsInf(s.MaxFrequency, 0):
		return fmt.Errorf("%w: sweep.max_frequency %g below min_frequency %g", ErrInvalid, s.MaxFrequency, s.MinFrequency)
	case s.Points < 1:
		return fmt.Errorf("%w: sweep.points must be at least 1, got %d", ErrInvalid, s.Points)
	case s.Spacing != "log" && s.Spacing != "linear":
		return fmt.Errorf("%w: sweep.spacing %q (must be 'log' or 'linear')", ErrInvalid, s.Spacing)
	case s.Order != "descending" && s.Order != "ascending":
		return fmt.Errorf("%w: sweep.order %q (must be 'descending' or 'ascending')", ErrInvalid, s.Order)
	case !(s.SamplesPerCycle > 0):
		return fmt.Errorf("%w: sweep.samples_per_cycle must be positive, got %g", ErrInvalid, s.SamplesPerCycle)
	case s.Samples < 4:
		return fmt.Errorf("%w: sweep.samples must be at least 4, got %d", ErrInvalid, s.Samples)
	case s.Settle < 0:
		return fmt.Errorf("%w: sweep.settle is negative", ErrInvalid)
	case s.StartIndexA < 0 || s.StartIndexA >= tableLen:
		return fmt.Errorf("%w: sweep.start_index_a %d not in [0, %d]", ErrInvalid, s.StartIndexA, tableLen-1)
	case s.StartIndexB < 0 || s.StartIndexB >= tableLen:
		return fmt.Errorf("%w: sweep.start_index_b %d not in [0, %d]", ErrInvalid, s.StartIndexB, tableLen-1)
	case !(s.DownShift > 0 && s.DownShift < s.UpShift && s.UpShift <= 1):
		return fmt.Errorf("%w: sweep.down_shift %g / up_shift %g", ErrInvalid, s.DownShift, s.UpShift)
	}
	return nil
}

// Frequencies builds the sweep frequency list in sweep order
func (s *SweepConfig) Frequencies() []float64 {
	n := s.Points
	freqs := make([]float64, n)

	for i := range freqs {
		if n == 1 {
			freqs[i] = s.MinFrequency
			break
		}

		frac := float64(i) / float64(n-1)
		if s.Spacing == "linear" {
			freqs[i] = s.MinFrequency + frac*(s.MaxFrequency-s.MinFrequency)
		} else {
			lo, hi := math.Log10(s.MinFrequency), math.Log10(s.MaxFrequency)
			freqs[i] = math.Pow(10, lo+frac*(hi-lo))
		}
	}

	// pin the end points against rounding in Pow
	if n > 1 {
		freqs[0], freqs[n-1] = s.MinFrequency, s.MaxFrequency
	}

	if s.Order == "descending" {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			freqs[i], freqs[j] = freqs[j], freqs[i]
		}
	}

	return freqs
}
