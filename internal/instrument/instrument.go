// Package instrument defines the hardware boundary of a frequency-response
// sweep: a two-channel block-capture scope and a sine signal generator.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Channel identifies one of the two logical capture channels. A is the
// reference (DUT input), B the response (DUT output).
type Channel int

const (
	ChannelA Channel = iota
	ChannelB
)

// Channels lists both logical channels in evaluation order.
var Channels = [2]Channel{ChannelA, ChannelB}

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Coupling is the input coupling mode of a scope channel.
type Coupling string

const (
	CouplingAC   Coupling = "AC"
	CouplingDC   Coupling = "DC"
	CouplingDC50 Coupling = "DC50"
)

// ParseCoupling accepts "ac", "dc" or "dc50" in any case.
func ParseCoupling(s string) (Coupling, error) {
	switch c := Coupling(strings.ToUpper(strings.TrimSpace(s))); c {
	case CouplingAC, CouplingDC, CouplingDC50:
		return c, nil
	default:
		return "", fmt.Errorf("invalid coupling: %s (must be 'AC', 'DC' or 'DC50')", s)
	}
}

// ErrCaptureTimeout is returned by CaptureBlock when the trigger or data
// transfer does not complete in time.
var ErrCaptureTimeout = errors.New("instrument: capture timed out")

// ChannelConfigurer sets up a single scope channel.
type ChannelConfigurer interface {
	ConfigureChannel(ch Channel, coupling Coupling, rangeV, attenuation float64) error
}

// Scope is the block-capture interface of a two-channel digitizer.
type Scope interface {
	ChannelConfigurer

	// SetTrigger arms a simple rising-edge trigger on ch.
	SetTrigger(ch Channel, thresholdV float64) error

	// SetSampleRate requests targetHz for blocks of samples points and
	// returns the rate the instrument actually uses.
	SetSampleRate(targetHz float64, samples int) (float64, error)

	// CaptureBlock runs one triggered block and returns both channels in volts.
	CaptureBlock(ctx context.Context) (a, b []float64, err error)

	Close() error
}

// SignalGenerator drives the DUT with a sine wave.
type SignalGenerator interface {
	SetFrequency(hz float64) error
}

// CommandError reports a hardware command that returned a non-zero status.
// A sweep stops on the first one.
type CommandError struct {
	Op     string  // command name, e.g. "SetFrequency"
	Status int     // instrument status code
	Value  float64 // argument of the failed command, if any
	Err    error   // underlying transport error, if any
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s(%g) failed with status %d", e.Op, e.Value, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Capture is one channel's time-domain record.
type Capture struct {
	Time       []float64 // seconds from the first sample
	Voltage    []float64 // volts
	SampleRate float64   // Hz
	Frequency  float64   // nominal drive frequency in Hz
}

// NewCapture builds a Capture with an evenly spaced time axis.
func NewCapture(voltage []float64, sampleRate, frequency float64) *Capture {
	t := make([]float64, len(voltage))
	for i := range t {
		t[i] = float64(i) / sampleRate
	}

	return &Capture{
		Time:       t,
		Voltage:    voltage,
		SampleRate: sampleRate,
		Frequency:  frequency,
	}
}

// Peak returns max |v| over the record.
func (c *Capture) Peak() float64 {
	return PeakAbs(c.Voltage)
}

// PeakAbs returns the largest absolute value in v, or 0 for an empty slice.
func PeakAbs(v []float64) float64 {
	peak := 0.0
	for _, s := range v {
		peak = math.Max(peak, math.Abs(s))
	}
	return peak
}
