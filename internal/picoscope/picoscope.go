// Package picoscope drives a PicoScope 6000 series digitizer and its
// built-in signal generator.
//
// The hardware driver is compiled only with the "ps6000" build tag and
// needs the Pico SDK (libps6000). Without the tag Open returns a Simulator
// wired to a band-pass device under test, so the tools and tests run on
// machines without the scope attached.
package picoscope

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"freqresp/internal/instrument"
)

// Instrument is a scope that also drives the device under test.
type Instrument interface {
	instrument.Scope
	instrument.SignalGenerator

	// Info describes the opened unit.
	Info() string
}

// Options configures Open.
type Options struct {
	SerialNumber   string        // empty opens the first unit found
	Inputs         [2]string     // physical inputs for logical channels A and B, e.g. "A", "D"
	DriveVpp       float64       // generator amplitude, peak to peak
	DriveOffset    float64       // generator offset in volts
	CaptureTimeout time.Duration // per block, zero means no limit beyond ctx

	Noise float64 // simulator only: RMS noise in volts
	DUT   DUT     // simulator only: nil means DefaultDUT
}

// ADC resolution and full-scale count of the 6000 series.
const (
	adcBits  = 8
	maxValue = 32512
)

// Ranges lists the hardware input ranges in volts, ascending. Index i
// corresponds to the driver's range enum value i+rangeEnumOffset.
var Ranges = []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20}

const rangeEnumOffset = 2 // PS6000_50MV

// statusInvalidParameter is PICO_INVALID_PARAMETER.
const statusInvalidParameter = 0x0D

// ErrUnknownInput is returned for an input name other than A to D.
var ErrUnknownInput = errors.New("picoscope: unknown input")

// ParseInput maps an input letter to the driver's channel number.
func ParseInput(name string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if len(s) != 1 || s[0] < 'A' || s[0] > 'D' {
		return 0, fmt.Errorf("%w: %q (must be A, B, C or D)", ErrUnknownInput, name)
	}
	return int(s[0] - 'A'), nil
}

// selectRange returns the index into Ranges of the smallest hardware range
// that holds rangeV, or the largest range when none does.
func selectRange(rangeV float64) int {
	for i, r := range Ranges {
		if r >= rangeV*(1-1e-9) {
			return i
		}
	}
	return len(Ranges) - 1
}

// Timebase returns the 6000 series timebase closest to, and not faster
// than, the requested sample rate, and the sample rate it yields.
//
//	n <= 4: interval = 2^n / 5 GHz
//	n >  4: interval = (n - 4) / 156.25 MHz
func Timebase(targetHz float64) (uint32, float64) {
	if !(targetHz > 0) {
		return math.MaxUint32, timebaseRate(math.MaxUint32)
	}

	interval := 1 / targetHz

	var n uint32
	if interval <= 16/5e9 {
		n = uint32(math.Max(math.Ceil(math.Log2(interval*5e9)-1e-9), 0))
	} else {
		steps := math.Ceil(interval*156.25e6 - 1e-9)
		n = uint32(math.Min(steps+4, math.MaxUint32))
	}

	return n, timebaseRate(n)
}

func timebaseRate(n uint32) float64 {
	if n <= 4 {
		return 5e9 / float64(uint32(1)<<n)
	}
	return 156.25e6 / float64(n-4)
}

// toVolts converts raw ADC counts on the given hardware range.
func toVolts(counts []int16, rangeV, attenuation float64) []float64 {
	v := make([]float64, len(counts))
	scale := rangeV * attenuation / maxValue
	for i, c := range counts {
		v[i] = float64(c) * scale
	}
	return v
}
