package picoscope

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"freqresp/internal/instrument"
)

// DUT is a linear device under test.
type DUT interface {
	// Response returns the complex transfer function at f Hz.
	Response(f float64) complex128
}

// BandPass is a first-order high-pass in series with a first-order
// low-pass.
type BandPass struct {
	Gain    float64
	CutoffL float64
	CutoffH float64
}

// Response implements DUT.
func (b BandPass) Response(f float64) complex128 {
	lp := 1 + complex(0, f/b.CutoffH)
	hp := 1 - complex(0, b.CutoffL/f)
	return complex(b.Gain, 0) / (lp * hp)
}

// DefaultDUT is the device the simulator measures when none is given.
var DefaultDUT = BandPass{Gain: 2, CutoffL: 20, CutoffH: 5000}

// ErrClosed is returned by every Simulator call after Close.
var ErrClosed = errors.New("picoscope: device closed")

// Simulator emulates a two-channel 8-bit digitizer whose built-in
// generator drives a DUT. Channel A sees the drive signal and channel B
// the DUT output. Blocks start at a rising zero crossing of the drive.
// Signals beyond the selected range clip at full scale.
type Simulator struct {
	dut    DUT
	vpp    float64
	offset float64
	noise  float64
	rng    *rand.Rand

	frequency float64
	rate      float64
	samples   int
	rangeIdx  [2]int
	atten     [2]float64
	coupling  [2]instrument.Coupling
	enabled   [2]bool
	captures  int
	closed    bool
}

// NewSimulator returns a simulator configured from opts. Noise is drawn
// from a fixed seed so runs are repeatable.
func NewSimulator(opts Options) *Simulator {
	dut := opts.DUT
	if dut == nil {
		dut = DefaultDUT
	}

	vpp := opts.DriveVpp
	if vpp == 0 {
		vpp = 0.3
	}

	return &Simulator{
		dut:    dut,
		vpp:    vpp,
		offset: opts.DriveOffset,
		noise:  opts.Noise,
		rng:    rand.New(rand.NewSource(1)),
		atten:  [2]float64{1, 1},
	}
}

// Info implements Instrument.
func (s *Simulator) Info() string {
	return fmt.Sprintf("PicoScope 6000 simulator (drive %.3g Vpp, noise %.3g V RMS)", s.vpp, s.noise)
}

// Captures returns the number of blocks captured so far.
func (s *Simulator) Captures() int { return s.captures }

// ConfigureChannel implements instrument.ChannelConfigurer.
func (s *Simulator) ConfigureChannel(ch instrument.Channel, coupling instrument.Coupling, rangeV, attenuation float64) error {
	if s.closed {
		return ErrClosed
	}
	if attenuation <= 0 {
		return &instrument.CommandError{Op: "SetChannel", Status: statusInvalidParameter, Value: attenuation}
	}

	s.rangeIdx[ch] = selectRange(rangeV / attenuation)
	s.atten[ch] = attenuation
	s.coupling[ch] = coupling
	s.enabled[ch] = true
	return nil
}

// SetTrigger implements instrument.Scope. The simulator always triggers at
// the rising zero crossing of the drive signal.
func (s *Simulator) SetTrigger(ch instrument.Channel, thresholdV float64) error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SetSampleRate implements instrument.Scope.
func (s *Simulator) SetSampleRate(targetHz float64, samples int) (float64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if samples <= 0 {
		return 0, &instrument.CommandError{Op: "GetTimebase2", Status: statusInvalidParameter, Value: float64(samples)}
	}

	_, s.rate = Timebase(targetHz)
	s.samples = samples
	return s.rate, nil
}

// SetFrequency implements instrument.SignalGenerator.
func (s *Simulator) SetFrequency(hz float64) error {
	if s.closed {
		return ErrClosed
	}
	if !(hz > 0) || hz > 20e6 {
		return &instrument.CommandError{Op: "SetSigGenBuiltInV2", Status: statusInvalidParameter, Value: hz}
	}

	s.frequency = hz
	return nil
}

// CaptureBlock implements instrument.Scope.
func (s *Simulator) CaptureBlock(ctx context.Context) ([]float64, []float64, error) {
	if s.closed {
		return nil, nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if s.rate == 0 || s.frequency == 0 {
		return nil, nil, &instrument.CommandError{Op: "RunBlock", Status: statusInvalidParameter}
	}

	h := s.dut.Response(s.frequency)
	amp := s.vpp / 2
	omega := 2 * math.Pi * s.frequency

	a := make([]float64, s.samples)
	b := make([]float64, s.samples)
	for i := range a {
		t := float64(i) / s.rate
		a[i] = amp*math.Sin(omega*t) + s.offset
		b[i] = cmplx.Abs(h) * amp * math.Sin(omega*t+cmplx.Phase(h))
	}

	s.digitize(instrument.ChannelA, a)
	s.digitize(instrument.ChannelB, b)
	s.captures++

	return a, b, nil
}

// digitize applies coupling, noise, clipping and 8-bit quantization in place.
func (s *Simulator) digitize(ch instrument.Channel, v []float64) {
	if !s.enabled[ch] {
		for i := range v {
			v[i] = 0
		}
		return
	}

	if s.coupling[ch] == instrument.CouplingAC {
		mean := 0.0
		for _, x := range v {
			mean += x
		}
		mean /= float64(len(v))
		for i := range v {
			v[i] -= mean
		}
	}

	full := Ranges[s.rangeIdx[ch]] * s.atten[ch]
	levels := float64(int(1)<<(adcBits-1) - 1)

	for i, x := range v {
		if s.noise > 0 {
			x += s.rng.NormFloat64() * s.noise
		}
		x = math.Max(-1, math.Min(1, x/full))
		v[i] = math.Round(x*levels) / levels * full
	}
}

// Close implements instrument.Scope.
func (s *Simulator) Close() error {
	s.closed = true
	return nil
}
