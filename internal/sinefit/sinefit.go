// Package sinefit extracts amplitude, frequency, phase and offset of a
// single sine tone from a captured waveform.
//
// The model is
//
//	v(t) = a·sin(2π·f·t − φ) + b
//
// fitted by bounded least squares around the expected drive frequency.
package sinefit

import (
	"errors"
	"fmt"
	"math"

	"freqresp/internal/instrument"
	"freqresp/internal/lsq"

	"gonum.org/v1/gonum/mat"
)

// Errors returned by the extractor.
var (
	ErrFitConvergence   = lsq.ErrNoConvergence
	ErrEmptyCapture     = errors.New("sinefit: capture has no samples")
	ErrLengthMismatch   = errors.New("sinefit: time and voltage lengths differ")
	ErrInvalidFrequency = errors.New("sinefit: expected frequency must be positive")
)

const (
	minAmplitude      = 0.01 // seed floor for an all-zero capture
	amplitudeHeadroom = 1.1
	frequencySpan     = 0.2
	offsetLimit       = 2.0 // volts
)

// Seed selects how the nonlinear stage is initialized.
type Seed int

const (
	// SeedLinear solves the three-parameter linear problem at the expected
	// frequency and starts the nonlinear fit from its amplitude, phase and
	// offset.
	SeedLinear Seed = iota

	// SeedPeak starts from amplitude = max|v|, phase = 0, offset = 0.
	SeedPeak
)

// Params is a fitted sine. Phase is in [0, 2π).
type Params struct {
	Amplitude float64
	Frequency float64
	Phase     float64
	Offset    float64
}

// At evaluates the sine at time t.
func (p Params) At(t float64) float64 {
	return model(t, []float64{p.Amplitude, p.Frequency, p.Phase, p.Offset})
}

// Extractor fits sine parameters. The zero value uses SeedLinear and the
// default solver settings.
type Extractor struct {
	Seed     Seed
	Settings *lsq.Settings
}

// Fit fits t/v with a default Extractor, seeded with SeedLinear.
func Fit(t, v []float64, freq float64) (Params, error) {
	var e Extractor
	return e.Fit(t, v, freq)
}

// FitCapture fits a capture around its nominal drive frequency.
func FitCapture(c *instrument.Capture) (Params, error) {
	var e Extractor
	return e.Fit(c.Time, c.Voltage, c.Frequency)
}

// Fit returns the parameters minimizing the squared error between the
// model and v. A solver failure is returned wrapped around
// ErrFitConvergence and is not retried.
//
// With the default SeedLinear the solver does not start from the plain
// amplitude = max|v|, phase = 0, offset = 0 point: it starts from the
// linear least-squares sine at freq. Use SeedPeak for the plain start.
func (e *Extractor) Fit(t, v []float64, freq float64) (Params, error) {
	if len(t) != len(v) {
		return Params{}, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(t), len(v))
	}

	if len(v) == 0 {
		return Params{}, ErrEmptyCapture
	}

	if !(freq > 0) || math.IsInf(freq, 0) {
		return Params{}, fmt.Errorf("%w: %g", ErrInvalidFrequency, freq)
	}

	// The phase is periodic: it gets one extra turn either side of [0, 2π]
	// and is wrapped back afterwards, so a seed near 0 or 2π is not pinned
	// against a bound while the frequency is still moving.
	peak := math.Max(instrument.PeakAbs(v), minAmplitude)
	bounds := lsq.Bounds{
		Lower: []float64{0, freq * (1 - frequencySpan), -2 * math.Pi, -offsetLimit},
		Upper: []float64{peak * amplitudeHeadroom, freq * (1 + frequencySpan), 4 * math.Pi, offsetLimit},
	}

	guess := []float64{peak, freq, 0, 0}
	if e.Seed == SeedLinear {
		if a, phi, b, ok := linearSeed(t, v, freq); ok {
			guess = []float64{a, freq, phi, b}
		}
	}

	res, err := lsq.Fit(model, t, v, guess, bounds, e.Settings)
	if err != nil {
		return Params{}, fmt.Errorf("sine fit at %g Hz: %w", freq, err)
	}

	p := Params{
		Amplitude: res.Params[0],
		Frequency: res.Params[1],
		Phase:     res.Params[2],
		Offset:    res.Params[3],
	}
	p.Phase = math.Mod(p.Phase, 2*math.Pi)
	if p.Phase < 0 {
		p.Phase += 2 * math.Pi
	}
	if p.Phase >= 2*math.Pi {
		p.Phase = 0
	}

	return p, nil
}

func model(t float64, p []float64) float64 {
	return p[0]*math.Sin(2*math.Pi*p[1]*t-p[2]) + p[3]
}

// linearSeed solves v ≈ A·sin(ωt) + B·cos(ωt) + b at fixed ω and converts
// (A, B) to amplitude and phase: A = a·cos φ, B = −a·sin φ.
func linearSeed(t, v []float64, freq float64) (a, phi, b float64, ok bool) {
	n := len(t)
	if n < 3 {
		return 0, 0, 0, false
	}

	omega := 2 * math.Pi * freq
	design := mat.NewDense(n, 3, nil)
	for i, ti := range t {
		design.Set(i, 0, math.Sin(omega*ti))
		design.Set(i, 1, math.Cos(omega*ti))
		design.Set(i, 2, 1)
	}

	var coef mat.VecDense
	if err := coef.SolveVec(design, mat.NewVecDense(n, v)); err != nil {
		return 0, 0, 0, false
	}

	sinCoef, cosCoef := coef.AtVec(0), coef.AtVec(1)
	a = math.Hypot(sinCoef, cosCoef)
	phi = math.Atan2(-cosCoef, sinCoef)
	if phi < 0 {
		phi += 2 * math.Pi
	}

	return a, phi, coef.AtVec(2), true
}
