// Package spectrum estimates noise spectral density of captured waveforms
// with Welch's method: Hann-windowed, mean-removed segments with 50%
// overlap, averaged periodograms, one-sided density scaling.
package spectrum

import (
	"errors"
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath"
)

// Errors returned by the estimator.
var (
	ErrTooShort    = errors.New("spectrum: record shorter than one segment")
	ErrInvalidRate = errors.New("spectrum: sample rate must be positive")
	ErrMismatch    = errors.New("spectrum: densities differ in sample rate or resolution")
)

// DefaultSegment is the longest segment used when Options.Segment is zero.
const DefaultSegment = 1 << 16

// Options configures Welch.
type Options struct {
	Segment int     // samples per segment, rounded down to a power of two
	Overlap float64 // fraction of a segment shared with the next, in [0, 1)
}

// Density is a one-sided power spectral density.
type Density struct {
	Frequency  []float64 // Hz, bin k at k·SampleRate/Segment
	PSD        []float64 // V²/Hz
	SampleRate float64
	Segments   int // periodograms averaged
}

// NoiseDensity returns the amplitude density in µV/√Hz.
func (d *Density) NoiseDensity() []float64 {
	out := make([]float64, len(d.PSD))
	for i, p := range d.PSD {
		out[i] = math.Sqrt(p) * 1e6
	}
	return out
}

// segmentLength picks the power-of-two segment for n samples.
func segmentLength(n, requested int) int {
	if requested <= 0 {
		requested = DefaultSegment
	}
	if n < requested {
		requested = n
	}
	if requested < 2 {
		return 0
	}
	return 1 << (bitsLen(requested) - 1)
}

func bitsLen(n int) int {
	l := 0
	for ; n > 0; n >>= 1 {
		l++
	}
	return l
}

// Welch estimates the power spectral density of v sampled at sampleRate.
func Welch(v []float64, sampleRate float64, opts Options) (*Density, error) {
	if !(sampleRate > 0) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidRate, sampleRate)
	}

	n := segmentLength(len(v), opts.Segment)
	if n == 0 {
		return nil, fmt.Errorf("%w: %d samples", ErrTooShort, len(v))
	}

	overlap := opts.Overlap
	if overlap <= 0 || overlap >= 1 {
		overlap = 0.5
	}
	step := max(n-int(overlap*float64(n)), 1)

	plan, err := algofft.NewPlan64(n)
	if err != nil {
		return nil, fmt.Errorf("spectrum: failed to create FFT plan: %w", err)
	}

	window := make([]float64, n)
	sumW2 := 0.0
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
		sumW2 += window[i] * window[i]
	}

	var (
		bins     = n/2 + 1
		acc      = make([]float64, bins)
		segment  = make([]float64, n)
		windowed = make([]float64, n)
		src      = make([]complex128, n)
		dst      = make([]complex128, n)
		re       = make([]float64, n)
		im       = make([]float64, n)
		power    = make([]float64, n)
		count    int
	)

	for start := 0; start+n <= len(v); start += step {
		mean := 0.0
		for _, x := range v[start : start+n] {
			mean += x
		}
		mean /= float64(n)

		for i, x := range v[start : start+n] {
			segment[i] = x - mean
		}
		vecmath.MulBlock(windowed, segment, window)

		for i, x := range windowed {
			src[i] = complex(x, 0)
		}
		if err := plan.Forward(dst, src); err != nil {
			return nil, fmt.Errorf("spectrum: forward FFT failed: %w", err)
		}

		for i, c := range dst {
			re[i], im[i] = real(c), imag(c)
		}
		vecmath.Power(power, re, im)

		for k := range acc {
			acc[k] += power[k]
		}
		count++
	}

	d := &Density{
		Frequency:  make([]float64, bins),
		PSD:        make([]float64, bins),
		SampleRate: sampleRate,
		Segments:   count,
	}

	scale := 1 / (sampleRate * sumW2 * float64(count))
	for k := range acc {
		d.Frequency[k] = float64(k) * sampleRate / float64(n)
		d.PSD[k] = acc[k] * scale
		// fold negative frequencies; DC and Nyquist appear once
		if k != 0 && k != n/2 {
			d.PSD[k] *= 2
		}
	}

	return d, nil
}

// Average returns the bin-wise mean of densities with identical sample
// rate and resolution.
func Average(densities ...*Density) (*Density, error) {
	if len(densities) == 0 {
		return nil, fmt.Errorf("%w: nothing to average", ErrMismatch)
	}

	first := densities[0]
	out := &Density{
		Frequency:  append([]float64(nil), first.Frequency...),
		PSD:        make([]float64, len(first.PSD)),
		SampleRate: first.SampleRate,
	}

	for i, d := range densities {
		if d.SampleRate != first.SampleRate || len(d.PSD) != len(first.PSD) {
			return nil, fmt.Errorf("%w: density %d has %g Hz / %d bins, first has %g Hz / %d bins",
				ErrMismatch, i, d.SampleRate, len(d.PSD), first.SampleRate, len(first.PSD))
		}
		for k, p := range d.PSD {
			out.PSD[k] += p
		}
		out.Segments += d.Segments
	}

	for k := range out.PSD {
		out.PSD[k] /= float64(len(densities))
	}
	return out, nil
}
