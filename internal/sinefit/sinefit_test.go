package sinefit

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"freqresp/internal/instrument"
)

// synth samples a·sin(2πft − φ) + b over the given number of cycles.
func synth(a, f, phi, b float64, samplesPerCycle, cycles float64) (t, v []float64) {
	rate := f * samplesPerCycle
	n := int(samplesPerCycle * cycles)
	t = make([]float64, n)
	v = make([]float64, n)
	for i := range t {
		t[i] = float64(i) / rate
		v[i] = a*math.Sin(2*math.Pi*f*t[i]-phi) + b
	}
	return t, v
}

func phaseDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 2*math.Pi)
	return math.Min(d, 2*math.Pi-d)
}

func TestFitRecoversNoiseFreeSine(t *testing.T) {
	tests := []struct {
		name           string
		a, f, phi, b   float64
		perCycle, nCyc float64
	}{
		{"1kHz unit", 1.0, 1000, 0.3, 0, 1000, 3},
		{"low freq offset", 0.25, 50, 4.0, 0.1, 600, 2.5},
		{"high freq negative offset", 2.5, 1e5, 5.9, -0.5, 200, 4},
		{"sub-Hz drive", 0.15, 0.1, 1.5, 0.02, 6000, 1.6},
		{"phase near zero", 0.8, 200, 0.001, 0, 500, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, vs := synth(tt.a, tt.f, tt.phi, tt.b, tt.perCycle, tt.nCyc)

			p, err := Fit(ts, vs, tt.f)
			if err != nil {
				t.Fatalf("Fit() error = %v", err)
			}

			if rel := math.Abs(p.Amplitude-tt.a) / tt.a; rel > 1e-3 {
				t.Errorf("amplitude = %g, want %g (rel err %g)", p.Amplitude, tt.a, rel)
			}
			if rel := math.Abs(p.Frequency-tt.f) / tt.f; rel > 1e-3 {
				t.Errorf("frequency = %g, want %g (rel err %g)", p.Frequency, tt.f, rel)
			}
			if d := phaseDistance(p.Phase, tt.phi); d > 2*math.Pi*1e-3 {
				t.Errorf("phase = %g, want %g", p.Phase, tt.phi)
			}
			if math.Abs(p.Offset-tt.b) > 1e-3 {
				t.Errorf("offset = %g, want %g", p.Offset, tt.b)
			}
			if p.Phase < 0 || p.Phase >= 2*math.Pi {
				t.Errorf("phase %g outside [0, 2π)", p.Phase)
			}
		})
	}
}

func TestFitDetunedDrive(t *testing.T) {
	// the generator runs 1% fast relative to the requested frequency
	ts, vs := synth(0.5, 1010, 2.0, 0, 1000, 2)

	p, err := Fit(ts, vs, 1000)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	if math.Abs(p.Frequency-1010)/1010 > 1e-3 {
		t.Errorf("frequency = %g, want 1010", p.Frequency)
	}
	if math.Abs(p.Amplitude-0.5)/0.5 > 1e-3 {
		t.Errorf("amplitude = %g, want 0.5", p.Amplitude)
	}
}

// captureAt samples a·sin(2πft − φ) + b at a rate set from the expected
// frequency, the way the sweep configures the scope.
func captureAt(a, f, phi, b, expected float64) (t, v []float64) {
	const samplesPerCycle, n = 6000, 10000
	rate := expected * samplesPerCycle
	t = make([]float64, n)
	v = make([]float64, n)
	for i := range t {
		t[i] = float64(i) / rate
		v[i] = a*math.Sin(2*math.Pi*f*t[i]-phi) + b
	}
	return t, v
}

func TestFitDetunedDriveAcrossPhases(t *testing.T) {
	tests := []struct {
		name         string
		a, f, phi, b float64
		expected     float64
	}{
		{"fast, phase near zero", 0.5, 1100, 0.01, 0, 1000},
		{"fast, phase near 2π", 0.5, 1100, 6.27, 0, 1000},
		{"slow, phase near zero", 0.5, 870, 0.02, 0.05, 1000},
		{"slow, phase near 2π", 0.5, 870, 6.25, -0.05, 1000},
		{"fast with offset", 0.2, 1150, 0.357, 0.05, 1000},
		{"small amplitude", 0.0058, 3100.14, 0.357, 0, 2879.06},
		{"slow, phase near π", 1.0, 920, 3.1, 0, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, vs := captureAt(tt.a, tt.f, tt.phi, tt.b, tt.expected)

			p, err := Fit(ts, vs, tt.expected)
			if err != nil {
				t.Fatalf("Fit() error = %v", err)
			}

			if math.Abs(p.Amplitude-tt.a)/tt.a > 1e-3 {
				t.Errorf("amplitude = %g, want %g", p.Amplitude, tt.a)
			}
			if math.Abs(p.Frequency-tt.f)/tt.f > 1e-3 {
				t.Errorf("frequency = %g, want %g", p.Frequency, tt.f)
			}
			if d := phaseDistance(p.Phase, tt.phi); d > 2*math.Pi*1e-3 {
				t.Errorf("phase = %g, want %g", p.Phase, tt.phi)
			}
			if p.Phase < 0 || p.Phase >= 2*math.Pi {
				t.Errorf("phase = %g, outside [0, 2π)", p.Phase)
			}
			if math.Abs(p.Offset-tt.b) > 1e-3 {
				t.Errorf("offset = %g, want %g", p.Offset, tt.b)
			}
		})
	}
}

func TestFitPeakSeed(t *testing.T) {
	ts, vs := synth(1.2, 300, 0.5, 0, 400, 2)

	e := Extractor{Seed: SeedPeak}
	p, err := e.Fit(ts, vs, 300)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	if math.Abs(p.Amplitude-1.2)/1.2 > 1e-3 {
		t.Errorf("amplitude = %g, want 1.2", p.Amplitude)
	}
	if phaseDistance(p.Phase, 0.5) > 1e-2 {
		t.Errorf("phase = %g, want 0.5", p.Phase)
	}
}

func TestFitNoisyCapture(t *testing.T) {
	ts, vs := synth(1.0, 1000, 1.0, 0.05, 1000, 3)
	rng := rand.New(rand.NewSource(7))
	for i := range vs {
		vs[i] += rng.NormFloat64() * 0.01
	}

	p, err := FitCapture(&instrument.Capture{Time: ts, Voltage: vs, SampleRate: 1e6, Frequency: 1000})
	if err != nil {
		t.Fatalf("FitCapture() error = %v", err)
	}

	if math.Abs(p.Amplitude-1.0) > 0.005 {
		t.Errorf("amplitude = %g, want ~1.0", p.Amplitude)
	}
	if math.Abs(p.Offset-0.05) > 0.005 {
		t.Errorf("offset = %g, want ~0.05", p.Offset)
	}
}

func TestFitAmplitudeWithinBounds(t *testing.T) {
	// Hard clipping at 0.6 V; the bound caps the amplitude at 1.1·max|v|.
	ts, vs := synth(1.0, 100, 0.7, 0, 500, 2)
	for i := range vs {
		vs[i] = math.Max(-0.6, math.Min(0.6, vs[i]))
	}

	p, err := Fit(ts, vs, 100)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if p.Amplitude > 0.66+1e-12 {
		t.Errorf("amplitude %g exceeds 1.1·peak", p.Amplitude)
	}
}

func TestFitZeroSignal(t *testing.T) {
	ts := make([]float64, 100)
	for i := range ts {
		ts[i] = float64(i) * 1e-4
	}

	p, err := Fit(ts, make([]float64, 100), 100)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if p.Amplitude != 0 {
		t.Errorf("amplitude = %g, want 0", p.Amplitude)
	}
}

func TestFitInputErrors(t *testing.T) {
	tests := []struct {
		name    string
		t, v    []float64
		freq    float64
		wantErr error
	}{
		{"length mismatch", []float64{0, 1}, []float64{0}, 1, ErrLengthMismatch},
		{"empty", nil, nil, 1, ErrEmptyCapture},
		{"zero frequency", []float64{0, 1}, []float64{0, 1}, 0, ErrInvalidFrequency},
		{"nan frequency", []float64{0, 1}, []float64{0, 1}, math.NaN(), ErrInvalidFrequency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(tt.t, tt.v, tt.freq)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Fit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParamsAt(t *testing.T) {
	p := Params{Amplitude: 2, Frequency: 1, Phase: 0, Offset: 0.5}
	if got := p.At(0.25); math.Abs(got-2.5) > 1e-12 {
		t.Errorf("At(0.25) = %g, want 2.5", got)
	}
}
