package picoscope

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"freqresp/internal/instrument"
	"freqresp/internal/sinefit"
)

func TestTimebase(t *testing.T) {
	tests := []struct {
		target   float64
		wantTB   uint32
		wantRate float64
	}{
		{5e9, 0, 5e9},
		{600e6, 4, 312.5e6},
		{156.25e6, 5, 156.25e6},
		{100e6, 6, 78.125e6},
		{600, 260421, 156.25e6 / 260417},
	}

	for _, tt := range tests {
		tb, rate := Timebase(tt.target)
		if tb != tt.wantTB {
			t.Errorf("Timebase(%g) = %d, want %d", tt.target, tb, tt.wantTB)
		}
		if math.Abs(rate-tt.wantRate)/tt.wantRate > 1e-12 {
			t.Errorf("Timebase(%g) rate = %g, want %g", tt.target, rate, tt.wantRate)
		}
		if rate > tt.target*(1+1e-12) {
			t.Errorf("Timebase(%g) rate %g is faster than requested", tt.target, rate)
		}
	}
}

func TestSelectRange(t *testing.T) {
	tests := []struct {
		rangeV float64
		want   float64
	}{
		{1e-6, 0.05},
		{0.05, 0.05},
		{0.3, 0.5},
		{1, 1},
		{50, 20},
	}

	for _, tt := range tests {
		if got := Ranges[selectRange(tt.rangeV)]; got != tt.want {
			t.Errorf("selectRange(%g) = %g V, want %g V", tt.rangeV, got, tt.want)
		}
	}
}

func TestParseInput(t *testing.T) {
	if ch, err := ParseInput("d"); err != nil || ch != 3 {
		t.Errorf("ParseInput(d) = %d, %v", ch, err)
	}
	if _, err := ParseInput("E"); !errors.Is(err, ErrUnknownInput) {
		t.Errorf("ParseInput(E) error = %v, want ErrUnknownInput", err)
	}
}

func TestToVolts(t *testing.T) {
	v := toVolts([]int16{maxValue, -maxValue, 0}, 0.5, 10)
	want := []float64{5, -5, 0}
	for i := range want {
		if math.Abs(v[i]-want[i]) > 1e-12 {
			t.Errorf("v[%d] = %g, want %g", i, v[i], want[i])
		}
	}
}

func newTestSimulator(t *testing.T, freq float64, rangeA, rangeB float64) (*Simulator, float64) {
	t.Helper()

	s := NewSimulator(Options{})
	if err := s.ConfigureChannel(instrument.ChannelA, instrument.CouplingDC, rangeA, 1); err != nil {
		t.Fatalf("ConfigureChannel(A) error = %v", err)
	}
	if err := s.ConfigureChannel(instrument.ChannelB, instrument.CouplingDC, rangeB, 1); err != nil {
		t.Fatalf("ConfigureChannel(B) error = %v", err)
	}
	if err := s.SetFrequency(freq); err != nil {
		t.Fatalf("SetFrequency() error = %v", err)
	}
	rate, err := s.SetSampleRate(freq*6000, 10000)
	if err != nil {
		t.Fatalf("SetSampleRate() error = %v", err)
	}
	return s, rate
}

func TestSimulatorMeasuresDUT(t *testing.T) {
	const freq = 1000.0
	s, rate := newTestSimulator(t, freq, 0.2, 0.5)
	defer s.Close()

	a, b, err := s.CaptureBlock(context.Background())
	if err != nil {
		t.Fatalf("CaptureBlock() error = %v", err)
	}

	pa, err := sinefit.FitCapture(instrument.NewCapture(a, rate, freq))
	if err != nil {
		t.Fatalf("fit A: %v", err)
	}
	pb, err := sinefit.FitCapture(instrument.NewCapture(b, rate, freq))
	if err != nil {
		t.Fatalf("fit B: %v", err)
	}

	if math.Abs(pa.Amplitude-0.15) > 0.002 {
		t.Errorf("drive amplitude = %g, want 0.15", pa.Amplitude)
	}

	want := cmplx.Abs(DefaultDUT.Response(freq))
	if gain := pb.Amplitude / pa.Amplitude; math.Abs(gain-want)/want > 0.01 {
		t.Errorf("gain = %g, want %g", gain, want)
	}

	if s.Captures() != 1 {
		t.Errorf("Captures() = %d, want 1", s.Captures())
	}
}

func TestSimulatorClipsAtRange(t *testing.T) {
	// 0.3 V peak on B against the 50 mV range
	s, _ := newTestSimulator(t, 1000, 0.2, 0.05)

	_, b, err := s.CaptureBlock(context.Background())
	if err != nil {
		t.Fatalf("CaptureBlock() error = %v", err)
	}

	if peak := instrument.PeakAbs(b); math.Abs(peak-0.05) > 1e-12 {
		t.Errorf("peak = %g, want clipped at 0.05", peak)
	}
}

func TestSimulatorAfterClose(t *testing.T) {
	s, _ := newTestSimulator(t, 100, 1, 1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, _, err := s.CaptureBlock(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("CaptureBlock() after Close = %v, want ErrClosed", err)
	}
	if err := s.SetFrequency(100); !errors.Is(err, ErrClosed) {
		t.Errorf("SetFrequency() after Close = %v, want ErrClosed", err)
	}
}

func TestSimulatorRejectsBadFrequency(t *testing.T) {
	s := NewSimulator(Options{})

	var cmdErr *instrument.CommandError
	if err := s.SetFrequency(-5); !errors.As(err, &cmdErr) {
		t.Fatalf("SetFrequency(-5) error = %v, want CommandError", err)
	}
	if cmdErr.Op != "SetSigGenBuiltInV2" || cmdErr.Value != -5 {
		t.Errorf("unexpected command error %+v", cmdErr)
	}
}

func TestSimulatorHonorsCancellation(t *testing.T) {
	s, _ := newTestSimulator(t, 100, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := s.CaptureBlock(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("CaptureBlock() = %v, want context.Canceled", err)
	}
}

func TestOpenDefaultBuild(t *testing.T) {
	if !Simulated {
		t.Skip("hardware build")
	}

	inst, err := Open(Options{Inputs: [2]string{"A", "D"}, DriveVpp: 0.3})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer inst.Close()

	if inst.Info() == "" {
		t.Error("empty device info")
	}
}
