package collector

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"strings"
	"testing"

	"freqresp/internal/config"
	"freqresp/internal/instrument"
	"freqresp/internal/picoscope"
)

// fakeScope is an ideal two-channel scope with its own generator. Each
// channel sees a clean sine whose amplitude comes from amp and which clips
// at the configured range.
type fakeScope struct {
	amp    func(ch instrument.Channel, capture int, rangeV float64) float64
	phaseB float64

	failAt int // SetFrequency call that fails, 1-based; 0 never fails

	freq     float64
	rate     float64
	samples  int
	ranges   [2]float64
	freqs    []float64
	captures int
	closed   int
}

func constantAmp(a, b float64) func(instrument.Channel, int, float64) float64 {
	return func(ch instrument.Channel, _ int, _ float64) float64 {
		if ch == instrument.ChannelA {
			return a
		}
		return b
	}
}

func (f *fakeScope) ConfigureChannel(ch instrument.Channel, _ instrument.Coupling, rangeV, _ float64) error {
	f.ranges[ch] = rangeV
	return nil
}

func (f *fakeScope) SetTrigger(instrument.Channel, float64) error { return nil }

func (f *fakeScope) SetSampleRate(targetHz float64, samples int) (float64, error) {
	f.rate, f.samples = targetHz, samples
	return targetHz, nil
}

func (f *fakeScope) SetFrequency(hz float64) error {
	f.freqs = append(f.freqs, hz)
	if f.failAt == len(f.freqs) {
		return &instrument.CommandError{Op: "SetFrequency", Status: 13, Value: hz}
	}
	f.freq = hz
	return nil
}

func (f *fakeScope) CaptureBlock(ctx context.Context) ([]float64, []float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	f.captures++
	var out [2][]float64
	for _, ch := range instrument.Channels {
		amp := f.amp(ch, f.captures, f.ranges[ch])
		phase := 0.0
		if ch == instrument.ChannelB {
			phase = f.phaseB
		}

		v := make([]float64, f.samples)
		for i := range v {
			t := float64(i) / f.rate
			s := amp * math.Sin(2*math.Pi*f.freq*t-phase)
			v[i] = math.Max(-f.ranges[ch], math.Min(f.ranges[ch], s))
		}
		out[ch] = v
	}
	return out[0], out[1], nil
}

func (f *fakeScope) Close() error {
	f.closed++
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sweep.SamplesPerCycle = 50
	cfg.Sweep.Samples = 500
	cfg.Sweep.Settle = 0
	return cfg
}

func newTestCollector(t *testing.T, cfg *config.Config, scope *fakeScope) *Collector {
	t.Helper()

	c := NewCollector(cfg, nil)
	if err := c.Attach(scope, scope); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return c
}

func TestSweepMeasuresEveryFrequencyInOrder(t *testing.T) {
	scope := &fakeScope{amp: constantAmp(0.15, 0.45), phaseB: 0.5}
	c := newTestCollector(t, testConfig(), scope)

	freqs := []float64{1000, 100, 10}
	var progress []int
	c.SetProgress(func(i, total int, p Point) {
		if total != len(freqs) {
			t.Errorf("progress total = %d, want %d", total, len(freqs))
		}
		progress = append(progress, i)
	})

	res, err := c.Sweep(context.Background(), freqs)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(res.Points) != len(freqs) {
		t.Fatalf("got %d points, want %d", len(res.Points), len(freqs))
	}

	for i, p := range res.Points {
		if p.Frequency != freqs[i] || scope.freqs[i] != freqs[i] {
			t.Errorf("point %d at %g Hz (generator %g Hz), want %g Hz", i, p.Frequency, scope.freqs[i], freqs[i])
		}
		if math.Abs(p.Gain-3) > 1e-3 {
			t.Errorf("point %d gain = %g, want 3", i, p.Gain)
		}
		if math.Abs(WrapPhase(p.Phase-0.5)) > 1e-3 {
			t.Errorf("point %d phase = %g, want 0.5", i, p.Phase)
		}
		if p.Warning != "" {
			t.Errorf("point %d unexpected warning %q", i, p.Warning)
		}
	}

	// 0.15 V on the 1 V start range moves A down once; B stays.
	first := res.Points[0]
	if first.Attempts != 2 || first.RangeA != 0.5 || first.RangeB != 1 {
		t.Errorf("first point attempts=%d ranges=%g/%g, want 2 and 0.5/1", first.Attempts, first.RangeA, first.RangeB)
	}
	for _, p := range res.Points[1:] {
		if p.Attempts != 1 {
			t.Errorf("settled ranges should need one capture, got %d at %g Hz", p.Attempts, p.Frequency)
		}
	}

	if len(progress) != len(freqs) || progress[2] != 2 {
		t.Errorf("progress calls = %v", progress)
	}
	if res.Finished.Before(res.Started) {
		t.Error("finish time before start time")
	}
}

func TestSweepUpShiftsClippedChannel(t *testing.T) {
	scope := &fakeScope{amp: constantAmp(0.15, 3)}
	c := newTestCollector(t, testConfig(), scope)

	res, err := c.Sweep(context.Background(), []float64{1000})
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	p := res.Points[0]
	if p.RangeB != 5 {
		t.Errorf("RangeB = %g, want 5", p.RangeB)
	}
	if math.Abs(p.Gain-20) > 0.02 {
		t.Errorf("gain = %g, want 20", p.Gain)
	}
	if p.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", p.Attempts)
	}
}

func TestSweepGeneratorFailureIsFatal(t *testing.T) {
	scope := &fakeScope{amp: constantAmp(0.15, 0.3), failAt: 2}
	c := newTestCollector(t, testConfig(), scope)

	res, err := c.Sweep(context.Background(), []float64{1000, 100, 10})

	var cmdErr *instrument.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Sweep() error = %v, want CommandError", err)
	}
	if cmdErr.Value != 100 {
		t.Errorf("failed command value = %g, want 100", cmdErr.Value)
	}
	if len(res.Points) != 1 {
		t.Errorf("got %d points before the failure, want 1", len(res.Points))
	}
	if len(scope.freqs) != 2 {
		t.Errorf("generator was asked for %d frequencies, want 2", len(scope.freqs))
	}
}

func TestSweepRangeBudgetExhausted(t *testing.T) {
	// B alternates between near full scale and almost nothing, so its range
	// never settles.
	scope := &fakeScope{
		amp: func(ch instrument.Channel, capture int, rangeV float64) float64 {
			if ch == instrument.ChannelA {
				return 0.15
			}
			if capture%2 == 1 {
				return 0.97 * rangeV
			}
			return 0.01 * rangeV
		},
	}
	c := newTestCollector(t, testConfig(), scope)

	res, err := c.Sweep(context.Background(), []float64{1000, 500})
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(res.Points) != 2 {
		t.Fatalf("got %d points, want 2", len(res.Points))
	}

	limit := c.Ranges().MaxAttempts()
	for _, p := range res.Points {
		if p.Attempts != limit {
			t.Errorf("attempts = %d, want %d", p.Attempts, limit)
		}
		if !strings.Contains(p.Warning, "did not settle") {
			t.Errorf("warning = %q, want range warning", p.Warning)
		}
	}
	if scope.captures != 2*limit {
		t.Errorf("captures = %d, want %d", scope.captures, 2*limit)
	}
}

func TestSweepZeroReference(t *testing.T) {
	scope := &fakeScope{amp: constantAmp(0, 0.3)}
	c := newTestCollector(t, testConfig(), scope)

	res, err := c.Sweep(context.Background(), []float64{1000})
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if p := res.Points[0]; p.Gain != 0 || p.Warning == "" {
		t.Errorf("point = %+v, want zero gain with a warning", p)
	}
}

func TestSweepCancellation(t *testing.T) {
	scope := &fakeScope{amp: constantAmp(0.15, 0.3)}
	c := newTestCollector(t, testConfig(), scope)

	ctx, cancel := context.WithCancel(context.Background())
	c.SetProgress(func(i, _ int, _ Point) {
		if i == 0 {
			cancel()
		}
	})

	res, err := c.Sweep(ctx, []float64{1000, 100, 10})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sweep() error = %v, want context.Canceled", err)
	}
	if len(res.Points) != 1 {
		t.Errorf("got %d points, want 1", len(res.Points))
	}
}

func TestSweepNotInitialized(t *testing.T) {
	c := NewCollector(testConfig(), nil)
	if _, err := c.Sweep(context.Background(), []float64{1}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Sweep() error = %v, want ErrNotInitialized", err)
	}
}

func TestAttachRejectsBadThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.DownShift = 0.99

	c := NewCollector(cfg, nil)
	if err := c.Attach(&fakeScope{}, &fakeScope{}); err == nil {
		t.Error("Attach() accepted down-shift above up-shift")
	}
}

type fakeGenerator struct {
	closed int
}

func (g *fakeGenerator) SetFrequency(float64) error { return nil }

func (g *fakeGenerator) Close() error {
	g.closed++
	return errors.New("port busy")
}

func TestCloseReleasesBothInstruments(t *testing.T) {
	scope := &fakeScope{amp: constantAmp(0.15, 0.3)}
	gen := &fakeGenerator{}

	c := NewCollector(testConfig(), nil)
	if err := c.Attach(scope, gen); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	err := c.Close()
	if err == nil || !strings.Contains(err.Error(), "port busy") {
		t.Errorf("Close() error = %v, want generator error", err)
	}
	if scope.closed != 1 || gen.closed != 1 {
		t.Errorf("closed scope %d times and generator %d times, want 1 each", scope.closed, gen.closed)
	}
}

func TestCloseSharedInstrumentOnce(t *testing.T) {
	scope := &fakeScope{amp: constantAmp(0.15, 0.3)}
	c := newTestCollector(t, testConfig(), scope)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if scope.closed != 1 {
		t.Errorf("closed %d times, want 1", scope.closed)
	}
}

func TestWrapPhase(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{1.5 * math.Pi, -0.5 * math.Pi},
		{-5, 2*math.Pi - 5},
		{7, 7 - 2*math.Pi},
	}

	for _, tt := range tests {
		if got := WrapPhase(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("WrapPhase(%g) = %g, want %g", tt.in, got, tt.want)
		}
	}
}

func TestSweepSimulatedBandPass(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sweep.Settle = 0
	cfg.Sweep.WrapPhase = true

	sim := picoscope.NewSimulator(picoscope.Options{})
	c := NewCollector(cfg, nil)
	if err := c.Attach(sim, sim); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer c.Close()

	freqs := []float64{10000, 1000, 100, 10}
	res, err := c.Sweep(context.Background(), freqs)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	for _, p := range res.Points {
		h := picoscope.DefaultDUT.Response(p.Frequency)

		if want := cmplx.Abs(h); math.Abs(p.Gain-want)/want > 0.02 {
			t.Errorf("%g Hz: gain = %g, want %g", p.Frequency, p.Gain, want)
		}

		// The extractor models a·sin(ωt − φ), so the DUT phase shows up negated.
		if want := WrapPhase(-cmplx.Phase(h)); math.Abs(WrapPhase(p.Phase-want)) > 0.02 {
			t.Errorf("%g Hz: phase = %g, want %g", p.Frequency, p.Phase, want)
		}
	}
}
