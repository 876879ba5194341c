// Package collector runs frequency-response sweeps: it steps the signal
// generator through a frequency list, captures both scope channels with
// automatic range selection and reduces every step to gain and phase.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"freqresp/internal/autorange"
	"freqresp/internal/config"
	"freqresp/internal/instrument"
	"freqresp/internal/logging"
	"freqresp/internal/picoscope"
	"freqresp/internal/siggen"
	"freqresp/internal/sinefit"

	"github.com/pterm/pterm"
)

// Point is the measurement at one sweep frequency.
type Point struct {
	Frequency  float64 `json:"frequency"`   // Hz, as requested
	Gain       float64 `json:"gain"`        // amplitude B / amplitude A
	Phase      float64 `json:"phase"`       // phase B - phase A, radians
	RangeA     float64 `json:"range_a"`     // full-scale volts of the accepted capture
	RangeB     float64 `json:"range_b"`     // full-scale volts of the accepted capture
	AmplitudeA float64 `json:"amplitude_a"` // volts
	AmplitudeB float64 `json:"amplitude_b"` // volts
	Attempts   int     `json:"attempts"`    // captures taken at this frequency
	Warning    string  `json:"warning,omitempty"`
}

// Result is a completed (or aborted) sweep. Points follow the order of the
// requested frequencies.
type Result struct {
	Points     []Point
	Started    time.Time
	Finished   time.Time
	DeviceInfo string
}

// Frequencies returns the frequency column of the result.
func (r *Result) Frequencies() []float64 {
	f := make([]float64, len(r.Points))
	for i, p := range r.Points {
		f[i] = p.Frequency
	}
	return f
}

// Gains returns the gain column of the result.
func (r *Result) Gains() []float64 {
	g := make([]float64, len(r.Points))
	for i, p := range r.Points {
		g[i] = p.Gain
	}
	return g
}

// Options holds the per-step acquisition settings.
type Options struct {
	SamplesPerCycle float64
	Samples         int
	Settle          time.Duration
	TriggerLevel    float64 // volts on channel A
	WrapPhase       bool    // report phase in (-π, π]
}

// ErrNotInitialized is returned by Sweep before Initialize or Attach.
var ErrNotInitialized = errors.New("collector: instruments not initialized")

// ProgressFunc is called after every completed frequency step.
type ProgressFunc func(index, total int, p Point)

type Collector struct {
	config *config.Config
	logger *pterm.Logger

	scope     instrument.Scope
	generator instrument.SignalGenerator
	ranges    *autorange.Controller
	extractor sinefit.Extractor
	opts      Options
	info      string
	progress  ProgressFunc
}

// NewCollector creates a collector for cfg. A nil logger discards output.
func NewCollector(cfg *config.Config, logger *pterm.Logger) *Collector {
	if logger == nil {
		logger = logging.Discard()
	}

	return &Collector{
		config: cfg,
		logger: logger,
		opts: Options{
			SamplesPerCycle: cfg.Sweep.SamplesPerCycle,
			Samples:         cfg.Sweep.Samples,
			Settle:          cfg.Sweep.Settle,
			TriggerLevel:    cfg.Scope.TriggerLevel,
			WrapPhase:       cfg.Sweep.WrapPhase,
		},
	}
}

// Initialize opens the scope and the signal generator named by the
// configuration and prepares both channels.
func (c *Collector) Initialize() error {
	scope, err := picoscope.Open(picoscope.Options{
		SerialNumber:   c.config.Scope.SerialNumber,
		Inputs:         [2]string{c.config.Scope.ChannelA, c.config.Scope.ChannelB},
		DriveVpp:       c.config.Generator.Amplitude,
		DriveOffset:    c.config.Generator.Offset,
		CaptureTimeout: c.config.Scope.CaptureTimeout,
		Noise:          c.config.Scope.SimulatedNoise,
	})
	if err != nil {
		return fmt.Errorf("failed to open scope: %w", err)
	}

	var generator instrument.SignalGenerator = scope
	if c.config.Generator.Mode == "scpi" {
		gen, err := siggen.Open(siggen.Options{
			Port:      c.config.Generator.Port,
			BaudRate:  c.config.Generator.BaudRate,
			Timeout:   c.config.Generator.Timeout,
			Amplitude: c.config.Generator.Amplitude,
			Offset:    c.config.Generator.Offset,
		})
		if err != nil {
			scope.Close()
			return fmt.Errorf("failed to open signal generator: %w", err)
		}
		generator = gen
	}

	if err := c.Attach(scope, generator); err != nil {
		c.Close()
		return err
	}

	c.info = scope.Info()
	if picoscope.Simulated {
		c.logger.Warn("built without ps6000 support, using the simulated scope")
	}
	return nil
}

// Attach wires already opened instruments, builds the range controller
// and configures channels and trigger. The collector takes ownership of
// both instruments.
func (c *Collector) Attach(scope instrument.Scope, generator instrument.SignalGenerator) error {
	c.scope = scope
	c.generator = generator

	coupling, err := instrument.ParseCoupling(c.config.Scope.Coupling)
	if err != nil {
		return err
	}

	table, err := autorange.NewTable(c.config.Scope.Ranges)
	if err != nil {
		return fmt.Errorf("failed to build range table: %w", err)
	}

	setup := autorange.ChannelSetup{Coupling: coupling, Attenuation: c.config.Scope.Attenuation}
	start := [2]int{c.config.Sweep.StartIndexA, c.config.Sweep.StartIndexB}

	c.ranges, err = autorange.NewController(table, start, [2]autorange.ChannelSetup{setup, setup}, scope)
	if err != nil {
		return fmt.Errorf("failed to create range controller: %w", err)
	}
	c.ranges.DownShift = c.config.Sweep.DownShift
	c.ranges.UpShift = c.config.Sweep.UpShift
	if err := c.ranges.Validate(); err != nil {
		return err
	}

	if err := c.ranges.Configure(); err != nil {
		return fmt.Errorf("failed to configure channels: %w", err)
	}

	if err := scope.SetTrigger(instrument.ChannelA, c.opts.TriggerLevel); err != nil {
		return fmt.Errorf("failed to set trigger: %w", err)
	}

	return nil
}

// SetProgress installs a callback run after every frequency step.
func (c *Collector) SetProgress(fn ProgressFunc) {
	c.progress = fn
}

// SetExtractor replaces the sine extractor settings.
func (c *Collector) SetExtractor(e sinefit.Extractor) {
	c.extractor = e
}

// Ranges exposes the range controller, mainly for inspection.
func (c *Collector) Ranges() *autorange.Controller {
	return c.ranges
}

// Sweep measures every frequency in order and returns one point per
// frequency. A hardware command failure, capture failure, or cancellation
// of ctx aborts the sweep; the points measured so far are returned along
// with the error.
func (c *Collector) Sweep(ctx context.Context, freqs []float64) (*Result, error) {
	if c.scope == nil || c.generator == nil || c.ranges == nil {
		return nil, ErrNotInitialized
	}

	res := &Result{
		Points:     make([]Point, 0, len(freqs)),
		Started:    time.Now(),
		DeviceInfo: c.info,
	}
	defer func() { res.Finished = time.Now() }()

	c.logger.Info("sweep started", c.logger.Args("points", len(freqs), "device", c.info))

	for i, f := range freqs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("sweep cancelled before %g Hz: %w", f, err)
		}

		p, err := c.measure(ctx, f)
		if err != nil {
			return res, fmt.Errorf("sweep aborted at %g Hz (step %d of %d): %w", f, i+1, len(freqs), err)
		}

		res.Points = append(res.Points, p)
		if c.progress != nil {
			c.progress(i, len(freqs), p)
		}
	}

	c.logger.Info("sweep finished", c.logger.Args("points", len(res.Points), "elapsed", time.Since(res.Started).Round(time.Millisecond)))
	return res, nil
}

// measure runs one frequency step.
func (c *Collector) measure(ctx context.Context, freq float64) (Point, error) {
	if err := c.generator.SetFrequency(freq); err != nil {
		return Point{}, fmt.Errorf("failed to set generator frequency: %w", err)
	}

	if err := sleep(ctx, c.opts.Settle); err != nil {
		return Point{}, err
	}

	rate, err := c.scope.SetSampleRate(freq*c.opts.SamplesPerCycle, c.opts.Samples)
	if err != nil {
		return Point{}, fmt.Errorf("failed to set sample rate: %w", err)
	}

	limit := c.ranges.MaxAttempts()
	for attempt := 1; ; attempt++ {
		used := [2]float64{c.ranges.Range(instrument.ChannelA), c.ranges.Range(instrument.ChannelB)}

		a, b, err := c.scope.CaptureBlock(ctx)
		if err != nil {
			return Point{}, fmt.Errorf("capture failed: %w", err)
		}

		data := [2][]float64{a, b}
		var (
			fits  [2]sinefit.Params
			peaks [2]float64
			fitOK = true
		)
		for _, ch := range instrument.Channels {
			capture := instrument.NewCapture(data[ch], rate, freq)
			peaks[ch] = capture.Peak()

			fits[ch], err = c.extractor.Fit(capture.Time, capture.Voltage, freq)
			if err == nil {
				continue
			}

			// A fit may fail on a clipped waveform; the up-shift below retries it.
			if !c.clipping(ch, peaks[ch]) {
				return Point{}, fmt.Errorf("channel %s: %w", ch, err)
			}
			c.logger.Debug("sine fit failed on clipped capture", c.logger.Args("frequency", freq, "channel", ch.String(), "peak", peaks[ch]))
			fitOK = false
		}

		decision, err := c.ranges.Evaluate(peaks[0], peaks[1])
		if err != nil {
			return Point{}, err
		}

		c.logger.Trace("capture", c.logger.Args(
			"frequency", freq, "attempt", attempt,
			"peak_a", peaks[0], "peak_b", peaks[1],
			"a", decision.Transitions[0].String(), "b", decision.Transitions[1].String()))

		if !decision.Recapture && fitOK {
			return c.point(freq, used, fits, attempt, ""), nil
		}

		if attempt >= limit {
			if !fitOK {
				return Point{}, fmt.Errorf("no usable capture after %d attempts: %w", attempt, sinefit.ErrFitConvergence)
			}

			nc := &autorange.NotConvergedError{
				Frequency: freq,
				Attempts:  attempt,
				Index:     [2]int{c.ranges.Index(instrument.ChannelA), c.ranges.Index(instrument.ChannelB)},
			}
			c.logger.Warn("range did not settle, keeping last capture", c.logger.Args("frequency", freq, "attempts", attempt))
			return c.point(freq, used, fits, attempt, nc.Error()), nil
		}
	}
}

// clipping reports whether ch is near full scale with a larger range left.
func (c *Collector) clipping(ch instrument.Channel, peak float64) bool {
	return c.ranges.CanUpShift(ch) && peak > c.ranges.UpShift*c.ranges.Range(ch)
}

func (c *Collector) point(freq float64, used [2]float64, fits [2]sinefit.Params, attempts int, warning string) Point {
	a, b := fits[instrument.ChannelA], fits[instrument.ChannelB]

	p := Point{
		Frequency:  freq,
		Phase:      b.Phase - a.Phase,
		RangeA:     used[0],
		RangeB:     used[1],
		AmplitudeA: a.Amplitude,
		AmplitudeB: b.Amplitude,
		Attempts:   attempts,
		Warning:    warning,
	}

	if a.Amplitude > 0 {
		p.Gain = b.Amplitude / a.Amplitude
	} else {
		p.Warning = joinWarning(p.Warning, "no signal on reference channel")
		c.logger.Warn("reference amplitude is zero", c.logger.Args("frequency", freq))
	}

	if c.opts.WrapPhase {
		p.Phase = WrapPhase(p.Phase)
	}

	return p
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// WrapPhase maps a phase difference into (-π, π].
func WrapPhase(phi float64) float64 {
	phi = math.Mod(phi, 2*math.Pi)
	switch {
	case phi > math.Pi:
		phi -= 2 * math.Pi
	case phi <= -math.Pi:
		phi += 2 * math.Pi
	}
	return phi
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the scope and, when it is a separate instrument, the
// signal generator.
func (c *Collector) Close() error {
	var errs []error

	if closer, ok := c.generator.(io.Closer); ok && any(c.generator) != any(c.scope) {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("generator close error: %w", err))
		}
	}

	if c.scope != nil {
		if err := c.scope.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scope close error: %w", err))
		}
	}

	c.scope, c.generator = nil, nil

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %w", errors.Join(errs...))
	}
	return nil
}
