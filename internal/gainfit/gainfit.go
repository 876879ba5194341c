package gainfit

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"freqresp/internal/lsq"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Errors returned by the fitter.
var (
	ErrFitConvergence   = lsq.ErrNoConvergence
	ErrInsufficientData = errors.New("gainfit: fewer points than model parameters")
	ErrLengthMismatch   = errors.New("gainfit: frequency and gain lengths differ")
	ErrInvalidInput     = errors.New("gainfit: frequencies must be positive and gains finite")
	ErrUnknownKind      = errors.New("gainfit: unknown model kind")
	ErrPercentile       = errors.New("gainfit: trim percentile must be in (0, 100]")
)

// DefaultTrimPercentile is the squared-residual percentile above which
// first-pass points are dropped.
const DefaultTrimPercentile = 90.0

// solveFunc matches lsq.Fit.
type solveFunc func(model lsq.Model, x, y, p0 []float64, bounds lsq.Bounds, settings *lsq.Settings) (*lsq.Result, error)

// Fitter runs the fit, trim, refit procedure for one model kind.
type Fitter struct {
	Kind           Kind
	TrimPercentile float64       // zero means DefaultTrimPercentile
	Settings       *lsq.Settings // nil means the package defaults

	solve solveFunc
}

// NewFitter returns a Fitter with default settings.
func NewFitter(kind Kind) *Fitter {
	return &Fitter{Kind: kind, TrimPercentile: DefaultTrimPercentile}
}

// Fit fits kind to (freq, gain) with a default Fitter.
func Fit(kind Kind, freq, gain []float64) (*Result, error) {
	return NewFitter(kind).Fit(freq, gain)
}

// Result is the outcome of a two-pass fit.
type Result struct {
	Params    Params // refit on the trimmed points
	FirstPass Params // fit on all points

	// Threshold is the squared-residual cut applied after the first pass;
	// MeanSquaredError is the first-pass mean of squared residuals.
	Threshold        float64
	MeanSquaredError float64

	Used    []int // indices of points kept for the refit
	Dropped []int // indices of points removed as outliers
}

// Func returns the fitted model as a plain function of frequency.
func (r *Result) Func() func(float64) float64 {
	return r.Params.Eval
}

func defaultSettings() *lsq.Settings {
	s := lsq.DefaultSettings()
	s.MaxIterations = 2000
	return &s
}

// Fit fits the model to the measured points. Points with a squared
// first-pass residual above the trim percentile are excluded from the refit;
// ties with the threshold are kept.
func (ft *Fitter) Fit(freq, gain []float64) (*Result, error) {
	m, ok := models[ft.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(ft.Kind))
	}

	if len(freq) != len(gain) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(freq), len(gain))
	}

	if len(freq) < len(m.names) {
		return nil, fmt.Errorf("%w: %d points for %d parameters (%s)", ErrInsufficientData, len(freq), len(m.names), ft.Kind)
	}

	for i := range freq {
		if !(freq[i] > 0) || math.IsInf(freq[i], 0) || math.IsNaN(gain[i]) || math.IsInf(gain[i], 0) {
			return nil, fmt.Errorf("%w: point %d (%g Hz, %g)", ErrInvalidInput, i, freq[i], gain[i])
		}
	}

	if floats.Norm(gain, math.Inf(1)) == 0 {
		return nil, fmt.Errorf("%w: gain is zero at every frequency", ErrFitConvergence)
	}

	pct := ft.TrimPercentile
	if pct == 0 {
		pct = DefaultTrimPercentile
	}
	if !(pct > 0 && pct <= 100) {
		return nil, fmt.Errorf("%w: %g", ErrPercentile, pct)
	}

	solve := ft.solve
	if solve == nil {
		solve = lsq.Fit
	}

	settings := ft.Settings
	if settings == nil {
		settings = defaultSettings()
	}

	bounds := lsq.Bounds{Lower: m.lower, Upper: m.upper}

	first, err := solve(m.eval, freq, gain, m.guess, bounds, settings)
	if err != nil {
		return nil, fmt.Errorf("first pass %s fit: %w", ft.Kind, err)
	}

	sq := lsq.Residuals(m.eval, freq, gain, first.Params)
	for i := range sq {
		sq[i] *= sq[i]
	}

	threshold := Percentile(sq, pct)

	res := &Result{
		FirstPass:        paramsFromVector(ft.Kind, first.Params),
		Threshold:        threshold,
		MeanSquaredError: stat.Mean(sq, nil),
	}

	var keptF, keptG []float64
	for i, e := range sq {
		if e <= threshold {
			res.Used = append(res.Used, i)
			keptF = append(keptF, freq[i])
			keptG = append(keptG, gain[i])
		} else {
			res.Dropped = append(res.Dropped, i)
		}
	}

	if len(keptF) < len(m.names) {
		return nil, fmt.Errorf("%w: %d points left after trimming", ErrInsufficientData, len(keptF))
	}

	second, err := solve(m.eval, keptF, keptG, first.Params, bounds, settings)
	if err != nil {
		return nil, fmt.Errorf("refit %s on %d points: %w", ft.Kind, len(keptF), err)
	}

	res.Params = paramsFromVector(ft.Kind, second.Params)
	return res, nil
}

// Percentile returns the p-th percentile (0..100) of values using linear
// interpolation between closest ranks, the position being p/100·(n−1) in
// sorted order. It returns NaN for an empty slice.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	if lo >= n-1 {
		return sorted[n-1]
	}
	if lo < 0 {
		return sorted[0]
	}

	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
