package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Errors returned by Fit.
var (
	ErrNoConvergence  = errors.New("lsq: solver did not converge")
	ErrTooFewPoints   = errors.New("lsq: fewer data points than parameters")
	ErrLengthMismatch = errors.New("lsq: x and y lengths differ")
	ErrBounds         = errors.New("lsq: invalid parameter bounds")
	ErrNonFinite      = errors.New("lsq: non-finite residual")
)

const (
	// diagFloor keeps the Marquardt scaling positive for parameters the
	// model is insensitive to.
	diagFloor = 1e-12

	minDamping = 1e-15
)

// Model evaluates the fitted function at x for parameter vector p.
// Implementations must not retain or modify p.
type Model func(x float64, p []float64) float64

// Bounds holds per-parameter box constraints. Lower[i] <= Upper[i].
type Bounds struct {
	Lower []float64
	Upper []float64
}

// Settings controls solver termination.
type Settings struct {
	MaxIterations  int     // trial steps, accepted or rejected
	FTol           float64 // relative cost reduction considered converged
	XTol           float64 // per-parameter relative step considered converged
	InitialDamping float64 // starting Marquardt parameter
}

// DefaultSettings returns the solver defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:  500,
		FTol:           1e-10,
		XTol:           1e-10,
		InitialDamping: 1e-3,
	}
}

// Result is the outcome of a converged fit.
type Result struct {
	Params     []float64 // fitted parameters, inside bounds
	Cost       float64   // half the sum of squared residuals
	Iterations int       // trial steps taken
}

// Validate checks that the bounds match m parameters and are ordered.
func (b Bounds) Validate(m int) error {
	if len(b.Lower) != m || len(b.Upper) != m {
		return fmt.Errorf("%w: have %d/%d bounds for %d parameters", ErrBounds, len(b.Lower), len(b.Upper), m)
	}

	for i := range b.Lower {
		if math.IsNaN(b.Lower[i]) || math.IsNaN(b.Upper[i]) || b.Lower[i] > b.Upper[i] {
			return fmt.Errorf("%w: parameter %d has [%g, %g]", ErrBounds, i, b.Lower[i], b.Upper[i])
		}
	}

	return nil
}

// Clamp projects p onto the box in place and returns it.
func (b Bounds) Clamp(p []float64) []float64 {
	for i := range p {
		p[i] = math.Min(math.Max(p[i], b.Lower[i]), b.Upper[i])
	}
	return p
}

// Residuals returns y - model(x, p) for every sample.
func Residuals(model Model, x, y, p []float64) []float64 {
	r := make([]float64, len(x))
	for i := range x {
		r[i] = y[i] - model(x[i], p)
	}
	return r
}

// Fit minimizes the sum of squared residuals of model against (x, y),
// starting from p0 and honoring bounds. A nil settings uses DefaultSettings.
//
// The returned error wraps ErrNoConvergence when the iteration budget is
// exhausted before the cost or step tolerances are met.
func Fit(model Model, x, y, p0 []float64, bounds Bounds, settings *Settings) (*Result, error) {
	n, m := len(x), len(p0)
	if len(y) != n {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, n, len(y))
	}

	if n < m {
		return nil, fmt.Errorf("%w: %d points, %d parameters", ErrTooFewPoints, n, m)
	}

	if err := bounds.Validate(m); err != nil {
		return nil, err
	}

	s := DefaultSettings()
	if settings != nil {
		s = *settings
	}

	p := bounds.Clamp(append([]float64(nil), p0...))
	r := make([]float64, n)

	cost, err := evalCost(model, x, y, p, r)
	if err != nil {
		return nil, err
	}

	var (
		jac    = mat.NewDense(n, m, nil)
		normal = mat.NewSymDense(m, nil)
		grad   = mat.NewVecDense(m, nil)
		diag   = make([]float64, m)
		trial  = make([]float64, m)
		step   = make([]float64, m)
		rTrial = make([]float64, n)
	)

	lambda := s.InitialDamping
	stale := true

	for iter := 1; iter <= s.MaxIterations; iter++ {
		if cost == 0 {
			return &Result{Params: p, Cost: 0, Iterations: iter - 1}, nil
		}

		if stale {
			jacobian(model, x, p, bounds, jac)
			normal.SymOuterK(1, jac.T())
			grad.MulVec(jac.T(), mat.NewVecDense(n, r))

			for j := range diag {
				diag[j] = math.Max(normal.At(j, j), diagFloor)
			}
			stale = false
		}

		delta, free, ok := boundedStep(normal, grad, diag, lambda, p, bounds)
		if !ok {
			lambda *= 10
			continue
		}

		// Every parameter is held at a bound the gradient pushes against.
		if free == 0 {
			return &Result{Params: p, Cost: cost, Iterations: iter}, nil
		}

		for j := range trial {
			trial[j] = p[j] + delta[j]
		}
		bounds.Clamp(trial)
		floats.SubTo(step, trial, p)

		small := true
		for j := range step {
			if math.Abs(step[j]) > s.XTol*(s.XTol+math.Abs(p[j])) {
				small = false
				break
			}
		}

		trialCost, err := evalCost(model, x, y, trial, rTrial)
		if err == nil && trialCost < cost {
			reduction := (cost - trialCost) / cost
			copy(p, trial)
			copy(r, rTrial)
			cost = trialCost
			stale = true

			nearGaussNewton := lambda <= 1
			lambda = math.Max(lambda/10, minDamping)

			if nearGaussNewton && (reduction <= s.FTol || small) {
				return &Result{Params: p, Cost: cost, Iterations: iter}, nil
			}
			continue
		}

		// No descent from a vanishing step: p is a (bounded) local minimum.
		if small {
			return &Result{Params: p, Cost: cost, Iterations: iter}, nil
		}

		lambda *= 10
	}

	return nil, fmt.Errorf("%w after %d iterations (cost %g)", ErrNoConvergence, s.MaxIterations, cost)
}

// boundedStep solves (JᵀJ + λ·D) δ = Jᵀr over the free parameters and
// returns δ with zeros for the held ones, and the number of free ones.
// A parameter is held when it sits on a bound and either the gradient or
// the solved step points out of the box; the system is solved again
// without it.
func boundedStep(normal *mat.SymDense, grad *mat.VecDense, diag []float64, lambda float64, p []float64, bounds Bounds) ([]float64, int, bool) {
	m := len(diag)
	held := make([]bool, m)
	for j := 0; j < m; j++ {
		held[j] = outward(p[j], grad.AtVec(j), bounds.Lower[j], bounds.Upper[j])
	}

	delta := make([]float64, m)
	for {
		var idx []int
		for j := 0; j < m; j++ {
			if !held[j] {
				idx = append(idx, j)
			}
		}
		for j := range delta {
			delta[j] = 0
		}
		if len(idx) == 0 {
			return delta, 0, true
		}

		k := len(idx)
		damped := mat.NewSymDense(k, nil)
		rhs := mat.NewVecDense(k, nil)
		for a, ja := range idx {
			for b := a; b < k; b++ {
				damped.SetSym(a, b, normal.At(ja, idx[b]))
			}
			damped.SetSym(a, a, normal.At(ja, ja)+lambda*diag[ja])
			rhs.SetVec(a, grad.AtVec(ja))
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(damped); !ok {
			return nil, 0, false
		}

		var sol mat.VecDense
		if err := chol.SolveVecTo(&sol, rhs); err != nil {
			return nil, 0, false
		}

		changed := false
		for a, j := range idx {
			d := sol.AtVec(a)
			if math.IsNaN(d) || math.IsInf(d, 0) {
				return nil, 0, false
			}
			delta[j] = d
			if outward(p[j], d, bounds.Lower[j], bounds.Upper[j]) {
				held[j] = true
				changed = true
			}
		}
		if !changed {
			return delta, k, true
		}
	}
}

// outward reports whether moving v along dir would leave [lo, hi].
func outward(v, dir, lo, hi float64) bool {
	return (v <= lo && dir < 0) || (v >= hi && dir > 0)
}

// evalCost fills r with residuals and returns half their squared sum.
func evalCost(model Model, x, y, p, r []float64) (float64, error) {
	for i := range x {
		r[i] = y[i] - model(x[i], p)
		if math.IsNaN(r[i]) || math.IsInf(r[i], 0) {
			return 0, fmt.Errorf("%w at x=%g", ErrNonFinite, x[i])
		}
	}

	return 0.5 * floats.Dot(r, r), nil
}

// jacobian estimates d model / d p by forward differences.
func jacobian(model Model, x, p []float64, bounds Bounds, jac *mat.Dense) {
	base := make([]float64, len(x))
	for i := range x {
		base[i] = model(x[i], p)
	}

	shifted := append([]float64(nil), p...)
	sqrtEps := math.Sqrt(2.220446049250313e-16)

	for j := range p {
		h := sqrtEps * math.Max(math.Abs(p[j]), 1)
		if p[j]+h > bounds.Upper[j] {
			h = -h
		}

		shifted[j] = p[j] + h
		for i := range x {
			d := (model(x[i], shifted) - base[i]) / h
			if math.IsNaN(d) || math.IsInf(d, 0) {
				d = 0
			}
			jac.Set(i, j, d)
		}
		shifted[j] = p[j]
	}
}
