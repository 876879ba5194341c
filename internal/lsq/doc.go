// Package lsq implements a bounded Levenberg-Marquardt solver for fitting
// a scalar model y = f(x; p) to sampled data.
//
// Parameters are kept inside their box constraints. A parameter sitting on
// a bound that the gradient or the solved step pushes against is held
// there for the step and the damped system is solved for the others;
// trial steps are then projected onto the bounds. The Jacobian is estimated with forward
// differences, stepping backwards when a parameter sits at its upper bound.
//
// # Usage
//
//	res, err := lsq.Fit(model, x, y, []float64{1, 0}, lsq.Bounds{
//	    Lower: []float64{0, -1},
//	    Upper: []float64{10, 1},
//	}, nil)
//	if errors.Is(err, lsq.ErrNoConvergence) {
//	    // iteration budget exhausted
//	}
package lsq
