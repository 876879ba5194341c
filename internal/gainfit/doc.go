// Package gainfit fits a parametric band-pass magnitude model to measured
// gain-versus-frequency points.
//
// Two model kinds are supported. Simple is a cascaded low-pass/high-pass
// magnitude with non-integer orders:
//
//	g(f) = gain / (|1 + j·f/cutoffH|^orderH · |1 + j·cutoffL/f|^orderL)
//
// Hybrid blends that physical model with a fourth-degree polynomial in
// log10(f·sqrt(cutoffL/cutoffH)), weighted by (lowpass·highpass)² so the
// polynomial shapes the pass band and the physical model the skirts.
//
// Fitting runs in two passes: a bounded least-squares fit, removal of the
// points whose squared residual lies above a percentile (90th by default),
// and a refit on the remaining points seeded with the first result.
package gainfit
