package report

import (
	"fmt"
	"math"

	"freqresp/internal/collector"
	"freqresp/internal/gainfit"
)

// FitTable returns the fitted parameters as rows for a terminal table,
// header first.
func FitTable(r *gainfit.Result) [][]string {
	rows := [][]string{{"Parameter", "Value"}}
	for _, f := range r.Params.Fields() {
		rows = append(rows, []string{f.Name, fmt.Sprintf("%.3f", f.Value)})
	}
	return rows
}

// FitErrorLine summarizes the first-pass residuals.
func FitErrorLine(r *gainfit.Result) string {
	return fmt.Sprintf("error mean: %.4g  90th percentile: %.4g", r.MeanSquaredError, r.Threshold)
}

// PointsTable returns the measured points as rows for a terminal table,
// header first. Phase is shown in degrees.
func PointsTable(points []collector.Point) [][]string {
	rows := [][]string{{"#", "Frequency (Hz)", "Gain", "Phase (°)", "Range A", "Range B", "Captures", "Warning"}}
	for i, p := range points {
		rows = append(rows, []string{
			fmt.Sprint(i + 1),
			fmt.Sprintf("%.4g", p.Frequency),
			fmt.Sprintf("%.4f", p.Gain),
			fmt.Sprintf("%.1f", collector.WrapPhase(p.Phase)*180/math.Pi),
			fmt.Sprintf("%g V", p.RangeA),
			fmt.Sprintf("%g V", p.RangeB),
			fmt.Sprint(p.Attempts),
			p.Warning,
		})
	}
	return rows
}
