package report

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"freqresp/internal/collector"
	"freqresp/internal/gainfit"
	"freqresp/internal/spectrum"

	"gonum.org/v1/plot/vg"
)

func bandPassPoints() []collector.Point {
	model := gainfit.Params{Kind: gainfit.Simple, Gain: 2, CutoffL: 20, CutoffH: 5000, OrderL: 1, OrderH: 1}

	var points []collector.Point
	for f := 1.0; f <= 1e5; f *= 2 {
		points = append(points, collector.Point{Frequency: f, Gain: model.Eval(f), Phase: -0.3, Attempts: 1, RangeA: 0.2, RangeB: 0.5})
	}
	points[3].Warning = "range did not settle"
	return points
}

func TestBodeRender(t *testing.T) {
	model := gainfit.Params{Kind: gainfit.Simple, Gain: 2, CutoffL: 20, CutoffH: 5000, OrderL: 1, OrderH: 1}

	b, err := NewBode("DUT", bandPassPoints(), model.Eval)
	if err != nil {
		t.Fatalf("NewBode() error = %v", err)
	}

	png, err := b.Render(4*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		t.Fatalf("Render(png) error = %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("PNG output lacks PNG signature")
	}

	svg, err := b.Render(4*vg.Inch, 4*vg.Inch, "svg")
	if err != nil {
		t.Fatalf("Render(svg) error = %v", err)
	}
	if !strings.Contains(string(svg), "<svg") {
		t.Error("SVG output lacks <svg element")
	}

	if _, err := b.Render(vg.Inch, vg.Inch, "bmp"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Render(bmp) error = %v, want ErrUnknownFormat", err)
	}
}

func TestBodeSave(t *testing.T) {
	b, err := NewBode("DUT", bandPassPoints(), nil)
	if err != nil {
		t.Fatalf("NewBode() error = %v", err)
	}

	filename := filepath.Join(t.TempDir(), "bode.svg")
	if err := b.Save(filename); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if info, err := os.Stat(filename); err != nil || info.Size() == 0 {
		t.Errorf("plot file missing or empty: %v", err)
	}
}

func TestBodeWithoutPositiveGain(t *testing.T) {
	points := []collector.Point{{Frequency: 10}, {Frequency: 100}}

	b, err := NewBode("dead channel", points, nil)
	if err != nil {
		t.Fatalf("NewBode() error = %v", err)
	}
	if _, err := b.Render(3*vg.Inch, 3*vg.Inch, "png"); err != nil {
		t.Errorf("Render() error = %v", err)
	}
}

func TestBodeNoData(t *testing.T) {
	if _, err := NewBode("empty", nil, nil); !errors.Is(err, ErrNoData) {
		t.Errorf("NewBode() error = %v, want ErrNoData", err)
	}
}

func TestDensityPlot(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	v := make([]float64, 4096)
	for i := range v {
		v[i] = rng.NormFloat64() * 1e-4
	}

	d, err := spectrum.Welch(v, 1e4, spectrum.Options{Segment: 512})
	if err != nil {
		t.Fatal(err)
	}

	p, err := NewDensityPlot("noise", d)
	if err != nil {
		t.Fatalf("NewDensityPlot() error = %v", err)
	}
	if err := p.Save(3*vg.Inch, 3*vg.Inch, filepath.Join(t.TempDir(), "noise.png")); err != nil {
		t.Errorf("Save() error = %v", err)
	}
}

func TestWritePDF(t *testing.T) {
	points := bandPassPoints()
	freq := make([]float64, len(points))
	gain := make([]float64, len(points))
	for i, p := range points {
		freq[i], gain[i] = p.Frequency, p.Gain
	}

	fit, err := gainfit.Fit(gainfit.Simple, freq, gain)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	b, err := NewBode("DUT", points, fit.Func())
	if err != nil {
		t.Fatal(err)
	}
	png, err := b.Render(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		t.Fatal(err)
	}

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	filename := filepath.Join(t.TempDir(), "report.pdf")
	err = WritePDF(filename, Summary{
		Title:      "Frequency response",
		SweepID:    "sweep_1",
		DeviceInfo: "simulator",
		Started:    started,
		Finished:   started.Add(time.Minute),
		Points:     points,
		Fit:        fit,
		Plot:       png,
	})
	if err != nil {
		t.Fatalf("WritePDF() error = %v", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Error("output is not a PDF")
	}
	if math.IsNaN(fit.Threshold) {
		t.Error("fit threshold is NaN")
	}
}

func TestTables(t *testing.T) {
	points := bandPassPoints()

	rows := PointsTable(points)
	if len(rows) != len(points)+1 {
		t.Fatalf("got %d rows, want %d", len(rows), len(points)+1)
	}
	if rows[1][1] != "1" || rows[1][3] != "-17.2" || rows[4][7] == "" {
		t.Errorf("unexpected rows %q", rows[:5])
	}

	fit := &gainfit.Result{
		Params:           gainfit.Params{Kind: gainfit.Simple, Gain: 2, CutoffL: 20, CutoffH: 5000, OrderL: 1, OrderH: 1},
		MeanSquaredError: 1e-4,
		Threshold:        2e-4,
	}
	ft := FitTable(fit)
	if len(ft) != 6 || ft[1][1] != "2.000" {
		t.Errorf("FitTable() = %q", ft)
	}
	if got := FitErrorLine(fit); got != "error mean: 0.0001  90th percentile: 0.0002" {
		t.Errorf("FitErrorLine() = %q", got)
	}
}
