// Package report renders sweep results: Bode plots of measured gain and
// phase with an optional fitted model, noise density plots, and a PDF
// summary.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"freqresp/internal/collector"
	"freqresp/internal/spectrum"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgsvg"
)

// Errors returned by the plot functions.
var (
	ErrNoData        = errors.New("report: nothing to plot")
	ErrUnknownFormat = errors.New("report: unknown image format")
)

const modelPoints = 200

// DefaultPlotSize is the edge length of saved Bode plots.
const DefaultPlotSize = 8 * vg.Inch

var (
	measuredColor = color.RGBA{B: 200, A: 255}
	modelColor    = color.RGBA{R: 220, A: 255}
)

// Bode holds the magnitude and phase plots of one sweep.
type Bode struct {
	Gain  *plot.Plot
	Phase *plot.Plot
}

// NewBode plots the measured points on logarithmic frequency axes. When
// model is not nil it is drawn over the gain points. Points without a
// positive gain are left out of the magnitude plot.
func NewBode(title string, points []collector.Point, model func(float64) float64) (*Bode, error) {
	gain := make(plotter.XYs, 0, len(points))
	phase := make(plotter.XYs, 0, len(points))
	fmin, fmax := math.Inf(1), math.Inf(-1)

	for _, p := range points {
		if !(p.Frequency > 0) {
			continue
		}
		fmin, fmax = math.Min(fmin, p.Frequency), math.Max(fmax, p.Frequency)

		phase = append(phase, plotter.XY{X: p.Frequency, Y: collector.WrapPhase(p.Phase) * 180 / math.Pi})
		if p.Gain > 0 {
			gain = append(gain, plotter.XY{X: p.Frequency, Y: p.Gain})
		}
	}
	if len(phase) == 0 {
		return nil, ErrNoData
	}

	b := &Bode{Gain: plot.New(), Phase: plot.New()}

	b.Gain.Title.Text = title
	b.Gain.Y.Label.Text = "Gain"
	if len(gain) > 0 {
		b.Gain.Y.Scale = plot.LogScale{}
		b.Gain.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}

	b.Phase.X.Label.Text = "Frequency (Hz)"
	b.Phase.Y.Label.Text = "Phase (°)"

	if fmin == fmax {
		fmin, fmax = fmin/2, fmax*2
	}
	for _, p := range []*plot.Plot{b.Gain, b.Phase} {
		p.X.Scale = plot.LogScale{}
		p.X.Tick.Marker = plot.LogTicks{Prec: -1}
		p.X.Min, p.X.Max = fmin, fmax
		p.Add(plotter.NewGrid())
	}

	if len(gain) > 0 {
		s, err := plotter.NewScatter(gain)
		if err != nil {
			return nil, fmt.Errorf("failed to create gain scatter: %w", err)
		}
		s.GlyphStyle.Color = measuredColor
		s.GlyphStyle.Radius = vg.Points(2)
		b.Gain.Add(s)
		b.Gain.Legend.Add("measured", s)
	}

	if model != nil && fmax > fmin {
		xy := make(plotter.XYs, 0, modelPoints)
		ratio := math.Pow(fmax/fmin, 1/float64(modelPoints-1))
		for i, f := 0, fmin; i < modelPoints; i, f = i+1, f*ratio {
			if g := model(f); g > 0 && !math.IsInf(g, 0) {
				xy = append(xy, plotter.XY{X: f, Y: g})
			}
		}

		if len(xy) > 1 {
			line, err := plotter.NewLine(xy)
			if err != nil {
				return nil, fmt.Errorf("failed to create model line: %w", err)
			}
			line.Color = modelColor
			line.Width = vg.Points(1.5)
			b.Gain.Add(line)
			b.Gain.Legend.Add("fit", line)
		}
	}
	b.Gain.Legend.Top = true

	s, err := plotter.NewScatter(phase)
	if err != nil {
		return nil, fmt.Errorf("failed to create phase scatter: %w", err)
	}
	s.GlyphStyle.Color = measuredColor
	s.GlyphStyle.Radius = vg.Points(2)
	b.Phase.Add(s)

	return b, nil
}

// Encode renders both plots stacked into one image.
func (b *Bode) Encode(w io.Writer, width, height vg.Length, format string) error {
	var (
		canvas draw.Canvas
		out    io.WriterTo
	)

	switch strings.ToLower(format) {
	case "png":
		img := vgimg.New(width, height)
		canvas, out = draw.New(img), vgimg.PngCanvas{Canvas: img}
	case "svg":
		svg := vgsvg.New(width, height)
		canvas, out = draw.New(svg), svg
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 4, PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2, PadLeft: vg.Millimeter * 2, PadRight: vg.Millimeter * 4}
	canvases := plot.Align([][]*plot.Plot{{b.Gain}, {b.Phase}}, tiles, canvas)
	b.Gain.Draw(canvases[0][0])
	b.Phase.Draw(canvases[1][0])

	if _, err := out.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write plot: %w", err)
	}
	return nil
}

// Render returns the stacked plot as an encoded image.
func (b *Bode) Render(width, height vg.Length, format string) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Encode(&buf, width, height, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the stacked plot to filename; the extension picks the format.
func (b *Bode) Save(filename string) error {
	format := strings.TrimPrefix(filepath.Ext(filename), ".")
	data, err := b.Render(DefaultPlotSize, DefaultPlotSize, format)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write plot file: %w", err)
	}
	return nil
}

// NewDensityPlot plots a noise density in µV/√Hz on log axes. The DC bin
// and empty bins are skipped.
func NewDensityPlot(title string, d *spectrum.Density) (*plot.Plot, error) {
	nd := d.NoiseDensity()

	xy := make(plotter.XYs, 0, len(nd))
	for i, v := range nd {
		if d.Frequency[i] > 0 && v > 0 {
			xy = append(xy, plotter.XY{X: d.Frequency[i], Y: v})
		}
	}
	if len(xy) < 2 {
		return nil, ErrNoData
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Label.Text = "Noise density (µV/√Hz)"
	p.X.Scale, p.Y.Scale = plot.LogScale{}, plot.LogScale{}
	p.X.Tick.Marker, p.Y.Tick.Marker = plot.LogTicks{Prec: -1}, plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(xy)
	if err != nil {
		return nil, fmt.Errorf("failed to create density line: %w", err)
	}
	line.Color = measuredColor
	p.Add(line)

	return p, nil
}
