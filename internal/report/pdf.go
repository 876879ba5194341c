package report

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"freqresp/internal/collector"
	"freqresp/internal/gainfit"

	"github.com/jung-kurt/gofpdf"
)

const (
	pdfMargin     = 15.0
	pdfLineHeight = 6.0
	pdfPageWidth  = 210.0
	pdfContent    = pdfPageWidth - 2*pdfMargin
)

// Summary is everything the PDF report shows.
type Summary struct {
	Title      string
	SweepID    string
	DeviceInfo string
	Started    time.Time
	Finished   time.Time
	Points     []collector.Point
	Fit        *gainfit.Result // optional
	Plot       []byte          // PNG, optional
}

// WritePDF writes an A4 report: sweep metadata, the Bode plot, fitted
// parameters and the table of measured points.
func WritePDF(filename string, s Summary) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(pdfContent, 10, s.Title, "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	info := [][2]string{
		{"Sweep", s.SweepID},
		{"Device", s.DeviceInfo},
		{"Started", s.Started.Format("2006-01-02 15:04:05")},
		{"Duration", s.Finished.Sub(s.Started).Round(time.Second).String()},
		{"Points", fmt.Sprint(len(s.Points))},
	}
	for _, kv := range info {
		pdf.CellFormat(30, pdfLineHeight, kv[0]+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(pdfContent-30, pdfLineHeight, kv[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	if len(s.Plot) > 0 {
		pdf.RegisterImageReader("bode", "PNG", bytes.NewReader(s.Plot))
		pdf.ImageOptions("bode", pdfMargin, pdf.GetY(), pdfContent, 0, true, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.Ln(4)
	}

	if s.Fit != nil {
		writeFit(pdf, s.Fit)
	}

	writePoints(pdf, s.Points)

	if err := pdf.OutputFileAndClose(filename); err != nil {
		return fmt.Errorf("failed to write PDF: %w", err)
	}
	return nil
}

func sectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(pdfContent, 9, title, "", 1, "L", false, 0, "")
}

func tableHeader(pdf *gofpdf.Fpdf, cols []string, widths []float64) {
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(200, 200, 200)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	for i, c := range cols {
		pdf.CellFormat(widths[i], pdfLineHeight, tr(c), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
}

func writeFit(pdf *gofpdf.Fpdf, r *gainfit.Result) {
	sectionTitle(pdf, fmt.Sprintf("Fit (%s model)", r.Params.Kind))

	widths := []float64{40, 40}
	tableHeader(pdf, []string{"Parameter", "Value"}, widths)
	for _, f := range r.Params.Fields() {
		pdf.CellFormat(widths[0], pdfLineHeight, f.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], pdfLineHeight, fmt.Sprintf("%.3f", f.Value), "1", 1, "R", false, 0, "")
	}

	pdf.Ln(2)
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(pdfContent, pdfLineHeight,
		fmt.Sprintf("error mean: %.4g  90th percentile: %.4g  (%d points used, %d dropped)",
			r.MeanSquaredError, r.Threshold, r.Used, len(r.Dropped)),
		"", 1, "L", false, 0, "")
	pdf.Ln(4)
}

func writePoints(pdf *gofpdf.Fpdf, points []collector.Point) {
	sectionTitle(pdf, "Measured points")

	cols := []string{"f (Hz)", "Gain", "Phase (°)", "Range A", "Range B", "Captures"}
	widths := []float64{32, 32, 32, 28, 28, 28}
	tableHeader(pdf, cols, widths)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	for _, p := range points {
		cells := []string{
			fmt.Sprintf("%.4g", p.Frequency),
			fmt.Sprintf("%.4f", p.Gain),
			fmt.Sprintf("%.1f", collector.WrapPhase(p.Phase)*180/math.Pi),
			fmt.Sprintf("%g V", p.RangeA),
			fmt.Sprintf("%g V", p.RangeB),
			fmt.Sprint(p.Attempts),
		}
		if p.Warning != "" {
			pdf.SetTextColor(200, 0, 0)
		}
		for i, c := range cells {
			pdf.CellFormat(widths[i], pdfLineHeight, tr(c), "1", 0, "R", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetTextColor(0, 0, 0)
	}
}
