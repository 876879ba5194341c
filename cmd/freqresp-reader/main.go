// freqresp-reader - Utility to display freqresp result files and scope captures
// This program shows the metadata and points of .frd sweep files and
// estimates the noise density of Tektronix capture files.
package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"freqresp/internal/filewriter"
	"freqresp/internal/report"
	"freqresp/internal/scopefile"
	"freqresp/internal/spectrum"
	"freqresp/internal/version"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

var (
	outputFormat  string  // table, csv or json
	outputFile    string  // export destination for csv/json
	captureFormat string  // capture decoder, empty = by extension
	segment       int     // Welch segment length
	overlap       float64 // Welch segment overlap
	plotFile      string  // noise density plot
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "freqresp-reader [sweep.frd]",
	Short: "Display contents of freqresp result files",
	Long: `freqresp-reader displays the metadata and measured points of a freqresp
sweep file, or exports them as CSV or JSON.

The noise subcommand decodes oscilloscope capture files and estimates their
noise spectral density.`,
	Version:      version.GetFullVersion(),
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return displayFile(args[0])
	},
}

var noiseCmd = &cobra.Command{
	Use:   "noise [channel:]capture...",
	Short: "Noise spectral density of scope capture files",
	Long: `noise decodes Tektronix capture files (.csv, .isf) and estimates the noise
density with Welch's method. Densities of all files are averaged, so they must
share sample rate and record length. A "channel:" prefix labels a file.

Example usage:
  freqresp-reader noise CH1:tek0000CH1.isf CH1:tek0001CH1.isf --plot noise.png`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNoise(args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo("freqresp-reader"))
	},
}

func init() {
	rootCmd.Flags().StringVarP(&outputFormat, "format", "f", "table", "output format (table, json, csv)")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "export file for json/csv (default: input name with new extension)")

	noiseCmd.Flags().StringVar(&captureFormat, "capture-format", "", "capture format (csv, isf), default by extension")
	noiseCmd.Flags().IntVar(&segment, "segment", spectrum.DefaultSegment, "Welch segment length in samples (power of two)")
	noiseCmd.Flags().Float64Var(&overlap, "overlap", 0.5, "Welch segment overlap (0-1)")
	noiseCmd.Flags().StringVarP(&plotFile, "plot", "p", "", "write the density plot (.png or .svg)")

	rootCmd.AddCommand(noiseCmd, versionCmd)
}

// displayFile reads and displays the contents of a sweep file
func displayFile(filename string) error {
	fileInfo, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return fmt.Errorf("file does not exist: %s", filename)
	} else if err != nil {
		return err
	}

	metadata, points, err := filewriter.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read sweep: %w", err)
	}

	switch strings.ToLower(outputFormat) {
	case "json", "csv":
		ext := "." + strings.ToLower(outputFormat)
		out := outputFile
		if out == "" {
			out = strings.TrimSuffix(filename, filepath.Ext(filename)) + ext
		}
		if ext == ".json" {
			err = filewriter.ExportJSON(out, *metadata, points)
		} else {
			err = filewriter.ExportCSV(out, *metadata, points)
		}
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Exported %d points to %s", len(points), out)
		return nil
	case "table":
	default:
		return fmt.Errorf("unsupported output format: %s (must be 'table', 'json' or 'csv')", outputFormat)
	}

	pterm.DefaultHeader.WithFullWidth().Println("freqresp reader " + version.GetFullVersion())

	pterm.DefaultSection.Println("File")
	pterm.DefaultTable.WithData([][]string{
		{"Name", filepath.Base(filename)},
		{"Size", fmt.Sprintf("%d bytes", fileInfo.Size())},
		{"Modified", fileInfo.ModTime().Format("2006-01-02 15:04:05")},
		{"Format version", fmt.Sprint(metadata.FileFormatVersion)},
	}).Render()

	pterm.DefaultSection.Println("Sweep")
	pterm.DefaultTable.WithData([][]string{
		{"Sweep ID", metadata.SweepID},
		{"Device", metadata.DeviceInfo},
		{"Started", metadata.Started.Format("2006-01-02 15:04:05.000 MST")},
		{"Duration", metadata.Finished.Sub(metadata.Started).String()},
		{"Capture", fmt.Sprintf("%d samples at %g samples per cycle", metadata.Samples, metadata.SamplesPerCycle)},
		{"Points", fmt.Sprint(len(points))},
	}).Render()

	pterm.DefaultSection.Println("Points")
	if len(points) == 0 {
		pterm.Warning.Println("The sweep holds no points")
		return nil
	}
	pterm.DefaultTable.WithHasHeader().WithData(report.PointsTable(points)).Render()

	var warnings int
	for _, p := range points {
		if p.Warning != "" {
			warnings++
		}
	}
	if warnings > 0 {
		pterm.Warning.Printfln("%d of %d points carry a warning", warnings, len(points))
	}
	return nil
}

// runNoise decodes the captures and prints their averaged noise density.
func runNoise(names []string) error {
	opts := spectrum.Options{Segment: segment, Overlap: overlap}

	rows := [][]string{{"Channel", "File", "Samples", "Sample rate", "Duration", "AC RMS", "Segments"}}
	densities := make([]*spectrum.Density, 0, len(names))

	for _, name := range names {
		capture, err := scopefile.LoadFormat(name, captureFormat)
		if err != nil {
			return err
		}

		d, err := spectrum.Welch(capture.Voltage, capture.SampleRate, opts)
		if err != nil {
			return fmt.Errorf("failed to estimate density of %s: %w", capture.Path, err)
		}
		densities = append(densities, d)

		_, std := stat.MeanStdDev(capture.Voltage, nil)
		rows = append(rows, []string{
			capture.Channel,
			filepath.Base(capture.Path),
			fmt.Sprint(len(capture.Voltage)),
			fmt.Sprintf("%g Hz", capture.SampleRate),
			fmt.Sprintf("%.4g s", capture.Duration()),
			fmt.Sprintf("%.4g mV", std*1e3),
			fmt.Sprint(d.Segments),
		})
	}

	avg, err := spectrum.Average(densities...)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Captures")
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	pterm.DefaultSection.Println("Noise density")
	pterm.DefaultTable.WithHasHeader().WithData(decadeTable(avg)).Render()

	if plotFile == "" {
		return nil
	}

	p, err := report.NewDensityPlot("Noise density", avg)
	if err != nil {
		return fmt.Errorf("failed to plot density: %w", err)
	}
	if err := p.Save(report.DefaultPlotSize, report.DefaultPlotSize/2, plotFile); err != nil {
		return fmt.Errorf("failed to save density plot: %w", err)
	}
	pterm.Info.Printfln("Density plot saved to: %s", plotFile)
	return nil
}

// decadeTable lists the median noise density of each decade band between
// the first non-DC bin and Nyquist.
func decadeTable(d *spectrum.Density) [][]string {
	nd := d.NoiseDensity()
	rows := [][]string{{"Band", "Median (µV/√Hz)", "Bins"}}
	if len(d.Frequency) < 2 {
		return rows
	}

	lo := math.Pow(10, math.Floor(math.Log10(d.Frequency[1])))
	nyquist := d.Frequency[len(d.Frequency)-1]
	for ; lo < nyquist; lo *= 10 {
		hi := lo * 10
		var band []float64
		for i, f := range d.Frequency {
			if f >= lo && f < hi && i > 0 {
				band = append(band, nd[i])
			}
		}
		if len(band) == 0 {
			continue
		}
		rows = append(rows, []string{
			fmt.Sprintf("%g - %g Hz", lo, hi),
			fmt.Sprintf("%.4g", median(band)),
			fmt.Sprint(len(band)),
		})
	}
	return rows
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
