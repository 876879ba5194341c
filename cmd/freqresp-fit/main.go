// freqresp-fit - gain model fitting tool for recorded sweeps
// This program fits the band-pass gain models to a sweep result file or a
// CSV gain table, trims outliers and refits, and exports the parameters.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"freqresp/internal/collector"
	"freqresp/internal/filewriter"
	"freqresp/internal/gainfit"
	"freqresp/internal/report"
	"freqresp/internal/version"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	modelName      string  // Gain model: simple or hybrid
	trimPercentile float64 // Squared-residual percentile kept for the refit
	minFrequency   float64 // Ignore points below this frequency
	maxFrequency   float64 // Ignore points above this frequency
	outputFile     string  // YAML parameter file
	plotFile       string  // Bode plot with model overlay
	reportFile     string  // PDF report
	showPoints     bool    // Print the points used for the fit
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "freqresp-fit [sweep.frd|gain.csv]",
	Short: "Fit band-pass gain models to a recorded sweep",
	Long: `freqresp-fit fits a band-pass gain model to measured gain versus frequency.

The fit runs twice: points whose squared residual exceeds the trim percentile
of the first pass are dropped and the model is refitted on the rest.

Models:
  simple   gain with first-order high- and low-pass corners raised to orders
  hybrid   simple model blended with a cubic in log frequency

Example usage:
  freqresp-fit data/sweep_1754061697.frd
  freqresp-fit gain.csv --model hybrid --output fit.yaml --plot fit.png`,
	Version:      version.GetFullVersion(),
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFit(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo("freqresp-fit"))
	},
}

func init() {
	rootCmd.Flags().StringVarP(&modelName, "model", "m", "simple", "gain model (simple, hybrid)")
	rootCmd.Flags().Float64VarP(&trimPercentile, "trim", "t", gainfit.DefaultTrimPercentile, "squared-residual percentile kept for the refit (0-100]")
	rootCmd.Flags().Float64Var(&minFrequency, "min-frequency", 0, "ignore points below this frequency (Hz)")
	rootCmd.Flags().Float64Var(&maxFrequency, "max-frequency", 0, "ignore points above this frequency (Hz, 0 = no limit)")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write fitted parameters as YAML")
	rootCmd.Flags().StringVarP(&plotFile, "plot", "p", "", "write a Bode plot with the model (.png or .svg)")
	rootCmd.Flags().StringVar(&reportFile, "report", "", "write a PDF report")
	rootCmd.Flags().BoolVarP(&showPoints, "points", "s", false, "print the points used for the fit")

	rootCmd.AddCommand(versionCmd)
}

// fitFile is the YAML document written by --output.
type fitFile struct {
	Source         string         `yaml:"source"`
	Model          gainfit.Params `yaml:"model"`
	FirstPass      gainfit.Params `yaml:"first_pass"`
	TrimPercentile float64        `yaml:"trim_percentile"`
	MeanSquared    float64        `yaml:"mean_squared_error"`
	Threshold      float64        `yaml:"threshold"`
	Points         int            `yaml:"points"`
	Dropped        []float64      `yaml:"dropped_frequencies,omitempty"`
}

// loadPoints reads a result file or a CSV table, choosing by extension.
func loadPoints(filename string) (*filewriter.Metadata, []collector.Point, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("file does not exist: %s", filename)
	}

	if strings.EqualFold(filepath.Ext(filename), ".csv") {
		points, err := filewriter.ImportCSV(filename)
		if err != nil {
			return nil, nil, err
		}
		return &filewriter.Metadata{SweepID: strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))}, points, nil
	}

	meta, points, err := filewriter.ReadFile(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sweep: %w", err)
	}
	return meta, points, nil
}

// selectPoints keeps the points inside the frequency limits.
func selectPoints(points []collector.Point, lo, hi float64) []collector.Point {
	var out []collector.Point
	for _, p := range points {
		if p.Frequency < lo || (hi > 0 && p.Frequency > hi) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// runFit is the main application logic
func runFit(filename string) error {
	kind, err := gainfit.ParseKind(modelName)
	if err != nil {
		return err
	}

	meta, points, err := loadPoints(filename)
	if err != nil {
		return err
	}

	points = selectPoints(points, minFrequency, maxFrequency)
	if len(points) == 0 {
		return fmt.Errorf("no points between %g Hz and %g Hz in %s", minFrequency, maxFrequency, filename)
	}

	pterm.DefaultHeader.WithFullWidth().Println("freqresp-fit " + version.GetFullVersion())
	pterm.DefaultTable.WithData([][]string{
		{"Input", filepath.Base(filename)},
		{"Sweep", meta.SweepID},
		{"Points", fmt.Sprint(len(points))},
		{"Model", kind.String()},
		{"Trim", fmt.Sprintf("%gth percentile", trimPercentile)},
	}).Render()

	if showPoints {
		pterm.DefaultSection.Println("Points")
		pterm.DefaultTable.WithHasHeader().WithData(report.PointsTable(points)).Render()
	}

	res := &collector.Result{Points: points}
	fitter := gainfit.NewFitter(kind)
	fitter.TrimPercentile = trimPercentile

	spinner, _ := pterm.DefaultSpinner.Start("Fitting " + kind.String() + " model...")
	fit, err := fitter.Fit(res.Frequencies(), res.Gains())
	if spinner != nil {
		if err != nil {
			spinner.Fail("Fit failed")
		} else {
			spinner.Success("Fit converged")
		}
	}
	if err != nil {
		return fmt.Errorf("failed to fit %s model: %w", kind, err)
	}

	pterm.DefaultSection.Println("Fit (" + kind.String() + " model)")
	pterm.DefaultTable.WithHasHeader().WithData(report.FitTable(fit)).Render()
	pterm.Info.Println(report.FitErrorLine(fit))
	if len(fit.Dropped) > 0 {
		pterm.Info.Printfln("%d of %d points dropped as outliers", len(fit.Dropped), len(points))
	}

	if outputFile != "" {
		if err := writeYAML(outputFile, filename, fit, points); err != nil {
			return err
		}
		pterm.Info.Printfln("Parameters saved to: %s", outputFile)
	}

	if plotFile == "" && reportFile == "" {
		return nil
	}

	bode, err := report.NewBode(meta.SweepID, points, fit.Func())
	if err != nil {
		return fmt.Errorf("failed to plot sweep: %w", err)
	}

	if plotFile != "" {
		if err := bode.Save(plotFile); err != nil {
			return err
		}
		pterm.Info.Printfln("Bode plot saved to: %s", plotFile)
	}

	if reportFile != "" {
		png, err := bode.Render(report.DefaultPlotSize, report.DefaultPlotSize, "png")
		if err != nil {
			return err
		}

		err = report.WritePDF(reportFile, report.Summary{
			Title:      "Gain model fit",
			SweepID:    meta.SweepID,
			DeviceInfo: meta.DeviceInfo,
			Started:    meta.Started,
			Finished:   meta.Finished,
			Points:     points,
			Fit:        fit,
			Plot:       png,
		})
		if err != nil {
			return err
		}
		pterm.Info.Printfln("Report saved to: %s", reportFile)
	}

	return nil
}

// writeYAML exports the fit result.
func writeYAML(filename, source string, fit *gainfit.Result, points []collector.Point) error {
	doc := fitFile{
		Source:         source,
		Model:          fit.Params,
		FirstPass:      fit.FirstPass,
		TrimPercentile: trimPercentile,
		MeanSquared:    fit.MeanSquaredError,
		Threshold:      fit.Threshold,
		Points:         len(fit.Used),
	}
	for _, i := range fit.Dropped {
		doc.Dropped = append(doc.Dropped, points[i].Frequency)
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode fit result: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write fit result: %w", err)
	}
	return nil
}

// main is the entry point of the application
func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
