// freqresp - frequency response characterization tool
// This program sweeps a sine drive across a frequency range, captures the
// input and output of a device under test on a PicoScope, and records
// gain and phase per frequency, optionally fitting a band-pass model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"freqresp/internal/collector"
	"freqresp/internal/config"
	"freqresp/internal/filewriter"
	"freqresp/internal/gainfit"
	"freqresp/internal/logging"
	"freqresp/internal/picoscope"
	"freqresp/internal/report"
	"freqresp/internal/version"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Command line flag variables
var (
	cfgFile string // Configuration file path
	verbose bool   // Enable debug logging
	quiet   bool   // Only print errors and the result file name
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "freqresp",
	Short: "Frequency response sweep of a device under test",
	Long: `freqresp drives a device under test with sine waves at swept frequencies,
captures its input and output on a PicoScope 6000 with automatic range
selection, and records gain and phase at every frequency.

Without the ps6000 build tag the scope is simulated with a band-pass device.`,
	Version: version.GetFullVersion(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context())
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo("freqresp"))
	},
}

// init initializes the CLI flags and configuration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./freqresp.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress output")

	// Sweep
	rootCmd.Flags().Float64("min-frequency", 0.1, "lowest frequency (Hz)")
	rootCmd.Flags().Float64("max-frequency", 100e3, "highest frequency (Hz)")
	rootCmd.Flags().IntP("points", "n", 100, "number of frequencies")
	rootCmd.Flags().String("spacing", "log", "frequency spacing: log or linear")
	rootCmd.Flags().String("order", "descending", "sweep order: descending or ascending")
	rootCmd.Flags().Duration("settle", 10*time.Millisecond, "wait after each frequency change")
	rootCmd.Flags().Bool("wrap-phase", false, "report phase in (-π, π] radians")

	// Instruments
	rootCmd.Flags().String("serial", "", "scope serial number (default: first unit found)")
	rootCmd.Flags().Float64("amplitude", 0.3, "drive amplitude (V peak to peak)")
	rootCmd.Flags().String("generator", "awg", "signal source: awg (scope built-in) or scpi")
	rootCmd.Flags().StringP("port", "p", "/dev/ttyUSB0", "serial port of the SCPI generator")

	// Output
	rootCmd.Flags().StringP("output", "o", "./data", "output directory")
	rootCmd.Flags().String("model", "simple", "gain model fitted after the sweep: simple, hybrid or none")
	rootCmd.Flags().String("plot", "png", "Bode plot format: png, svg or none")
	rootCmd.Flags().Bool("report", false, "write a PDF report")

	bindings := map[string]string{
		"sweep.min_frequency": "min-frequency",
		"sweep.max_frequency": "max-frequency",
		"sweep.points":        "points",
		"sweep.spacing":       "spacing",
		"sweep.order":         "order",
		"sweep.settle":        "settle",
		"sweep.wrap_phase":    "wrap-phase",
		"scope.serial_number": "serial",
		"generator.amplitude": "amplitude",
		"generator.mode":      "generator",
		"generator.port":      "port",
		"output.directory":    "output",
		"fit.model":           "model",
		"output.plot":         "plot",
		"output.report":       "report",
	}
	for key, flag := range bindings {
		viper.BindPFlag(key, rootCmd.Flags().Lookup(flag))
	}

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("freqresp")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	// FREQRESP_SWEEP_POINTS=50 overrides sweep.points
	viper.SetEnvPrefix("FREQRESP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig overlays config file, environment and flags on the defaults.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if strings.EqualFold(cfg.Output.Plot, "none") {
		cfg.Output.Plot = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runSweep is the main application logic
func runSweep(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if quiet {
		pterm.DisableOutput()
	}

	freqs := cfg.Sweep.Frequencies()

	pterm.DefaultHeader.WithFullWidth().Println("freqresp " + version.GetFullVersion())
	pterm.DefaultTable.WithData([][]string{
		{"Frequencies", fmt.Sprintf("%d points, %g Hz to %g Hz (%s, %s)", len(freqs), cfg.Sweep.MinFrequency, cfg.Sweep.MaxFrequency, cfg.Sweep.Spacing, cfg.Sweep.Order)},
		{"Drive", fmt.Sprintf("%g Vpp via %s", cfg.Generator.Amplitude, cfg.Generator.Mode)},
		{"Inputs", fmt.Sprintf("A=%s B=%s, %s coupling", cfg.Scope.ChannelA, cfg.Scope.ChannelB, cfg.Scope.Coupling)},
		{"Capture", fmt.Sprintf("%d samples at %g samples per cycle", cfg.Sweep.Samples, cfg.Sweep.SamplesPerCycle)},
		{"Output", cfg.Output.Directory},
	}).Render()

	if picoscope.Simulated {
		pterm.Warning.Println("Built without ps6000 support: sweeping the simulated band-pass device")
	}

	c := collector.NewCollector(cfg, logger)
	if err := c.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize collector: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("failed to release instruments", logger.Args("error", err))
		}
	}()

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			pterm.Warning.Println("Received interrupt signal, stopping after the current capture...")
			cancel()
		case <-ctx.Done():
		}
	}()

	bar, _ := pterm.DefaultProgressbar.WithTotal(len(freqs)).WithTitle("Sweeping").Start()
	c.SetProgress(func(i, total int, p collector.Point) {
		logger.Info("point",
			logger.Args("step", fmt.Sprintf("%d/%d", i+1, total), "frequency", p.Frequency,
				"range_a", p.RangeA, "range_b", p.RangeB, "gain", p.Gain, "phase", p.Phase))
		if bar != nil {
			bar.UpdateTitle(fmt.Sprintf("%10.4g Hz", p.Frequency))
			bar.Increment()
		}
	})

	res, sweepErr := c.Sweep(ctx, freqs)
	if bar != nil {
		bar.Stop()
	}

	if res != nil && len(res.Points) > 0 {
		if err := saveResults(cfg, res, logger); err != nil {
			if sweepErr != nil {
				logger.Error("failed to save partial sweep", logger.Args("error", err))
			} else {
				return err
			}
		}
	}

	if sweepErr != nil {
		return fmt.Errorf("sweep failed: %w", sweepErr)
	}

	pterm.Success.Println("Sweep completed successfully.")
	return nil
}

// saveResults writes the result file, the optional CSV table, fit, plot and
// report.
func saveResults(cfg *config.Config, res *collector.Result, logger *pterm.Logger) error {
	if err := os.MkdirAll(cfg.Output.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	meta := filewriter.Metadata{
		SweepID:         fmt.Sprintf("%s_%d", cfg.Output.Prefix, res.Started.Unix()),
		DeviceInfo:      res.DeviceInfo,
		Started:         res.Started,
		Finished:        res.Finished,
		SamplesPerCycle: cfg.Sweep.SamplesPerCycle,
		Samples:         uint32(cfg.Sweep.Samples),
	}
	base := filepath.Join(cfg.Output.Directory, meta.SweepID)

	if err := filewriter.NewWriter().WriteFile(base+".frd", meta, res.Points); err != nil {
		return fmt.Errorf("failed to save sweep: %w", err)
	}
	pterm.Info.Printfln("Sweep saved to: %s.frd", base)

	if cfg.Output.CSV {
		if err := filewriter.ExportCSV(base+".csv", meta, res.Points); err != nil {
			return err
		}
	}

	var warnings int
	for _, p := range res.Points {
		if p.Warning != "" {
			warnings++
		}
	}
	if warnings > 0 {
		pterm.Warning.Printfln("%d of %d points carry a warning", warnings, len(res.Points))
	}

	var fit *gainfit.Result
	if !strings.EqualFold(cfg.Fit.Model, "none") {
		kind, err := gainfit.ParseKind(cfg.Fit.Model)
		if err != nil {
			return err
		}

		fitter := gainfit.NewFitter(kind)
		fitter.TrimPercentile = cfg.Fit.TrimPercentile

		fit, err = fitter.Fit(res.Frequencies(), res.Gains())
		if err != nil {
			// the sweep data is saved; a failed fit only loses the summary
			logger.Warn("gain model fit failed", logger.Args("model", kind.String(), "error", err))
			fit = nil
		} else {
			pterm.DefaultSection.Println("Fit (" + kind.String() + " model)")
			pterm.DefaultTable.WithHasHeader().WithData(report.FitTable(fit)).Render()
			pterm.Info.Println(report.FitErrorLine(fit))
		}
	}

	if cfg.Output.Plot == "" && !cfg.Output.Report {
		return nil
	}

	var model func(float64) float64
	if fit != nil {
		model = fit.Func()
	}

	bode, err := report.NewBode(meta.SweepID, res.Points, model)
	if err != nil {
		return fmt.Errorf("failed to plot sweep: %w", err)
	}

	if cfg.Output.Plot != "" {
		if err := bode.Save(base + "." + cfg.Output.Plot); err != nil {
			return err
		}
		pterm.Info.Printfln("Bode plot saved to: %s.%s", base, cfg.Output.Plot)
	}

	if cfg.Output.Report {
		png, err := bode.Render(report.DefaultPlotSize, report.DefaultPlotSize, "png")
		if err != nil {
			return err
		}

		err = report.WritePDF(base+".pdf", report.Summary{
			Title:      "Frequency response",
			SweepID:    meta.SweepID,
			DeviceInfo: meta.DeviceInfo,
			Started:    meta.Started,
			Finished:   meta.Finished,
			Points:     res.Points,
			Fit:        fit,
			Plot:       png,
		})
		if err != nil {
			return err
		}
		pterm.Info.Printfln("Report saved to: %s.pdf", base)
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
