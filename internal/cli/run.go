package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/loadgen/config"
	"github.com/wesleyorama2/volley/internal/loadgen/engine"
	"github.com/wesleyorama2/volley/internal/loadgen/output"
	"github.com/wesleyorama2/volley/internal/logging"
)

// errThresholdsFailed is returned when a run completes but at least one
// threshold did not pass.
var errThresholdsFailed = errors.New("one or more thresholds failed")

type runOptions struct {
	scenario       string
	users          int64
	duration       time.Duration
	maxConcurrent  int
	grace          time.Duration
	abortOnFailure bool

	output     string
	jsonOutput bool
	quiet      bool
	noColor    bool

	skipProbe   bool
	metricsAddr string

	logLevel  string
	logFormat string
	logOutput string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long: `Run a simulation described by a scenario file.

Every virtual user walks the scenario steps once. Users are started
according to the injection profile of the file, which --users replaces
with a single atOnce directive.

Examples:
  volley run --scenario recorded-simulation.yaml
  volley run -s checkout.yaml --users 50 --duration 2m
  volley run -s checkout.yaml --json --output summary.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.scenario, "scenario", "s", "", "Scenario file (YAML or JSON)")
	flags.Int64Var(&opts.users, "users", 0, "Start N users at once instead of the file's injection profile")
	flags.DurationVar(&opts.duration, "duration", 0, "Stop the run after this duration (e.g., 5m, 30s)")
	flags.IntVar(&opts.maxConcurrent, "max-concurrent", 0, "Maximum number of users running at once (0 = unlimited)")
	flags.DurationVar(&opts.grace, "grace", 30*time.Second, "Time running users get to finish after a stop")
	flags.BoolVar(&opts.abortOnFailure, "abort-on-failure", false, "End a user's scenario at its first failed request")

	flags.StringVarP(&opts.output, "output", "o", "", "Write the JSON summary to this file")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print the JSON summary to stdout")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Disable live progress output, print only PASSED or FAILED")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	flags.BoolVar(&opts.skipProbe, "skip-probe", false, "Do not check that the target is reachable before starting")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run (e.g., :9090)")

	addLogFlags(cmd, &opts.logLevel, &opts.logFormat, &opts.logOutput)

	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func addLogFlags(cmd *cobra.Command, level, format, out *string) {
	defaults := logging.DefaultConfig()
	cmd.Flags().StringVar(level, "log-level", defaults.Level, "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(format, "log-format", defaults.Format, "Log format (console, json)")
	cmd.Flags().StringVar(out, "log-output", defaults.Output, "Log destination (stderr, stdout or a file path)")
}

// runSimulation loads, runs and reports a simulation.
func runSimulation(cmd *cobra.Command, opts *runOptions) error {
	logger, err := logging.New(logging.Config{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: opts.logOutput,
	})
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}
	defer func() { _ = logger.Sync() }()

	overrides := config.Overrides{
		Users:          opts.users,
		Duration:       opts.duration,
		AbortOnFailure: opts.abortOnFailure,
	}
	if cmd.Flags().Changed("max-concurrent") {
		overrides.MaxConcurrentUsers = &opts.maxConcurrent
	}
	if cmd.Flags().Changed("grace") {
		overrides.GracefulStop = &opts.grace
	}

	sim, err := loadSimulation(opts.scenario, overrides)
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}

	// With the JSON summary on stdout, everything meant for humans goes to
	// stderr so stdout stays parseable.
	var consoleWriter io.Writer = cmd.OutOrStdout()
	if opts.jsonOutput && opts.output == "" {
		consoleWriter = cmd.ErrOrStderr()
	}

	console := output.NewConsole(output.ConsoleConfig{
		Name:    sim.Name,
		Profile: sim.Profile.String(),
		Writer:  consoleWriter,
		Quiet:   opts.quiet,
		NoColor: opts.noColor,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(sim, engine.Options{
		Logger:      logger,
		SkipProbe:   opts.skipProbe,
		MetricsAddr: opts.metricsAddr,
		OnProgress:  console.PrintProgress,
	})

	logger.Debug("starting simulation",
		zap.String("scenario", opts.scenario),
		zap.Int("requests", len(sim.Scenario.Requests())),
		zap.Int64("users", sim.Profile.Total()))

	console.PrintHeader()
	summary, err := eng.Run(ctx)
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: fmt.Errorf("run failed: %w", err)}
	}

	console.PrintSummary(summary)

	if opts.output != "" {
		if err := output.WriteJSONFile(opts.output, summary); err != nil {
			return &ExitCodeError{Code: ExitError, Err: err}
		}
		logger.Info("summary written", zap.String("path", opts.output))
	} else if opts.jsonOutput {
		if err := output.WriteJSON(cmd.OutOrStdout(), summary); err != nil {
			return &ExitCodeError{Code: ExitError, Err: err}
		}
	}

	if !summary.Passed {
		return &ExitCodeError{Code: ExitThresholdFailed, Err: errThresholdsFailed}
	}
	return nil
}

// loadSimulation reads and compiles a scenario file, then applies the
// command-line overrides.
func loadSimulation(path string, overrides config.Overrides) (*config.Simulation, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	sim, err := config.Compile(cfg)
	if err != nil {
		return nil, err
	}
	if err := sim.Apply(overrides); err != nil {
		return nil, err
	}
	return sim, nil
}
