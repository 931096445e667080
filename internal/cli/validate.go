package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/loadgen"
	"github.com/wesleyorama2/volley/internal/loadgen/config"
	"github.com/wesleyorama2/volley/internal/loadgen/injection"
	"github.com/wesleyorama2/volley/internal/loadgen/output"
)

// maxTimelineRows bounds the injection timeline printed by validate.
const maxTimelineRows = 10

type validateOptions struct {
	scenario string
	users    int64
	noColor  bool
}

func newValidateCmd() *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile a scenario file and print its plan",
		Long: `Compile a scenario file without sending any request.

All definition errors are reported together. On success the compiled
plan is printed: protocol settings, the step tree and the injection
timeline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := loadSimulation(opts.scenario, config.Overrides{Users: opts.users})
			if err != nil {
				return &ExitCodeError{Code: ExitError, Err: err}
			}
			printPlan(cmd.OutOrStdout(), sim, opts.noColor)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.scenario, "scenario", "s", "", "Scenario file (YAML or JSON)")
	cmd.Flags().Int64Var(&opts.users, "users", 0, "Start N users at once instead of the file's injection profile")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

// printPlan prints a compiled simulation for review.
func printPlan(w io.Writer, sim *config.Simulation, noColor bool) {
	fmt.Fprintf(w, "%s %s is valid\n", output.SuccessIcon(noColor), sim.Name)
	if sim.Description != "" {
		fmt.Fprintf(w, "  %s\n", sim.Description)
	}
	fmt.Fprintln(w)

	p := sim.Protocol
	fmt.Fprintln(w, "Protocol:")
	if p.BaseURL != "" {
		fmt.Fprintf(w, "  Base URL:        %s\n", p.BaseURL)
	}
	fmt.Fprintf(w, "  Timeout:         %s\n", p.RequestTimeout)
	fmt.Fprintf(w, "  Default headers: %d\n", p.DefaultHeaders.Len())
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Steps (%d requests, minimum %s per user):\n", len(sim.Scenario.Requests()), sim.Scenario.MinDuration())
	printSteps(w, sim.Scenario.Steps, "  ")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Injection:")
	fmt.Fprintf(w, "  Profile:         %s\n", sim.Profile)
	fmt.Fprintf(w, "  Users:           %d over %s\n", sim.Profile.Total(), sim.Profile.Duration())
	printTimeline(w, sim.Profile)
	fmt.Fprintln(w)

	s := sim.Scheduler
	fmt.Fprintln(w, "Options:")
	maxConcurrent := "unlimited"
	if s.MaxConcurrentUsers > 0 {
		maxConcurrent = fmt.Sprintf("%d", s.MaxConcurrentUsers)
	}
	fmt.Fprintf(w, "  Max concurrent:  %s\n", maxConcurrent)
	fmt.Fprintf(w, "  On failure:      %s\n", s.FailurePolicy)
	fmt.Fprintf(w, "  Graceful stop:   %s\n", s.GracefulStop)
	if s.ThrottleRPS > 0 {
		fmt.Fprintf(w, "  Throttle:        %.1f req/s\n", s.ThrottleRPS)
	}
	if sim.MaxDuration > 0 {
		fmt.Fprintf(w, "  Max duration:    %s\n", sim.MaxDuration)
	}

	if len(sim.Thresholds) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Thresholds:")
		for _, th := range sim.Thresholds {
			fmt.Fprintf(w, "  %s\n", th)
		}
	}
}

func printSteps(w io.Writer, steps []loadgen.Step, indent string) {
	for i, step := range steps {
		prefix := fmt.Sprintf("%s%d. ", indent, i+1)
		switch step.Kind {
		case loadgen.StepRequest:
			printRequest(w, prefix, step.Request)
			for _, res := range step.Request.Resources {
				printRequest(w, indent+"   + ", res)
			}
		case loadgen.StepPause:
			fmt.Fprintf(w, "%spause %s\n", prefix, step.Pause)
		case loadgen.StepGroup:
			fmt.Fprintf(w, "%sgroup %s\n", prefix, step.Group.Name)
			printSteps(w, step.Group.Steps, indent+"   ")
		}
	}
}

func printRequest(w io.Writer, prefix string, t *loadgen.RequestTemplate) {
	var extras []string
	if n := t.Headers.Len(); n > 0 {
		extras = append(extras, fmt.Sprintf("%d headers", n))
	}
	for _, c := range t.Checks {
		extras = append(extras, c.String())
	}

	line := fmt.Sprintf("%s%s %s %s", prefix, t.Name, t.Method, t.Path)
	if len(extras) > 0 {
		line += " [" + strings.Join(extras, ", ") + "]"
	}
	fmt.Fprintln(w, line)
}

// printTimeline prints the first start offsets of the profile.
func printTimeline(w io.Writer, profile injection.Profile) {
	it := profile.Iterator()
	var shown int64
	for shown < maxTimelineRows {
		offset, ok := it.Next()
		if !ok {
			break
		}
		fmt.Fprintf(w, "    user %-6d +%s\n", shown, offset.Round(time.Millisecond))
		shown++
	}
	if rest := profile.Total() - shown; rest > 0 {
		fmt.Fprintf(w, "    ... %d more\n", rest)
	}
}
