package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Exit codes of the volley binary.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitThresholdFailed = 2
)

// ExitCodeError carries the process exit code of a failed command.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitError
}

// NewRootCmd builds the volley command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "volley",
		Short:   "A load generator for HTTP services",
		Version: version,
		Long: `Volley drives virtual users through scripted HTTP scenarios
following an injection profile, and reports per-request latency and
error statistics once the run completes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	return root
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = NewRootCmd()

// Execute runs the root command. Callers turn the error into an exit code
// with ExitCode.
func Execute() error {
	return RootCmd.Execute()
}
