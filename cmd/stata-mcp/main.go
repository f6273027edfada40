package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.ExecuteContext(context.Background()); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// exitCodeError carries a worker's exit code out of the launch command.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("worker exited with code %d", e.code) }

func reportError(w io.Writer, err error) {
	_, _ = fmt.Fprintln(w, "Error:", err)
	suggestion := errdefs.Suggestion(err)
	var apiErr *client.APIError
	if suggestion == "" && errors.As(err, &apiErr) {
		suggestion = apiErr.Suggestion
	}
	if suggestion != "" {
		_, _ = fmt.Fprintln(w, "Suggestion:", suggestion)
	}
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)

	root.AddCommand(
		createSetupCommand(globalFlags),
		createLaunchCommand(globalFlags),
		createServeCommand(globalFlags),
		createRunCommand(globalFlags),
		createStatusCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createConfigCommand(globalFlags),
		createDetectCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stata-mcp",
		Short: "Local lifecycle manager for the Stata MCP worker",
		Long: `stata-mcp prepares the Python environment of the Stata MCP worker,
starts and supervises it, and sends it Stata code to run.

Examples:
  stata-mcp setup                          # build the Python environment
  stata-mcp launch --port 4000             # run the worker in the foreground
  stata-mcp serve                          # supervise the worker behind the control API
  stata-mcp run --code 'sysuse auto'       # run code through a running serve
  stata-mcp status`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to a TOML, YAML or JSON config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API base URL (default from api.listen and api.base_path)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 0, "control API timeout for status calls (default 10s)")

	return root
}
