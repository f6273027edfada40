package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	statamcp "github.com/research41/stata-mcp"
	"github.com/research41/stata-mcp/internal/detector"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/pkg/client"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func createSetupCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create or refresh the worker's Python environment",
		Long: `Locate or install uv, create the virtual environment and install the
worker's requirements. A recent successful setup is reused.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, s, err := loadSettings(g, nil)
			if err != nil {
				return err
			}
			l := statamcp.NewLogger(s)
			rec, err := statamcp.NewHistory(s, l)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()
			boot, err := statamcp.NewBootstrapper(s, l, rec)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			python, err := boot.EnsureEnvironment(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), python)
			return nil
		},
	}
}

func createLaunchCommand(g *GlobalFlags) *cobra.Command {
	flags := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run the worker in the foreground",
		Long: `Run the worker with the given parameters and wait for it. Interrupting
the launcher stops the worker; a non-zero worker exit code becomes the
launcher's exit code.

Examples:
  stata-mcp launch --port 4000 --stata-path /usr/local/stata18
  stata-mcp launch --force-port --log-level DEBUG`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, s, err := loadSettings(g, cmd.Flags())
			if err != nil {
				return err
			}
			if s, err = s.ResolveStataPath(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			code, err := statamcp.Launch(ctx, statamcp.LaunchOptions{
				Settings: s,
				Logger:   statamcp.NewLogger(s),
				Stdout:   cmd.OutOrStdout(),
				Stderr:   cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	addLaunchFlags(cmd.Flags(), flags)
	return cmd
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	launch := &LaunchFlags{}
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise the worker behind the control API",
		Long: `Serve the control API and start the worker on demand. Edits to the
config file are applied while running; launch parameter changes restart
a running worker.

Examples:
  stata-mcp serve --config stata-mcp.toml
  stata-mcp serve --listen 127.0.0.1:4100 --start`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, s, err := loadSettings(g, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), v, s, flags)
		},
	}
	addLaunchFlags(cmd.Flags(), launch)
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "control API listen address (default 127.0.0.1:4100)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "control API base path (default /api)")
	cmd.Flags().BoolVar(&flags.StartEarly, "start", false, "start the worker right away instead of on first use")
	cmd.Flags().BoolVar(&flags.NoWatch, "no-watch", false, "do not watch the config file for changes")
	return cmd
}

func runServe(parent context.Context, v *viper.Viper, s statamcp.Settings, flags *ServeFlags) error {
	l := statamcp.NewLogger(s)
	svc, err := statamcp.New(statamcp.Options{
		Settings:   s,
		Logger:     l,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			l.Warn("shutdown", "error", err)
		}
	}()
	if !flags.NoWatch {
		svc.Watch(ctx, v)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return svc.ServeAPI(gctx) })
	if flags.StartEarly {
		grp.Go(func() error {
			if err := svc.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				// the API stays up so the failure can be inspected and retried
				l.Error("worker failed to start", "error", err, "suggestion", errdefs.Suggestion(err))
			}
			return nil
		})
	}
	return grp.Wait()
}

func createRunCommand(g *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [file.do]",
		Short: "Run Stata code through a running serve",
		Long: `Send a do-file, a selection or a single command to the worker and print
its output. The worker is started first when needed.

Examples:
  stata-mcp run analysis.do
  stata-mcp run --code 'sysuse auto, clear'
  stata-mcp run --command 'summarize price'
  stata-mcp run --test`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := runRequest(flags, args)
			if err != nil {
				return err
			}
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			res, err := c.Dispatch(ctx, req)
			if err != nil {
				return err
			}
			out := res.Output
			if out == "" {
				out = res.Message
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.Code, "code", "c", "", "code to run as a selection")
	cmd.Flags().StringVar(&flags.Command, "command", "", "single Stata command to run")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "do-file timeout (default run_file_timeout)")
	cmd.Flags().BoolVar(&flags.Test, "test", false, "run the connection test")
	cmd.MarkFlagsMutuallyExclusive("code", "command", "test")
	return cmd
}

func runRequest(flags *RunFlags, args []string) (client.DispatchRequest, error) {
	switch {
	case len(args) == 1:
		if flags.Code != "" || flags.Command != "" || flags.Test {
			return client.DispatchRequest{}, errors.New("give either a do-file or --code/--command/--test")
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return client.DispatchRequest{}, err
		}
		params := map[string]any{"file_path": path}
		if flags.Timeout > 0 {
			params["timeout"] = int(flags.Timeout.Seconds())
		}
		return client.DispatchRequest{Tool: "run_file", Parameters: params}, nil
	case flags.Test:
		return client.DispatchRequest{Tool: "stata_run_selection", Parameters: map[string]any{
			"selection": `di "Hello from Stata MCP Server!"`,
		}}, nil
	case flags.Code != "":
		return client.DispatchRequest{Tool: "run_selection", Parameters: map[string]any{"selection": flags.Code}}, nil
	case flags.Command != "":
		return client.DispatchRequest{Tool: "run_command", Parameters: map[string]any{"command": flags.Command}}, nil
	default:
		return client.DispatchRequest{}, errors.New("nothing to run: give a do-file, --code, --command or --test")
	}
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worker state reported by serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

type lifecycleCall func(*client.Client, context.Context) (client.ServiceStatus, error)

func createLifecycleCommand(g *GlobalFlags, use, short string, call lifecycleCall) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			st, err := call(c, ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	return createLifecycleCommand(g, "start", "Start the worker through serve", (*client.Client).Start)
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	return createLifecycleCommand(g, "stop", "Stop the worker through serve", (*client.Client).Stop)
}

func createRestartCommand(g *GlobalFlags) *cobra.Command {
	return createLifecycleCommand(g, "restart", "Restart the worker through serve", (*client.Client).Restart)
}

func createConfigCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, s, err := loadSettings(g, nil)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(s)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func createDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Find a Stata installation on this machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst, ok := detector.Detect()
			if !ok {
				return errdefs.New(errdefs.CodeInvalidConfiguration, "no Stata installation found").
					WithSuggestion("set STATA_PATH or stata_path to your Stata installation directory")
			}
			return printJSON(cmd.OutOrStdout(), inst)
		},
	}
}
