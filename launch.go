package statamcp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/process"
	"github.com/research41/stata-mcp/internal/supervisor"
)

// LaunchOptions configures a foreground worker run.
type LaunchOptions struct {
	Settings Settings
	Python   string // default: resolved from the setup markers, never built
	Stdout   io.Writer
	Stderr   io.Writer
	Logger   *slog.Logger
	Launcher supervisor.Launcher
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Launch runs the worker in the foreground until it exits or ctx is done.
// It returns the worker's exit code, or 0 when ctx ended the run and the
// worker was stopped. A worker killed by a signal reports 1.
func Launch(ctx context.Context, opts LaunchOptions) (int, error) {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	s := opts.Settings
	if err := s.Validate(); err != nil {
		return 1, err
	}
	python := opts.Python
	if python == "" {
		boot, err := NewBootstrapper(s, l, nil)
		if err != nil {
			return 1, err
		}
		if msg, ok := boot.Markers().LastError(); ok {
			l.Warn("previous environment setup failed", "error", msg)
		}
		if python, err = boot.ResolveRuntime(); err != nil {
			return 1, err
		}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	launch := opts.Launcher
	if launch == nil {
		launch = supervisor.ProcessLauncher
	}

	cfg := s.SupervisorConfig()
	spec := cfg.LaunchSpec(python, supervisor.Options{
		DataDir:  s.DataDir,
		Script:   s.ServerScript,
		Strategy: s.LaunchStrategy(),
	})
	if err := os.MkdirAll(filepath.Dir(cfg.WorkerLogFile(s.DataDir)), 0o750); err != nil {
		l.Warn("failed to create worker log directory", "error", err)
	}
	l.Info("launching worker", "command", spec.CommandLine())
	h, err := launch(spec, nopWriteCloser{opts.Stdout}, nopWriteCloser{opts.Stderr})
	if err != nil {
		return 1, err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		l.Info("shutting down worker", "pid", h.PID())
		if err := h.Stop(process.DefaultStopGrace); err != nil {
			l.Warn("failed to stop worker", "pid", h.PID(), "error", err)
		}
		return 0, nil
	}
	code, ok := h.ExitCode()
	if !ok {
		return 1, errdefs.New(errdefs.CodeProcessExited, "worker terminated by a signal")
	}
	if code != 0 {
		l.Error("worker exited", "code", code)
	}
	return code, nil
}
