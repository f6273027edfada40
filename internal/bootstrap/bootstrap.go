package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/history"
	"github.com/research41/stata-mcp/internal/marker"
	"github.com/research41/stata-mcp/internal/metrics"
)

// Options configures a Bootstrapper. Zero values take the defaults noted per field.
type Options struct {
	DataDir       string        // marker files live here (required)
	EnvDir        string        // virtual environment, default DataDir/.venv
	Requirements  string        // default DataDir/requirements.txt; skipped when missing
	PythonVersion string        // default 3.11
	Tool          string        // default uv
	StaleAfter    time.Duration // in-progress marker staleness, default 10m
	FreshFor      time.Duration // complete marker freshness, default 24h
	UserBinDir    string        // fallback install target, default ~/.local/bin
	SearchDirs    []string      // well-known install dirs, default per platform
	ReleaseURL    string        // base URL of prebuilt release archives
	StepTimeout   time.Duration // per external command, default 5m

	Runner     Runner
	HTTPClient *http.Client
	LookPath   func(string) (string, error)
	Logger     *slog.Logger
	History    *history.Recorder
	GOOS       string
	GOARCH     string
}

// Bootstrapper provisions the Python runtime the worker needs, using uv.
type Bootstrapper struct {
	opts    Options
	markers *marker.Store
	logger  *slog.Logger
	now     func() time.Time
}

func New(opts Options) (*Bootstrapper, error) {
	if opts.DataDir == "" {
		return nil, errdefs.New(errdefs.CodeInvalidConfiguration, "bootstrap data directory is required")
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.GOARCH == "" {
		opts.GOARCH = runtime.GOARCH
	}
	if opts.EnvDir == "" {
		opts.EnvDir = filepath.Join(opts.DataDir, ".venv")
	}
	if opts.Requirements == "" {
		opts.Requirements = filepath.Join(opts.DataDir, "requirements.txt")
	}
	if opts.PythonVersion == "" {
		opts.PythonVersion = "3.11"
	}
	if opts.Tool == "" {
		opts.Tool = "uv"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = marker.DefaultStaleAfter
	}
	if opts.FreshFor <= 0 {
		opts.FreshFor = marker.DefaultFreshFor
	}
	home, _ := os.UserHomeDir()
	if opts.UserBinDir == "" {
		opts.UserBinDir = filepath.Join(home, ".local", "bin")
	}
	if opts.SearchDirs == nil {
		opts.SearchDirs = searchDirs(home, opts.GOOS)
	}
	if opts.ReleaseURL == "" {
		opts.ReleaseURL = defaultReleaseBaseURL
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 5 * time.Minute
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bootstrapper{
		opts:    opts,
		markers: marker.NewStore(opts.DataDir),
		logger:  opts.Logger.With("component", "bootstrap"),
		now:     time.Now,
	}, nil
}

// Markers exposes the marker store, e.g. for status reporting.
func (b *Bootstrapper) Markers() *marker.Store { return b.markers }

// State returns the persisted bootstrap state.
func (b *Bootstrapper) State() (marker.State, error) { return b.markers.Load() }

// EnsureEnvironment returns the path of a usable interpreter, building the
// environment first when no fresh one exists.
func (b *Bootstrapper) EnsureEnvironment(ctx context.Context) (string, error) {
	st, err := b.markers.Load()
	if err != nil {
		return "", fmt.Errorf("read bootstrap markers: %w", err)
	}
	now := b.now()
	switch st.Phase {
	case marker.PhaseComplete:
		if st.Fresh(now, b.opts.FreshFor) && isExecutable(st.RuntimePath, b.opts.GOOS) {
			return st.RuntimePath, nil
		}
		b.logger.Info("environment is stale or incomplete, rebuilding", "runtime", st.RuntimePath, "completed_at", st.CompletedAt)
	case marker.PhaseInProgress:
		if !st.Abandoned(now, b.opts.StaleAfter) {
			return "", errdefs.New(errdefs.CodeBootstrapInProgress,
				"environment setup started at %s is still running", st.StartedAt.Format(time.RFC3339)).
				WithSuggestion("wait for the running setup to finish, then retry")
		}
		b.logger.Warn("superseding abandoned environment setup", "started_at", st.StartedAt)
	case marker.PhaseFailed:
		b.logger.Info("previous environment setup failed, retrying", "reason", st.Reason)
	}

	if err := b.markers.Acquire(b.opts.StaleAfter); err != nil {
		if errors.Is(err, marker.ErrInProgress) {
			return "", errdefs.Wrap(errdefs.CodeBootstrapInProgress, err, "environment setup is already running")
		}
		return "", fmt.Errorf("acquire setup marker: %w", err)
	}

	started := b.now()
	py, err := b.build(ctx)
	metrics.ObserveBootstrapDuration(b.now().Sub(started).Seconds())
	if err != nil {
		if merr := b.markers.MarkFailed(err.Error()); merr != nil {
			b.logger.Error("failed to record setup error", "error", merr)
		}
		metrics.IncBootstrap(outcomeOf(err))
		b.record(ctx, "failed", err.Error())
		return "", err
	}
	if err := b.markers.MarkComplete(py); err != nil {
		metrics.IncBootstrap("marker_error")
		err = fmt.Errorf("record completed setup: %w", err)
		if merr := b.markers.MarkFailed(err.Error()); merr != nil {
			b.logger.Error("failed to record setup error", "error", merr)
			if rerr := b.markers.Release(); rerr != nil {
				b.logger.Error("failed to clear setup marker", "error", rerr)
			}
		}
		return "", err
	}
	metrics.IncBootstrap("complete")
	b.record(ctx, "complete", "")
	b.logger.Info("environment ready", "python", py, "duration", b.now().Sub(started))
	return py, nil
}

func (b *Bootstrapper) build(ctx context.Context) (string, error) {
	tool, err := b.ensureTool(ctx)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(b.opts.EnvDir); err == nil {
		b.logger.Info("removing existing environment", "dir", b.opts.EnvDir)
		if err := os.RemoveAll(b.opts.EnvDir); err != nil {
			b.logger.Warn("failed to remove existing environment", "dir", b.opts.EnvDir, "error", err)
		}
	}

	b.logger.Info("creating environment", "dir", b.opts.EnvDir, "python", b.opts.PythonVersion)
	if out, err := b.run(ctx, tool, "venv", b.opts.EnvDir, "--python", b.opts.PythonVersion); err != nil {
		return "", errdefs.Wrap(errdefs.CodeSetupFailed, err, "create environment: %s", trimOutput(out))
	}

	py := interpreterPath(b.opts.EnvDir, b.opts.GOOS)
	if _, err := os.Stat(b.opts.Requirements); err == nil {
		b.logger.Info("installing dependencies", "requirements", b.opts.Requirements)
		if out, err := b.run(ctx, tool, "pip", "install", "--python", py, "-r", b.opts.Requirements); err != nil {
			return "", errdefs.Wrap(errdefs.CodeSetupFailed, err, "install dependencies: %s", trimOutput(out))
		}
	} else {
		b.logger.Warn("requirements file not found, skipping dependency install", "requirements", b.opts.Requirements)
	}

	if !isExecutable(py, b.opts.GOOS) {
		return "", errdefs.New(errdefs.CodeVerificationFailed, "interpreter not found at %s after environment creation", py).
			WithSuggestion("remove " + b.opts.EnvDir + " and run setup again")
	}
	return py, nil
}

// ResolveRuntime picks an interpreter without building anything: the recorded
// path, its backup, the environment's interpreter, then a system python.
func (b *Bootstrapper) ResolveRuntime() (string, error) {
	if p, ok := b.markers.RuntimePath(); ok && isExecutable(p, b.opts.GOOS) {
		return p, nil
	}
	if py := interpreterPath(b.opts.EnvDir, b.opts.GOOS); isExecutable(py, b.opts.GOOS) {
		return py, nil
	}
	candidates := []string{"python3", "python"}
	if b.opts.GOOS == "windows" {
		candidates = []string{"py", "python"}
	}
	for _, c := range candidates {
		if p, err := b.opts.LookPath(c); err == nil {
			b.logger.Warn("using system python, run setup for an isolated environment", "python", p)
			return p, nil
		}
	}
	return "", errdefs.New(errdefs.CodeToolUnavailable, "no python interpreter found").
		WithSuggestion("run `stata-mcp setup` or install Python " + b.opts.PythonVersion)
}

func (b *Bootstrapper) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.StepTimeout)
	defer cancel()
	b.logger.Debug("running", "cmd", name, "args", args)
	return b.opts.Runner.Output(ctx, name, args...)
}

func (b *Bootstrapper) record(ctx context.Context, state, reason string) {
	b.opts.History.Record(ctx, history.Event{
		Type:   history.EventBootstrap,
		Record: history.Record{Service: "bootstrap", State: state, Error: reason},
	})
}

func outcomeOf(err error) string {
	if c := errdefs.CodeOf(err); c != "" {
		return strings.ToLower(string(c))
	}
	return "error"
}

func trimOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 2000 {
		s = s[len(s)-2000:]
	}
	return s
}
