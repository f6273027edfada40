package statamcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/research41/stata-mcp/internal/bootstrap"
	"github.com/research41/stata-mcp/internal/config"
	"github.com/research41/stata-mcp/internal/detector"
	"github.com/research41/stata-mcp/internal/dispatch"
	"github.com/research41/stata-mcp/internal/history"
	"github.com/research41/stata-mcp/internal/history/factory"
	"github.com/research41/stata-mcp/internal/integration"
	"github.com/research41/stata-mcp/internal/logger"
	"github.com/research41/stata-mcp/internal/metrics"
	iapi "github.com/research41/stata-mcp/internal/server"
	"github.com/research41/stata-mcp/internal/supervisor"
)

// Re-export core types for external consumers.

type Settings = config.Settings

type Status = supervisor.Status

type State = supervisor.State

type Request = dispatch.Request

type Result = dispatch.Result

type Installation = detector.Installation

// Options configures a Service. Only Settings is required.
type Options struct {
	Settings  Settings
	Logger    *slog.Logger
	Detectors []detector.Detector // default detector.Default()

	// Registerer receives the metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer // served at {base}/metrics, default prometheus.DefaultGatherer

	// Overrides, mostly for tests.
	Environment supervisor.Environment
	Launcher    supervisor.Launcher
	Prober      supervisor.Prober
	Reclaimer   supervisor.Reclaimer
	PortInUse   func(host string, port int) bool
}

// Service owns the worker for one configuration: environment, supervisor,
// dispatcher, integration file, and lifecycle history. Create it with New and
// release it with Close.
type Service struct {
	logger    *slog.Logger
	history   *history.Recorder
	boot      *bootstrap.Bootstrapper
	sup       *supervisor.Supervisor
	disp      *dispatch.Dispatcher
	integ     *integration.File
	gatherer  prometheus.Gatherer
	metricsOn bool

	mu       sync.RWMutex
	settings Settings
}

// NewLogger builds the launcher logger described by s.
func NewLogger(s Settings) *slog.Logger { return logger.New(s.LoggerConfig()) }

// NewBootstrapper builds the environment bootstrapper for s without a supervisor,
// e.g. for a one-off setup.
func NewBootstrapper(s Settings, l *slog.Logger, rec *history.Recorder) (*bootstrap.Bootstrapper, error) {
	return bootstrap.New(bootstrap.Options{
		DataDir:       s.DataDir,
		Requirements:  s.Requirements,
		PythonVersion: s.PythonVersion,
		Logger:        l,
		History:       rec,
	})
}

// NewHistory opens the history sinks named by s.History.
func NewHistory(s Settings, l *slog.Logger) (*history.Recorder, error) {
	sinks, err := factory.NewSinks(s.History)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	return history.NewRecorder(l, sinks...), nil
}

func New(opts Options) (*Service, error) {
	l := opts.Logger
	if l == nil {
		l = NewLogger(opts.Settings)
	}
	settings, err := opts.Settings.ResolveStataPath(opts.Detectors...)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Registerer != nil {
		if err := metrics.Register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	rec, err := NewHistory(settings, l)
	if err != nil {
		return nil, err
	}
	boot, err := NewBootstrapper(settings, l, rec)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	env := opts.Environment
	if env == nil {
		env = boot
	}
	integ := integration.NewFile(settings.IntegrationFile)
	integ.Logger = l

	sup, err := supervisor.New(supervisor.Options{
		Config:        settings.SupervisorConfig(),
		DataDir:       settings.DataDir,
		Script:        settings.ServerScript,
		Strategy:      settings.LaunchStrategy(),
		ProbeAttempts: settings.Probe.Attempts,
		ProbeInterval: settings.Probe.Interval,
		TrustWindow:   settings.HealthTrustWindow,
		StreamFiles:   settings.LoggerConfig().File,
		Environment:   env,
		Reclaimer:     opts.Reclaimer,
		Prober:        opts.Prober,
		Launcher:      opts.Launcher,
		Publisher:     integ,
		PortInUse:     opts.PortInUse,
		History:       rec,
		Logger:        l,
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	g := opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	s := &Service{
		logger:    l,
		history:   rec,
		boot:      boot,
		sup:       sup,
		disp:      dispatch.New(sup, dispatch.WithLogger(l)),
		integ:     integ,
		gatherer:  g,
		metricsOn: opts.Registerer != nil,
		settings:  settings,
	}
	if msg, ok := boot.Markers().LastError(); ok {
		l.Warn("previous environment setup failed", "error", msg)
	}
	return s, nil
}

// Settings returns the settings in effect.
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Service) Status() Status { return s.sup.Status() }

// Start brings the worker to Ready, setting up the environment when needed.
func (s *Service) Start(ctx context.Context) error { return s.sup.Start(ctx) }

// Stop terminates a worker this service spawned.
func (s *Service) Stop(ctx context.Context) error { return s.sup.Stop(ctx) }

// Restart stops the worker and starts it again with the current settings.
func (s *Service) Restart(ctx context.Context) error {
	if err := s.sup.Stop(ctx); err != nil {
		return err
	}
	return s.sup.Start(ctx)
}

// Dispatch sends req to the worker, starting it first when needed.
// A zero timeout picks the tool's default.
func (s *Service) Dispatch(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	if req.Tool == dispatch.ToolRunFile {
		if _, ok := req.Parameters["timeout"]; !ok {
			params := make(map[string]any, len(req.Parameters)+1)
			for k, v := range req.Parameters {
				params[k] = v
			}
			params["timeout"] = int(s.jobTimeout() / time.Second)
			req.Parameters = params
		}
	}
	return s.disp.Dispatch(ctx, req, timeout)
}

func (s *Service) RunSelection(ctx context.Context, code string) (Result, error) {
	return s.disp.RunSelection(ctx, code)
}

func (s *Service) RunCommand(ctx context.Context, code string) (Result, error) {
	return s.disp.RunCommand(ctx, code)
}

// RunFile runs a do-file with the configured run_file_timeout.
func (s *Service) RunFile(ctx context.Context, path string) (Result, error) {
	return s.disp.RunFile(ctx, path, s.Settings().RunFileTimeout)
}

// Test runs the connection test command.
func (s *Service) Test(ctx context.Context) (Result, error) { return s.disp.Test(ctx) }

// Apply switches to next. The worker is restarted only when a launch
// parameter changed and it is currently Ready; otherwise next is picked up by
// the following start.
func (s *Service) Apply(ctx context.Context, next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.settings
	if next.StataPath == "" {
		next.StataPath = old.StataPath
	}
	s.settings = next
	s.mu.Unlock()
	if !old.RestartRequired(next) {
		return nil
	}
	s.logger.Info("launch settings changed", "endpoint", next.Endpoint().Addr())
	return s.sup.Restart(ctx, next.SupervisorConfig())
}

// Watch applies edits of the config file behind v until ctx is done.
func (s *Service) Watch(ctx context.Context, v *viper.Viper) {
	config.Watch(v, s.Settings(), func(_, next Settings) {
		if ctx.Err() != nil {
			return
		}
		if err := s.Apply(ctx, next); err != nil {
			s.logger.Error("failed to apply config change", "error", err)
		}
	}, s.logger)
}

// Router returns the control API for this service.
func (s *Service) Router() *iapi.Router {
	opts := []iapi.Option{iapi.WithLogger(s.logger)}
	if s.metricsOn {
		opts = append(opts, iapi.WithMetrics(metrics.HandlerFor(s.gatherer)))
	}
	return iapi.NewRouter(s, s.Settings().API.BasePath, opts...)
}

// MetricsHandler serves the registered metrics.
func (s *Service) MetricsHandler() http.Handler { return metrics.HandlerFor(s.gatherer) }

// ServeAPI serves the control API on the configured listen address until ctx
// is done, then shuts the server down.
func (s *Service) ServeAPI(ctx context.Context) error {
	srv := iapi.NewServer(s.Settings().API.Listen, s.Router())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("control API listening", "addr", srv.Addr, "base", s.Settings().API.BasePath)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close stops the worker and releases the history sinks.
func (s *Service) Close(ctx context.Context) error {
	err := s.sup.Close(ctx)
	return errors.Join(err, s.history.Close())
}

func (s *Service) jobTimeout() time.Duration {
	if t := s.Settings().RunFileTimeout; t > 0 {
		return t
	}
	return dispatch.DefaultJobTimeout
}

// Detect finds a Stata installation with the default detectors.
func Detect() (Installation, bool) { return detector.Detect() }

// RegisterMetrics registers the service metrics with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
