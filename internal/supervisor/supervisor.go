package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/research41/stata-mcp/internal/arbiter"
	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/history"
	"github.com/research41/stata-mcp/internal/logger"
	"github.com/research41/stata-mcp/internal/metrics"
	"github.com/research41/stata-mcp/internal/probe"
	"github.com/research41/stata-mcp/internal/process"
)

const (
	quickCheckTimeout     = 2 * time.Second
	defaultSampleInterval = 15 * time.Second
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("supervisor is shut down")

// Environment provides the interpreter the worker runs on.
type Environment interface {
	EnsureEnvironment(ctx context.Context) (string, error)
}

// Reclaimer resolves conflicts over the service port.
type Reclaimer interface {
	Reclaim(ctx context.Context, host string, port int, policy arbiter.Policy) (arbiter.Report, error)
}

// Prober checks worker readiness.
type Prober interface {
	Check(ctx context.Context, ep endpoint.Endpoint) (probe.Health, error)
	AwaitReady(ctx context.Context, ep endpoint.Endpoint, maxAttempts int, interval time.Duration) bool
}

// Publisher announces a ready endpoint to editor integrations.
type Publisher interface {
	Publish(ep endpoint.Endpoint) (bool, error)
}

// Handle is a running worker.
type Handle interface {
	ID() string
	PID() int
	Done() <-chan struct{}
	Alive() bool
	ExitCode() (int, bool)
	Stop(grace time.Duration) error
	Kill() error
	Snapshot() process.Status
}

// Launcher starts a worker.
type Launcher func(spec process.LaunchSpec, stdout, stderr io.WriteCloser) (Handle, error)

// ProcessLauncher launches real OS processes.
func ProcessLauncher(spec process.LaunchSpec, stdout, stderr io.WriteCloser) (Handle, error) {
	p, err := process.Launch(spec, stdout, stderr)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options configures a Supervisor. Environment is required.
type Options struct {
	Config   Config
	DataDir  string
	Script   string
	Module   string
	Strategy process.Strategy
	ExtraEnv []string

	ProbeAttempts  int           // default 30
	ProbeInterval  time.Duration // default 500ms
	StopGrace      time.Duration // default 3s
	TrustWindow    time.Duration // 0 re-checks health on every EnsureReady
	SampleInterval time.Duration // worker resource sampling, default 15s
	StreamFiles    logger.FileConfig

	Environment Environment
	Reclaimer   Reclaimer
	Prober      Prober
	Launcher    Launcher
	Publisher   Publisher
	PortInUse   func(host string, port int) bool
	History     *history.Recorder
	Logger      *slog.Logger
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionInvalidate
	actionShutdown
)

type command struct {
	action commandAction
	cfg    Config
	cause  error
	gen    uint64
	reply  chan error
}

// Supervisor owns the worker lifecycle for one endpoint. Every lifecycle
// command runs on a single goroutine, so concurrent callers queue behind an
// in-flight attempt and share its outcome instead of spawning again.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	cmdChan  chan command
	exits    chan Handle
	doneChan chan struct{}
	base     context.Context
	stopBase context.CancelFunc

	// attempts completed; commands queued before an attempt finished reuse its result
	finished   atomic.Uint64
	lastResult error

	mu            sync.RWMutex
	cfg           Config
	state         State
	since         time.Time
	handle        Handle
	adopted       bool
	lastErr       error
	lastHealthy   time.Time
	spawns        int
	restarts      int
	attemptCancel context.CancelFunc
}

func New(opts Options) (*Supervisor, error) {
	if opts.Environment == nil {
		return nil, errdefs.New(errdefs.CodeInvalidConfiguration, "supervisor needs an environment provider")
	}
	if err := opts.Config.Endpoint.Validate(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInvalidConfiguration, err, "invalid worker endpoint")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = probe.DefaultMaxAttempts
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = probe.DefaultInterval
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = process.DefaultStopGrace
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = defaultSampleInterval
	}
	if opts.Prober == nil {
		opts.Prober = probe.New(probe.WithLogger(opts.Logger))
	}
	if opts.Reclaimer == nil {
		opts.Reclaimer = arbiter.New(arbiter.WithLogger(opts.Logger))
	}
	if opts.Launcher == nil {
		opts.Launcher = ProcessLauncher
	}
	if opts.PortInUse == nil {
		opts.PortInUse = arbiter.InUse
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:     opts,
		logger:   opts.Logger.With("component", "supervisor", "endpoint", opts.Config.Endpoint.Addr()),
		cmdChan:  make(chan command, 16),
		exits:    make(chan Handle, 8),
		doneChan: make(chan struct{}),
		base:     base,
		stopBase: cancel,
		cfg:      opts.Config,
		state:    StateStopped,
		since:    time.Now(),
	}
	for _, st := range allStates {
		metrics.SetCurrentState(s.cfg.Endpoint.Addr(), st.String(), st == StateStopped)
	}
	go s.run()
	return s, nil
}

// Start brings the worker to Ready. It returns nil at once when already
// Ready and otherwise blocks until the attempt succeeds or fails.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.send(ctx, command{action: actionStart})
}

// Stop cancels any in-flight start attempt, terminates the worker and ends in Stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancelAttempt()
	return s.send(ctx, command{action: actionStop})
}

// Restart applies cfg. The worker is restarted only when it is Ready and the
// change affects the launch; otherwise the configuration is just stored.
func (s *Supervisor) Restart(ctx context.Context, cfg Config) error {
	if err := cfg.Endpoint.Validate(); err != nil {
		return errdefs.Wrap(errdefs.CodeInvalidConfiguration, err, "invalid worker endpoint")
	}
	return s.send(ctx, command{action: actionRestart, cfg: cfg})
}

// Invalidate drops the Ready state after an observed failure so the next
// EnsureReady verifies or replaces the worker.
func (s *Supervisor) Invalidate(ctx context.Context, cause error) {
	if err := s.send(ctx, command{action: actionInvalidate, cause: cause}); err != nil {
		s.logger.Debug("invalidate not applied", "error", err)
	}
}

// EnsureReady returns nil when the worker is verified ready, starting it when needed.
func (s *Supervisor) EnsureReady(ctx context.Context) error {
	s.mu.RLock()
	state, healthy, ep := s.state, s.lastHealthy, s.cfg.Endpoint
	s.mu.RUnlock()

	if state == StateReady {
		if tw := s.opts.TrustWindow; tw > 0 && time.Since(healthy) < tw {
			return nil
		}
		cctx, cancel := context.WithTimeout(ctx, quickCheckTimeout)
		h, err := s.opts.Prober.Check(cctx, ep)
		cancel()
		if err == nil && h.Ready() {
			s.mu.Lock()
			s.lastHealthy = time.Now()
			s.mu.Unlock()
			return nil
		}
		if err == nil {
			err = fmt.Errorf("health check returned status %d (available=%v)", h.StatusCode, h.Available)
		}
		s.Invalidate(ctx, err)
	}
	return s.Start(ctx)
}

// Close stops the worker and ends the supervisor goroutine.
func (s *Supervisor) Close(ctx context.Context) error {
	s.cancelAttempt()
	err := s.send(ctx, command{action: actionShutdown})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Supervisor) Endpoint() endpoint.Endpoint { return s.Config().Endpoint }

// Status returns a snapshot for reporting.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		State:       s.state,
		Endpoint:    s.cfg.Endpoint,
		Since:       s.since,
		Adopted:     s.adopted,
		LastHealthy: s.lastHealthy,
		Spawns:      s.spawns,
		Restarts:    s.restarts,
	}
	h, lastErr := s.handle, s.lastErr
	s.mu.RUnlock()
	if h != nil {
		ps := h.Snapshot()
		st.Process = &ps
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
		st.ErrorCode = string(errdefs.CodeOf(lastErr))
	}
	return st
}

func (s *Supervisor) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	c.gen = s.finished.Load()
	select {
	case s.cmdChan <- c:
	case <-s.doneChan:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneChan:
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Supervisor) cancelAttempt() {
	s.mu.Lock()
	cancel := s.attemptCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run is the state machine loop (single goroutine).
func (s *Supervisor) run() {
	defer close(s.doneChan)
	ticker := time.NewTicker(s.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-s.cmdChan:
			if c.action == actionShutdown {
				c.reply <- s.handleShutdown()
				return
			}
			c.reply <- s.handleCommand(c)
		case h := <-s.exits:
			s.handleExit(h)
		case <-ticker.C:
			s.sampleResources()
		}
	}
}

func (s *Supervisor) handleCommand(c command) error {
	switch c.action {
	case actionStart:
		return s.handleStart(c)
	case actionStop:
		return s.handleStop()
	case actionRestart:
		return s.handleRestart(c)
	case actionInvalidate:
		s.handleInvalidate(c.cause)
		return nil
	default:
		return fmt.Errorf("unknown supervisor command %d", c.action)
	}
}

func (s *Supervisor) handleStart(c command) error {
	if c.gen < s.finished.Load() {
		// an attempt completed while this caller was queued
		return s.lastResult
	}
	if s.State() == StateReady {
		return nil
	}
	return s.attempt()
}

func (s *Supervisor) handleRestart(c command) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = c.cfg
	state := s.state
	s.mu.Unlock()

	if !old.RestartRequired(c.cfg) {
		return nil
	}
	if state != StateReady {
		s.logger.Info("configuration updated, worker not running")
		return nil
	}

	s.logger.Info("configuration changed, restarting worker",
		"endpoint", c.cfg.Endpoint.Addr(), "stata_path", c.cfg.StataPath, "edition", c.cfg.StataEdition)
	s.setState(StateRestarting, nil)
	s.mu.Lock()
	s.restarts++
	adopted := s.adopted
	s.mu.Unlock()
	if adopted {
		ctx, cancel := context.WithTimeout(s.base, arbiter.DefaultSettle+5*time.Second)
		if _, err := s.opts.Reclaimer.Reclaim(ctx, old.Endpoint.Host, old.Endpoint.Port, arbiter.PolicyForce); err != nil {
			s.logger.Warn("failed to stop adopted worker", "error", err)
		}
		cancel()
	} else {
		s.stopHandle()
	}
	return s.attempt()
}

func (s *Supervisor) handleStop() error {
	s.mu.RLock()
	adopted, state := s.adopted, s.state
	s.mu.RUnlock()
	if adopted {
		s.logger.Info("leaving adopted worker running")
	}
	err := s.stopHandle()
	s.mu.Lock()
	s.adopted = false
	s.mu.Unlock()
	if state != StateStopped {
		s.setState(StateStopped, nil)
	}
	return err
}

func (s *Supervisor) handleInvalidate(cause error) {
	if s.State() != StateReady {
		return
	}
	if cause == nil {
		cause = errors.New("worker invalidated")
	}
	s.logger.Warn("worker no longer considered ready", "cause", cause)
	s.mu.Lock()
	s.lastHealthy = time.Time{}
	s.mu.Unlock()
	s.setState(StateStopped, cause)
}

func (s *Supervisor) handleShutdown() error {
	err := s.handleStop()
	s.stopBase()
	return err
}

// attempt runs one start attempt and records its outcome for queued callers.
func (s *Supervisor) attempt() error {
	ctx, cancel := context.WithCancel(s.base)
	s.mu.Lock()
	s.attemptCancel = cancel
	cfg := s.cfg
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.attemptCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	began := time.Now()
	s.setState(StateStarting, nil)
	err := s.bringUp(ctx, cfg)
	ep := cfg.Endpoint.Addr()
	switch {
	case err == nil:
		metrics.ObserveStart(ep, "ready", time.Since(began).Seconds())
	case ctx.Err() != nil:
		s.logger.Info("start attempt canceled")
		metrics.ObserveStart(ep, "canceled", time.Since(began).Seconds())
		s.setState(StateStopped, nil)
		if !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", context.Canceled, err)
		}
	default:
		metrics.ObserveStart(ep, outcomeOf(err), time.Since(began).Seconds())
		s.logger.Error("worker failed to start", "code", errdefs.CodeOf(err), "error", err)
		s.setState(StateFailed, err)
	}
	s.lastResult = err
	s.finished.Add(1)
	return err
}

func (s *Supervisor) bringUp(ctx context.Context, cfg Config) error {
	ep := cfg.Endpoint

	cctx, cancel := context.WithTimeout(ctx, quickCheckTimeout)
	h, cerr := s.opts.Prober.Check(cctx, ep)
	cancel()
	switch {
	case cerr == nil && h.Ready():
		s.mu.Lock()
		own := s.handle != nil && s.handle.Alive()
		s.adopted = !own
		s.mu.Unlock()
		if own {
			s.logger.Info("worker is already ready")
		} else {
			s.logger.Info("adopting worker already serving on the endpoint", "version", h.Version)
		}
		s.becomeReady(ep)
		return nil
	case cerr == nil:
		s.logger.Warn("endpoint answers but the backend is not initialized, reclaiming port", "http_status", h.StatusCode)
		s.stopHandle()
		if _, err := s.opts.Reclaimer.Reclaim(ctx, ep.Host, ep.Port, arbiter.PolicyForce); err != nil {
			return err
		}
	default:
		s.stopHandle()
		if s.opts.PortInUse(ep.Host, ep.Port) {
			policy := arbiter.PolicyRespect
			if cfg.ForcePort {
				policy = arbiter.PolicyForce
			}
			s.logger.Warn("port is bound by a process that does not answer health checks", "policy", policy)
			if _, err := s.opts.Reclaimer.Reclaim(ctx, ep.Host, ep.Port, policy); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	python, err := s.opts.Environment.EnsureEnvironment(ctx)
	if err != nil {
		return err
	}

	wh, err := s.launch(python, cfg)
	if err != nil {
		return err
	}
	s.setState(StateProbingHealth, nil)

	pctx, pcancel := context.WithCancel(ctx)
	defer pcancel()
	go func() {
		select {
		case <-wh.Done():
			pcancel()
		case <-pctx.Done():
		}
	}()
	if s.opts.Prober.AwaitReady(pctx, ep, s.opts.ProbeAttempts, s.opts.ProbeInterval) {
		s.becomeReady(ep)
		return nil
	}

	select {
	case <-wh.Done():
		code, ok := wh.ExitCode()
		return errdefs.New(errdefs.CodeProcessExited, "worker exited during startup (%s)", describeExit(code, ok)).
			WithSuggestion("check the worker log at " + cfg.WorkerLogFile(s.opts.DataDir))
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errdefs.New(errdefs.CodeStartTimeout, "worker on %s did not become ready after %d health checks",
		ep.Addr(), s.opts.ProbeAttempts).
		WithSuggestion("verify the Stata installation path and license, then check " + cfg.WorkerLogFile(s.opts.DataDir))
}

func (s *Supervisor) launch(python string, cfg Config) (Handle, error) {
	logFile := cfg.WorkerLogFile(s.opts.DataDir)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
		s.logger.Warn("failed to create worker log directory", "dir", filepath.Dir(logFile), "error", err)
	}
	spec := cfg.LaunchSpec(python, s.opts)

	outTee, errTee, err := s.opts.StreamFiles.Writers(workerName)
	if err != nil {
		s.logger.Warn("worker output files unavailable", "error", err)
	}
	wl := s.opts.Logger.With("component", "worker", "endpoint", cfg.Endpoint.Addr())
	stdout := logger.NewLineWriter(wl, slog.LevelInfo, "stdout", outTee)
	stderr := logger.NewLineWriter(wl, slog.LevelWarn, "stderr", errTee)

	s.logger.Info("starting worker", "command", spec.CommandLine(), "strategy", spec.Strategy)
	h, err := s.opts.Launcher(spec, stdout, stderr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handle = h
	s.adopted = false
	s.spawns++
	s.mu.Unlock()
	metrics.IncSpawn(cfg.Endpoint.Addr())
	s.opts.History.Record(s.base, history.Event{
		Type:   history.EventSpawn,
		Record: history.Record{Service: cfg.Endpoint.Addr(), HandleID: h.ID(), PID: h.PID(), State: StateStarting.String()},
	})
	s.logger.Info("worker process started", "pid", h.PID(), "handle", h.ID())

	go s.watch(h)
	return h, nil
}

func (s *Supervisor) watch(h Handle) {
	select {
	case <-h.Done():
	case <-s.doneChan:
		return
	}
	select {
	case s.exits <- h:
	case <-s.doneChan:
	}
}

func (s *Supervisor) handleExit(h Handle) {
	s.mu.Lock()
	if s.handle == nil || s.handle.ID() != h.ID() {
		s.mu.Unlock()
		s.logger.Debug("ignoring exit of a replaced worker", "handle", h.ID())
		return
	}
	s.handle = nil
	state := s.state
	ep := s.cfg.Endpoint.Addr()
	s.mu.Unlock()

	code, ok := h.ExitCode()
	rec := history.Record{Service: ep, HandleID: h.ID(), PID: h.PID(), State: state.String(), Error: describeExit(code, ok)}
	s.opts.History.Record(s.base, history.Event{Type: history.EventExit, Record: rec})

	if state != StateReady {
		s.logger.Info("worker exited", "pid", h.PID(), "exit", describeExit(code, ok), "state", state)
		return
	}
	if ok && code != 0 {
		err := errdefs.New(errdefs.CodeProcessExited, "worker exited unexpectedly with code %d", code).
			WithSuggestion("check the worker log; the next request restarts it")
		s.logger.Error("worker exited unexpectedly", "pid", h.PID(), "code", code)
		metrics.IncUnexpectedExit(ep)
		s.setState(StateStopped, err)
		return
	}
	s.logger.Warn("worker exited", "pid", h.PID(), "exit", describeExit(code, ok))
	s.setState(StateStopped, nil)
}

// stopHandle terminates the current worker, if any.
func (s *Supervisor) stopHandle() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil || !h.Alive() {
		return nil
	}
	s.logger.Info("stopping worker", "pid", h.PID())
	if err := h.Stop(s.opts.StopGrace); err != nil {
		return fmt.Errorf("stop worker pid %d: %w", h.PID(), err)
	}
	return nil
}

func (s *Supervisor) becomeReady(ep endpoint.Endpoint) {
	s.mu.Lock()
	s.lastHealthy = time.Now()
	s.mu.Unlock()
	s.setState(StateReady, nil)
	if s.opts.Publisher != nil {
		if _, err := s.opts.Publisher.Publish(ep); err != nil {
			s.logger.Warn("integration update failed", "error", err)
		}
	}
}

// setState records a transition. cause, when set, becomes the last error;
// reaching Ready clears it.
func (s *Supervisor) setState(next State, cause error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.since = time.Now()
	switch {
	case cause != nil:
		s.lastErr = cause
	case next == StateReady:
		s.lastErr = nil
	}
	ep := s.cfg.Endpoint.Addr()
	var pid int
	var id string
	if s.handle != nil {
		pid, id = s.handle.PID(), s.handle.ID()
	}
	s.mu.Unlock()

	if prev == next {
		return
	}
	metrics.RecordStateTransition(ep, prev.String(), next.String())
	metrics.SetCurrentState(ep, prev.String(), false)
	metrics.SetCurrentState(ep, next.String(), true)

	rec := history.Record{Service: ep, HandleID: id, PID: pid, From: prev.String(), State: next.String()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	s.opts.History.Record(s.base, history.Event{Type: history.EventTransition, Record: rec})
	s.logger.Debug("state transition", "from", prev, "to", next)
}

func (s *Supervisor) sampleResources() {
	s.mu.RLock()
	h := s.handle
	ep := s.cfg.Endpoint.Addr()
	s.mu.RUnlock()
	if h == nil || !h.Alive() {
		return
	}
	ctx, cancel := context.WithTimeout(s.base, 2*time.Second)
	defer cancel()
	u, err := metrics.SampleProcess(ctx, int32(h.PID()))
	if err != nil {
		s.logger.Debug("worker resource sample failed", "error", err)
		return
	}
	metrics.SetWorkerResources(ep, u.MemoryRSS, u.CPUPercent)
}

func describeExit(code int, ok bool) string {
	if !ok {
		return "terminated by signal"
	}
	return fmt.Sprintf("exit code %d", code)
}

func outcomeOf(err error) string {
	if c := errdefs.CodeOf(err); c != "" {
		return string(c)
	}
	return "error"
}
