package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/research41/stata-mcp/internal/arbiter"
	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/probe"
	"github.com/research41/stata-mcp/internal/process"
)

type fakeHandle struct {
	id   string
	pid  int
	done chan struct{}

	mu      sync.Mutex
	code    int
	known   bool
	stopped bool
	closed  bool
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{id: uuid.NewString(), pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *fakeHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.known
}

func (h *fakeHandle) exit(code int, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.code, h.known, h.closed = code, known, true
	close(h.done)
}

func (h *fakeHandle) Stop(time.Duration) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit(0, false)
	return nil
}

func (h *fakeHandle) Kill() error { return h.Stop(0) }

func (h *fakeHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *fakeHandle) Snapshot() process.Status {
	return process.Status{ID: h.id, Name: workerName, PID: h.pid, Running: h.Alive()}
}

// fakeWorld simulates the endpoint: it is ready once a launched handle is
// alive and the launch has been marked healthy.
type fakeWorld struct {
	mu       sync.Mutex
	launches int
	handles  []*fakeHandle
	specs    []process.LaunchSpec
	external bool // a healthy worker not launched by us
	answers  bool // endpoint answers without being ready
	healthy  bool // launched workers become ready
	delay    time.Duration
	reclaims []arbiter.Policy
	portBusy bool

	healOnLaunch bool // launching marks the world healthy again
	reclaimErr   error
	published    []endpoint.Endpoint
	checks       atomic.Int32
}

func (w *fakeWorld) launch(spec process.LaunchSpec, stdout, stderr io.WriteCloser) (Handle, error) {
	_ = stdout.Close()
	_ = stderr.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.launches++
	if w.healOnLaunch {
		w.healthy = true
	}
	w.specs = append(w.specs, spec)
	h := newFakeHandle(1000 + w.launches)
	w.handles = append(w.handles, h)
	return h, nil
}

func (w *fakeWorld) last() *fakeHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.handles) == 0 {
		return nil
	}
	return w.handles[len(w.handles)-1]
}

func (w *fakeWorld) launchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.launches
}

func (w *fakeWorld) readyNow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.external {
		return true
	}
	if !w.healthy || len(w.handles) == 0 {
		return false
	}
	return w.handles[len(w.handles)-1].Alive()
}

func (w *fakeWorld) Check(ctx context.Context, ep endpoint.Endpoint) (probe.Health, error) {
	w.checks.Add(1)
	if w.readyNow() {
		return probe.Health{StatusCode: 200, Status: "ok", Available: true}, nil
	}
	w.mu.Lock()
	answers := w.answers
	w.mu.Unlock()
	if answers {
		return probe.Health{StatusCode: 200, Status: "ok"}, nil
	}
	return probe.Health{}, errors.New("connection refused")
}

func (w *fakeWorld) AwaitReady(ctx context.Context, ep endpoint.Endpoint, n int, interval time.Duration) bool {
	w.mu.Lock()
	d := w.delay
	w.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return false
		}
	}
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return false
		}
		if w.readyNow() {
			return true
		}
		if i < n-1 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}

func (w *fakeWorld) Reclaim(ctx context.Context, host string, port int, policy arbiter.Policy) (arbiter.Report, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reclaims = append(w.reclaims, policy)
	if w.reclaimErr != nil {
		return arbiter.Report{Port: port}, w.reclaimErr
	}
	w.external = false
	w.answers = false
	w.portBusy = false
	return arbiter.Report{Port: port, Settled: true}, nil
}

func (w *fakeWorld) Publish(ep endpoint.Endpoint) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.published = append(w.published, ep)
	return true, nil
}

func (w *fakeWorld) inUse(string, int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.portBusy
}

type staticEnv struct {
	python string
	err    error
	calls  atomic.Int32
}

func (e *staticEnv) EnsureEnvironment(context.Context) (string, error) {
	e.calls.Add(1)
	return e.python, e.err
}

func testConfig() Config {
	return Config{
		Endpoint:     endpoint.New("localhost", 4000),
		StataPath:    "/usr/local/stata18",
		StataEdition: "mp",
	}
}

func newTestSupervisor(t *testing.T, w *fakeWorld, mutate ...func(*Options)) *Supervisor {
	t.Helper()
	opts := Options{
		Config:        testConfig(),
		DataDir:       t.TempDir(),
		Script:        "/opt/ext/stata_mcp_server.py",
		Strategy:      process.StrategyArgv,
		ProbeAttempts: 10,
		ProbeInterval: 5 * time.Millisecond,
		StopGrace:     10 * time.Millisecond,
		Environment:   &staticEnv{python: "/opt/ext/.venv/bin/python"},
		Reclaimer:     w,
		Prober:        w,
		Launcher:      w.launch,
		Publisher:     w,
		PortInUse:     w.inUse,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRequiresEnvironment(t *testing.T) {
	_, err := New(Options{Config: testConfig()})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidConfiguration))
}

func TestNewRejectsInvalidEndpoint(t *testing.T) {
	_, err := New(Options{Config: Config{Endpoint: endpoint.New("localhost", 0)}, Environment: &staticEnv{}})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidConfiguration))
}

func TestStartLaunchesAndBecomesReady(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)

	require.NoError(t, s.Start(ctxT(t)))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, w.launchCount())
	require.Len(t, w.published, 1)
	assert.Equal(t, endpoint.New("localhost", 4000), w.published[0])

	spec := w.specs[0]
	assert.Equal(t, "/opt/ext/.venv/bin/python", spec.Python)
	assert.Contains(t, spec.Args, "--port")
	assert.Contains(t, spec.Env, "PYTHONUNBUFFERED=1")

	st := s.Status()
	assert.Equal(t, 1, st.Spawns)
	assert.False(t, st.Adopted)
	require.NotNil(t, st.Process)
	assert.True(t, st.Process.Running)
	assert.False(t, st.LastHealthy.IsZero())
}

func TestStartIsIdempotentWhenReady(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, w.launchCount())
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	w := &fakeWorld{healthy: true, delay: 50 * time.Millisecond}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, w.launchCount())
}

func TestConcurrentStartsShareFailure(t *testing.T) {
	w := &fakeWorld{delay: 150 * time.Millisecond}
	s := newTestSupervisor(t, w, func(o *Options) { o.ProbeAttempts = 3 })
	ctx := ctxT(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, errdefs.Is(err, errdefs.CodeStartTimeout))
	}
	assert.Equal(t, 1, w.launchCount())
}

func TestStartAdoptsHealthyInstance(t *testing.T) {
	w := &fakeWorld{external: true}
	s := newTestSupervisor(t, w)

	require.NoError(t, s.Start(ctxT(t)))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 0, w.launchCount())
	assert.True(t, s.Status().Adopted)
	assert.Len(t, w.published, 1)
}

func TestStartTimeoutLeavesProcessRunning(t *testing.T) {
	w := &fakeWorld{}
	s := newTestSupervisor(t, w, func(o *Options) { o.ProbeAttempts = 3 })

	err := s.Start(ctxT(t))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeStartTimeout))
	assert.NotEmpty(t, errdefs.Suggestion(err))
	assert.Equal(t, StateFailed, s.State())

	h := w.last()
	require.NotNil(t, h)
	assert.True(t, h.Alive())
	assert.False(t, h.wasStopped())

	st := s.Status()
	assert.Equal(t, string(errdefs.CodeStartTimeout), st.ErrorCode)
	assert.NotEmpty(t, st.LastError)
}

func TestExitDuringProbingReportsProcessExited(t *testing.T) {
	w := &fakeWorld{}
	s := newTestSupervisor(t, w, func(o *Options) {
		o.ProbeAttempts = 200
		o.ProbeInterval = 10 * time.Millisecond
		launch := o.Launcher
		o.Launcher = func(spec process.LaunchSpec, out, errw io.WriteCloser) (Handle, error) {
			h, err := launch(spec, out, errw)
			go func() {
				time.Sleep(30 * time.Millisecond)
				h.(*fakeHandle).exit(2, true)
			}()
			return h, err
		}
	})

	began := time.Now()
	err := s.Start(ctxT(t))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeProcessExited))
	assert.Contains(t, err.Error(), "exit code 2")
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, StateFailed, s.State())
}

func TestEnvironmentFailureFailsStart(t *testing.T) {
	w := &fakeWorld{healthy: true}
	envErr := errdefs.New(errdefs.CodeSetupFailed, "no python")
	s := newTestSupervisor(t, w, func(o *Options) { o.Environment = &staticEnv{err: envErr} })

	err := s.Start(ctxT(t))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodeSetupFailed))
	assert.Equal(t, 0, w.launchCount())
	assert.Equal(t, StateFailed, s.State())
}

func TestUnexpectedExitMovesToStopped(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	require.NoError(t, s.Start(ctxT(t)))

	w.last().exit(1, true)
	require.Eventually(t, func() bool { return s.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.Equal(t, string(errdefs.CodeProcessExited), st.ErrorCode)
	assert.Nil(t, st.Process)

	// next start replaces the worker
	require.NoError(t, s.Start(ctxT(t)))
	assert.Equal(t, 2, w.launchCount())
	assert.Equal(t, StateReady, s.State())
	assert.Empty(t, s.Status().LastError)
}

func TestStopTerminatesWorker(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, w.last().wasStopped())
	assert.Nil(t, s.Status().Process)

	require.NoError(t, s.Stop(ctx), "stop is a no-op when already stopped")
}

func TestStopCancelsInFlightStart(t *testing.T) {
	w := &fakeWorld{delay: 5 * time.Second}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)

	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()
	require.Eventually(t, func() bool { return w.launchCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after stop")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, w.last().wasStopped())
}

func TestPortConflictUnderRespectPolicy(t *testing.T) {
	conflict := errdefs.New(errdefs.CodePortConflict, "port 4000 is in use")
	w := &fakeWorld{healthy: true, portBusy: true, reclaimErr: conflict}
	s := newTestSupervisor(t, w)

	err := s.Start(ctxT(t))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.CodePortConflict))
	assert.Equal(t, []arbiter.Policy{arbiter.PolicyRespect}, w.reclaims)
	assert.Equal(t, 0, w.launchCount())
}

func TestForcePortReclaimsBeforeLaunch(t *testing.T) {
	w := &fakeWorld{healthy: true, portBusy: true}
	s := newTestSupervisor(t, w, func(o *Options) { o.Config.ForcePort = true })

	require.NoError(t, s.Start(ctxT(t)))
	assert.Equal(t, []arbiter.Policy{arbiter.PolicyForce}, w.reclaims)
	assert.Equal(t, 1, w.launchCount())
}

func TestUninitializedResponderIsReclaimed(t *testing.T) {
	w := &fakeWorld{healthy: true, answers: true}
	s := newTestSupervisor(t, w)

	require.NoError(t, s.Start(ctxT(t)))
	assert.Equal(t, []arbiter.Policy{arbiter.PolicyForce}, w.reclaims)
	assert.Equal(t, 1, w.launchCount())
}

func TestRestartOnlyWhenRequired(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Restart(ctx, testConfig()))
	assert.Equal(t, 1, w.launchCount())

	next := testConfig()
	next.StataEdition = "se"
	require.NoError(t, s.Restart(ctx, next))
	assert.Equal(t, 2, w.launchCount())
	assert.Equal(t, StateReady, s.State())
	assert.True(t, w.handles[0].wasStopped())
	assert.Equal(t, "se", s.Config().StataEdition)
	assert.Equal(t, 1, s.Status().Restarts)
	assert.Contains(t, w.specs[1].Args, "se")
}

func TestRestartWhileStoppedStoresConfig(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)

	next := testConfig()
	next.Endpoint = endpoint.New("localhost", 4100)
	require.NoError(t, s.Restart(ctxT(t), next))
	assert.Equal(t, 0, w.launchCount())
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 4100, s.Endpoint().Port)
}

func TestRestartAdoptedInstanceReclaimsOldEndpoint(t *testing.T) {
	w := &fakeWorld{external: true, healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))
	require.True(t, s.Status().Adopted)

	next := testConfig()
	next.LogLevel = "DEBUG"
	require.NoError(t, s.Restart(ctx, next))
	assert.Equal(t, []arbiter.Policy{arbiter.PolicyForce}, w.reclaims)
	assert.Equal(t, 1, w.launchCount())
	assert.False(t, s.Status().Adopted)
}

func TestInvalidateThenEnsureReadyReplacesDeadWorker(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))

	w.mu.Lock()
	w.healthy = false
	w.mu.Unlock()
	s.Invalidate(ctx, errors.New("connection reset"))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, "connection reset", s.Status().LastError)

	w.mu.Lock()
	w.healthy = true
	w.mu.Unlock()
	require.NoError(t, s.EnsureReady(ctx))
	assert.Equal(t, StateReady, s.State())
	// the old worker still answered once health returned, so it was kept
	assert.Equal(t, 1, w.launchCount())
}

func TestEnsureReadyDetectsSilentFailure(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))

	// the worker hangs: alive but no longer healthy
	w.mu.Lock()
	w.healthy = false
	w.healOnLaunch = true
	w.mu.Unlock()

	require.NoError(t, s.EnsureReady(ctx))
	assert.Equal(t, 2, w.launchCount())
	assert.True(t, w.handles[0].wasStopped())
}

func TestEnsureReadyTrustWindowSkipsCheck(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w, func(o *Options) { o.TrustWindow = time.Minute })
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))

	before := w.checks.Load()
	require.NoError(t, s.EnsureReady(ctx))
	require.NoError(t, s.EnsureReady(ctx))
	assert.Equal(t, before, w.checks.Load())
}

func TestEnsureReadyChecksWithoutTrustWindow(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))

	before := w.checks.Load()
	require.NoError(t, s.EnsureReady(ctx))
	assert.Equal(t, before+1, w.checks.Load())
	assert.Equal(t, 1, w.launchCount())
}

func TestCloseStopsWorkerAndRejectsCalls(t *testing.T) {
	w := &fakeWorld{healthy: true}
	s := newTestSupervisor(t, w)
	ctx := ctxT(t)
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.Close(ctx))
	assert.True(t, w.last().wasStopped())
	assert.ErrorIs(t, s.Start(ctx), ErrClosed)
	require.NoError(t, s.Close(ctx))
}

func TestStateStrings(t *testing.T) {
	want := []string{"stopped", "starting", "probing_health", "ready", "restarting", "failed"}
	for i, st := range allStates {
		assert.Equal(t, want[i], st.String())
	}
	assert.True(t, StateProbingHealth.Transitional())
	assert.False(t, StateReady.Transitional())
	b, err := StateReady.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ready", string(b))
}

func TestConfigRestartRequiredAndArgs(t *testing.T) {
	a := testConfig()
	assert.False(t, a.RestartRequired(a))
	b := a
	b.ForcePort = true
	assert.True(t, a.RestartRequired(b))

	args := a.Args("/data")
	assert.Equal(t, "INFO", args.LogLevel)
	assert.Equal(t, LogLocationExtension, args.LogFileLocation)
	assert.Equal(t, "/data/logs/stata_mcp_server.log", args.LogFile)

	a.LogFileLocation = LogLocationWorkspace
	assert.Equal(t, "/data/stata_mcp_server.log", a.WorkerLogFile("/data"))
}
