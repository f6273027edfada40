package statamcp

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/research41/stata-mcp/internal/config"
	"github.com/research41/stata-mcp/internal/detector"
	"github.com/research41/stata-mcp/internal/dispatch"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/process"
	"github.com/research41/stata-mcp/internal/supervisor"
)

type noEnv struct{ t *testing.T }

func (e noEnv) EnsureEnvironment(context.Context) (string, error) {
	e.t.Errorf("environment should not be built when a worker is already serving")
	return "", errdefs.New(errdefs.CodeToolUnavailable, "unexpected")
}

type noDetector struct{}

func (noDetector) Detect() (detector.Installation, bool) { return detector.Installation{}, false }
func (noDetector) Describe() string                      { return "none" }

type fakeHandle struct {
	done    chan struct{}
	once    sync.Once
	code    int
	stopped bool
	mu      sync.Mutex
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) ID() string            { return "fake" }
func (h *fakeHandle) PID() int              { return 4242 }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
func (h *fakeHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, !h.Alive()
}
func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	h.code = code
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}
func (h *fakeHandle) Stop(time.Duration) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit(0)
	return nil
}
func (h *fakeHandle) Kill() error               { return h.Stop(0) }
func (h *fakeHandle) Snapshot() process.Status { return process.Status{ID: "fake", PID: 4242} }

// worker is an in-process stand-in for the Stata worker.
type worker struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []map[string]any
}

func newWorker(t *testing.T) *worker {
	t.Helper()
	w := &worker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(rw, `{"status":"ok","service":"stata-mcp","version":"1.0","stata_available":true}`)
	})
	mux.HandleFunc("/v1/tools", func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.mu.Lock()
		w.calls = append(w.calls, body)
		w.mu.Unlock()
		_, _ = io.WriteString(rw, `{"status":"success","result":"ran `+body["tool"].(string)+`"}`)
	})
	w.srv = httptest.NewServer(mux)
	t.Cleanup(w.srv.Close)
	return w
}

func (w *worker) port(t *testing.T) int {
	t.Helper()
	_, p, err := net.SplitHostPort(strings.TrimPrefix(w.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	n, _ := strconv.Atoi(p)
	return n
}

func (w *worker) lastCall() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		return nil
	}
	return w.calls[len(w.calls)-1]
}

func testSettings(t *testing.T, port int) Settings {
	t.Helper()
	t.Setenv("STATA_MCP_DATA_DIR", t.TempDir())
	s, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	s.Host = "127.0.0.1"
	s.Port = port
	s.StataPath = "/usr/local/stata18"
	s.IntegrationFile = filepath.Join(t.TempDir(), "mcp.json")
	s.Probe.Attempts = 5
	s.Probe.Interval = 20 * time.Millisecond
	return s
}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Environment == nil {
		opts.Environment = noEnv{t}
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestServiceAdoptsRunningWorkerAndDispatches(t *testing.T) {
	w := newWorker(t)
	svc := newService(t, Options{Settings: testSettings(t, w.port(t))})
	ctx := context.Background()

	res, err := svc.RunCommand(ctx, "di 1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.OK || res.Output != "ran run_command" {
		t.Fatalf("unexpected result: %+v", res)
	}
	st := svc.Status()
	if st.State != supervisor.StateReady || !st.Adopted {
		t.Fatalf("expected adopted ready worker, got %+v", st)
	}

	raw, err := os.ReadFile(svc.Settings().IntegrationFile)
	if err != nil {
		t.Fatalf("integration file: %v", err)
	}
	want := "http://127.0.0.1:" + strconv.Itoa(w.port(t)) + "/mcp"
	if !strings.Contains(string(raw), want) {
		t.Fatalf("integration file %s does not contain %s", raw, want)
	}
}

func TestServiceRunFileUsesConfiguredTimeout(t *testing.T) {
	w := newWorker(t)
	s := testSettings(t, w.port(t))
	s.RunFileTimeout = 90 * time.Second
	svc := newService(t, Options{Settings: s})
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, Request{Tool: dispatch.ToolRunFile, Parameters: map[string]any{"file_path": "/tmp/a.do"}}, 0); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	params, _ := w.lastCall()["parameters"].(map[string]any)
	if params["timeout"] != float64(90) || params["file_path"] != "/tmp/a.do" {
		t.Fatalf("unexpected parameters: %v", params)
	}

	if _, err := svc.RunFile(ctx, "/tmp/b.do"); err != nil {
		t.Fatalf("run file: %v", err)
	}
	params, _ = w.lastCall()["parameters"].(map[string]any)
	if params["timeout"] != float64(90) || params["file_path"] != "/tmp/b.do" {
		t.Fatalf("unexpected parameters: %v", params)
	}
}

func TestServiceConnectionTest(t *testing.T) {
	w := newWorker(t)
	svc := newService(t, Options{Settings: testSettings(t, w.port(t))})
	res, err := svc.Test(context.Background())
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if res.Output != "ran "+dispatch.ToolStataRunSelection {
		t.Fatalf("unexpected output %q", res.Output)
	}
	params, _ := w.lastCall()["parameters"].(map[string]any)
	if params["selection"] != dispatch.TestCommand {
		t.Fatalf("unexpected selection %v", params["selection"])
	}
}

func TestNewRequiresStataPath(t *testing.T) {
	s := testSettings(t, 4000)
	s.StataPath = ""
	_, err := New(Options{Settings: s, Detectors: []detector.Detector{noDetector{}}})
	if !errdefs.Is(err, errdefs.CodeInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
	if errdefs.Suggestion(err) == "" {
		t.Fatalf("expected a suggestion")
	}
}

func TestApplyStoresSettingsWhileStopped(t *testing.T) {
	svc := newService(t, Options{Settings: testSettings(t, 4000)})
	next := svc.Settings()
	next.Port = 4010
	next.StataPath = ""
	if err := svc.Apply(context.Background(), next); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := svc.Settings(); got.Port != 4010 || got.StataPath == "" {
		t.Fatalf("unexpected settings: %+v", got)
	}
	if got := svc.sup.Config().Endpoint.Port; got != 4010 {
		t.Fatalf("supervisor still on port %d", got)
	}
	if svc.Status().State != supervisor.StateStopped {
		t.Fatalf("apply must not start the worker")
	}

	bad := svc.Settings()
	bad.StataEdition = "xx"
	if err := svc.Apply(context.Background(), bad); !errdefs.Is(err, errdefs.CodeInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestRouterServesStatusAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	svc := newService(t, Options{Settings: testSettings(t, 4000), Registerer: reg, Gatherer: reg})
	h := svc.Router().Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"stopped"`) {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestLaunchPropagatesExitCode(t *testing.T) {
	s := testSettings(t, 4000)
	var got process.LaunchSpec
	h := newFakeHandle()
	code, err := Launch(context.Background(), LaunchOptions{
		Settings: s,
		Python:   "/opt/py/bin/python",
		Stdout:   io.Discard,
		Stderr:   io.Discard,
		Launcher: func(spec process.LaunchSpec, _, _ io.WriteCloser) (supervisor.Handle, error) {
			got = spec
			h.exit(3)
			return h, nil
		},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if got.Python != "/opt/py/bin/python" || !strings.Contains(strings.Join(got.Args, " "), "--port 4000") {
		t.Fatalf("unexpected spec: %+v", got)
	}
	if !containsEnv(got.Env, "PYTHONUNBUFFERED=1") {
		t.Fatalf("worker env lacks PYTHONUNBUFFERED")
	}
}

func TestLaunchStopsWorkerOnCancel(t *testing.T) {
	s := testSettings(t, 4000)
	h := newFakeHandle()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	code, err := Launch(ctx, LaunchOptions{
		Settings: s,
		Python:   "/opt/py/bin/python",
		Stdout:   io.Discard,
		Stderr:   io.Discard,
		Launcher: func(process.LaunchSpec, io.WriteCloser, io.WriteCloser) (supervisor.Handle, error) {
			return h, nil
		},
	})
	if err != nil || code != 0 {
		t.Fatalf("expected clean shutdown, got %d %v", code, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		t.Fatalf("worker was not stopped")
	}
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}
