package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/research41/stata-mcp/internal/dispatch"
	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/supervisor"
)

type fakeController struct {
	mu       sync.Mutex
	state    supervisor.State
	startErr error
	dispErr  error
	result   dispatch.Result
	last     dispatch.Request
	timeout  time.Duration
	restarts int
}

func (f *fakeController) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{State: f.state, Endpoint: endpoint.New("localhost", 4000)}
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.state = supervisor.StateReady
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = supervisor.StateStopped
	return nil
}

func (f *fakeController) Restart(ctx context.Context) error {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	return f.Start(ctx)
}

func (f *fakeController) Dispatch(_ context.Context, req dispatch.Request, timeout time.Duration) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last, f.timeout = req, timeout
	if f.dispErr != nil {
		return dispatch.Result{Message: f.dispErr.Error()}, f.dispErr
	}
	return f.result, nil
}

func setupRouter(t *testing.T, ctl Controller, base string, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestStatus(t *testing.T) {
	h := setupRouter(t, &fakeController{}, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decode(t, rec)["state"])
}

func TestStartStopRestart(t *testing.T) {
	ctl := &fakeController{}
	h := setupRouter(t, ctl, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "ready", m["status"].(map[string]any)["state"])

	rec = doReq(t, h, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decode(t, rec)["status"].(map[string]any)["state"])

	rec = doReq(t, h, http.MethodPost, "/api/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctl.restarts)
}

func TestStartFailureIs503WithSuggestion(t *testing.T) {
	ctl := &fakeController{startErr: errdefs.New(errdefs.CodeStartTimeout, "worker did not become ready").
		WithSuggestion("check the worker log")}
	h := setupRouter(t, ctl, "")

	rec := doReq(t, h, http.MethodPost, "/start", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, "START_TIMEOUT", m["code"])
	assert.Equal(t, "worker did not become ready", m["error"])
	assert.Equal(t, "check the worker log", m["suggestion"])
}

func TestDispatchSuccess(t *testing.T) {
	ctl := &fakeController{result: dispatch.Result{OK: true, Output: "hello"}}
	h := setupRouter(t, ctl, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/dispatch", map[string]any{
		"tool":       "run_selection",
		"parameters": map[string]any{"selection": `di "hello"`},
		"timeout":    "45s",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello", decode(t, rec)["output"])
	assert.Equal(t, "run_selection", ctl.last.Tool)
	assert.Equal(t, `di "hello"`, ctl.last.Parameters["selection"])
	assert.Equal(t, 45*time.Second, ctl.timeout)
}

func TestDispatchErrorStatuses(t *testing.T) {
	cases := []struct {
		code errdefs.Code
		want int
	}{
		{errdefs.CodeApplicationError, http.StatusUnprocessableEntity},
		{errdefs.CodeTransportFailure, http.StatusBadGateway},
		{errdefs.CodeStartTimeout, http.StatusServiceUnavailable},
		{errdefs.CodeToolUnavailable, http.StatusServiceUnavailable},
		{errdefs.CodePortConflict, http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		t.Run(string(c.code), func(t *testing.T) {
			ctl := &fakeController{dispErr: errdefs.New(c.code, "failed")}
			h := setupRouter(t, ctl, "")
			rec := doReq(t, h, http.MethodPost, "/dispatch", map[string]any{"tool": "run_command", "parameters": map[string]any{"command": "x"}})
			assert.Equal(t, c.want, rec.Code)
			assert.Equal(t, string(c.code), decode(t, rec)["code"])
		})
	}
}

func TestDispatchRejectsBadInput(t *testing.T) {
	h := setupRouter(t, &fakeController{}, "")

	rec := doReq(t, h, http.MethodPost, "/dispatch", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/dispatch", map[string]any{"tool": "../run"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/dispatch", map[string]any{"tool": "run_file", "parameters": map[string]any{"file_path": "relative.do"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/dispatch", map[string]any{"tool": "run_command", "timeout": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("stata_mcp_spawns_total 1\n"))
	})
	h := setupRouter(t, &fakeController{}, "/api", WithMetrics(metrics))
	rec := doReq(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stata_mcp_spawns_total")

	h = setupRouter(t, &fakeController{}, "/api")
	rec = doReq(t, h, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServerUsesRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer("127.0.0.1:0", NewRouter(&fakeController{}, "/api"))
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
