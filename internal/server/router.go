package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/research41/stata-mcp/internal/dispatch"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/supervisor"
)

// Controller is the service the API drives.
type Controller interface {
	Status() supervisor.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Dispatch(ctx context.Context, req dispatch.Request, timeout time.Duration) (dispatch.Result, error)
}

// Router provides embeddable HTTP handlers for the local service.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/start
//	POST {basePath}/stop
//	POST {basePath}/restart
//	POST {basePath}/dispatch   body: {"tool": ..., "parameters": {...}, "timeout": "30s"}
//	GET  {basePath}/metrics    when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	metrics  http.Handler
	logger   *slog.Logger
}

type Option func(*Router)

// WithMetrics serves h at {basePath}/metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }
func WithLogger(l *slog.Logger) Option  { return func(r *Router) { r.logger = l } }

func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the endpoints to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/dispatch", r.handleDispatch)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
}

// NewServer returns a configured, not yet started, HTTP server for this router.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// dispatch responses can take as long as a do-file runs
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

type okResp struct {
	OK     bool              `json:"ok"`
	Status supervisor.Status `json:"status"`
}

type dispatchReq struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Timeout    string         `json:"timeout,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.ctl.Start(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Status: r.ctl.Status()})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.ctl.Stop(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Status: r.ctl.Status()})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.ctl.Restart(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Status: r.ctl.Status()})
}

func (r *Router) handleDispatch(c *gin.Context) {
	var body dispatchReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(body.Tool) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid tool: allowed [A-Za-z0-9._-]"})
		return
	}
	if p, ok := body.Parameters["file_path"].(string); ok && (p == "" || !isSafeAbsPath(p)) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid file_path: must be absolute path without traversal"})
		return
	}
	var timeout time.Duration
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + body.Timeout})
			return
		}
		timeout = d
	}

	res, err := r.ctl.Dispatch(c.Request.Context(), dispatch.Request{Tool: body.Tool, Parameters: body.Parameters}, timeout)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) fail(c *gin.Context, err error) {
	code := errdefs.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		r.logger.Warn("api request failed", "path", c.FullPath(), "code", code, "error", err)
	}
	resp := errorResp{Error: err.Error(), Code: string(code), Suggestion: errdefs.Suggestion(err)}
	var e *errdefs.Error
	if errors.As(err, &e) {
		resp.Error = e.Message
	}
	writeJSON(c, status, resp)
}

// statusFor maps error codes to HTTP statuses: the job ran and failed (422),
// the job never reached the worker (502), or the worker is not available (503).
func statusFor(code errdefs.Code) int {
	switch code {
	case errdefs.CodeApplicationError:
		return http.StatusUnprocessableEntity
	case errdefs.CodeTransportFailure:
		return http.StatusBadGateway
	case errdefs.CodeInvalidConfiguration:
		return http.StatusBadRequest
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}
