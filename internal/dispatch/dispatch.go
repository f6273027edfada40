package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/errdefs"
	"github.com/research41/stata-mcp/internal/metrics"
)

// Tool names understood by the worker's /v1/tools endpoint.
const (
	ToolRunSelection      = "run_selection"
	ToolRunCommand        = "run_command"
	ToolRunFile           = "run_file"
	ToolStataRunSelection = "stata_run_selection"
)

const (
	ToolsPath = "/v1/tools"

	// InteractiveTimeout bounds selection, command and test requests.
	InteractiveTimeout = 30 * time.Second
	// JobMargin is added to a file job's own timeout.
	JobMargin = 10 * time.Second
	// DefaultJobTimeout is the worker's file job ceiling when none is given.
	DefaultJobTimeout = 600 * time.Second

	TestCommand = `di "Hello from Stata MCP Server!"`

	noCommandOutput = "Command executed successfully (no output)"
	noFileOutput    = "File executed successfully (no output)"
	maxBody         = 64 << 20
)

// Request is one unit of work for the worker.
type Request struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// Result is the worker's answer. Message is set when OK is false.
type Result struct {
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
}

func RunSelection(code string) Request {
	return Request{Tool: ToolRunSelection, Parameters: map[string]any{"selection": code}}
}

func RunCommand(code string) Request {
	return Request{Tool: ToolRunCommand, Parameters: map[string]any{"command": code}}
}

// RunFile runs a do-file; jobTimeout is the worker-side ceiling (whole seconds).
func RunFile(path string, jobTimeout time.Duration) Request {
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	return Request{Tool: ToolRunFile, Parameters: map[string]any{
		"file_path": path,
		"timeout":   int(jobTimeout / time.Second),
	}}
}

// Test is the connection test request.
func Test() Request {
	return Request{Tool: ToolStataRunSelection, Parameters: map[string]any{"selection": TestCommand}}
}

func (r Request) isFile() bool {
	return r.Tool == ToolRunFile || r.Tool == "stata_run_file"
}

// Timeout is the transport timeout for r: the file job's own ceiling plus
// JobMargin, or InteractiveTimeout for everything else.
func (r Request) Timeout() time.Duration {
	if !r.isFile() {
		return InteractiveTimeout
	}
	job := DefaultJobTimeout
	switch v := r.Parameters["timeout"].(type) {
	case int:
		job = time.Duration(v) * time.Second
	case int64:
		job = time.Duration(v) * time.Second
	case float64:
		job = time.Duration(v * float64(time.Second))
	}
	if job <= 0 {
		job = DefaultJobTimeout
	}
	return job + JobMargin
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Tool) == "" {
		return errdefs.New(errdefs.CodeInvalidConfiguration, "request has no tool")
	}
	return nil
}

// Supervisor is what the dispatcher needs from the lifecycle owner.
type Supervisor interface {
	EnsureReady(ctx context.Context) error
	Invalidate(ctx context.Context, cause error)
	Endpoint() endpoint.Endpoint
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }
func WithLogger(l *slog.Logger) Option     { return func(d *Dispatcher) { d.logger = l } }

// Dispatcher sends work to a ready worker.
type Dispatcher struct {
	sup    Supervisor
	client *http.Client
	logger *slog.Logger
}

func New(sup Supervisor, opts ...Option) *Dispatcher {
	d := &Dispatcher{sup: sup, client: &http.Client{}}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// transportError marks failures where no usable response came back.
// unsent is set only when the connection was never established, so the
// worker cannot have seen the job.
type transportError struct {
	err    error
	unsent bool
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func newTransportError(err error) *transportError {
	var op *net.OpError
	return &transportError{err: err, unsent: errors.As(err, &op) && op.Op == "dial"}
}

// Dispatch makes sure the worker is ready, then sends req. A zero timeout
// uses req.Timeout(). Transport failures invalidate and restart the worker.
// The request is sent once more only when it never left this process; after a
// timeout or a broken response the job may have run, so TransportFailure is
// returned instead. Application failures are returned as ApplicationError
// with the worker's message and never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	began := time.Now()
	res, err := d.dispatch(ctx, req, timeout)
	metrics.ObserveDispatch(req.Tool, outcome(err), time.Since(began).Seconds())
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = req.Timeout()
	}
	if err := d.sup.EnsureReady(ctx); err != nil {
		return Result{}, err
	}

	res, err := d.send(ctx, req, timeout)
	var te *transportError
	if err == nil || !errors.As(err, &te) {
		return res, err
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if te.unsent {
		d.logger.Warn("request did not reach the worker, restarting it", "tool", req.Tool, "error", err)
	} else {
		d.logger.Warn("no response from the worker, restarting it", "tool", req.Tool, "error", err)
	}
	d.sup.Invalidate(ctx, err)
	if rerr := d.sup.EnsureReady(ctx); rerr != nil {
		return Result{}, errdefs.Wrap(errdefs.CodeTransportFailure, rerr, "worker unreachable and could not be restarted").
			WithSuggestion("check the worker log and the Stata installation")
	}
	if !te.unsent {
		return Result{}, errdefs.Wrap(errdefs.CodeTransportFailure, te.err, "no response from %s for %s", d.sup.Endpoint().Addr(), req.Tool).
			WithSuggestion("the worker was restarted; the job may have run, check its output before running it again")
	}
	res, err = d.send(ctx, req, timeout)
	if errors.As(err, &te) {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, errdefs.Wrap(errdefs.CodeTransportFailure, te.err, "request to %s failed after restart", d.sup.Endpoint().Addr()).
			WithSuggestion("the worker restarted but still does not answer; see its log")
	}
	return res, err
}

func (d *Dispatcher) send(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := d.sup.Endpoint().URL(ToolsPath)
	hr, err := http.NewRequestWithContext(rctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")

	d.logger.Debug("sending request", "tool", req.Tool, "url", url, "timeout", timeout)
	resp, err := d.client.Do(hr)
	if err != nil {
		return Result{}, newTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Result{}, newTransportError(fmt.Errorf("read response: %w", err))
	}
	return d.decode(req, resp.StatusCode, raw)
}

func (d *Dispatcher) decode(req Request, code int, raw []byte) (Result, error) {
	doc := gjson.ParseBytes(raw)
	if code != http.StatusOK {
		msg := doc.Get("message").String()
		if msg == "" {
			msg = doc.Get("detail").String()
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP error: %d", code)
		}
		return Result{Message: msg}, errdefs.New(errdefs.CodeApplicationError, "%s", msg)
	}
	if !gjson.ValidBytes(raw) {
		msg := "worker returned a malformed response"
		return Result{Message: msg}, errdefs.New(errdefs.CodeApplicationError, "%s", msg)
	}
	if doc.Get("status").String() != "success" {
		msg := doc.Get("message").String()
		if msg == "" {
			msg = "Unknown error"
		}
		return Result{Message: msg}, errdefs.New(errdefs.CodeApplicationError, "%s", msg)
	}
	out := doc.Get("result").String()
	if out == "" {
		out = noCommandOutput
		if req.isFile() {
			out = noFileOutput
		}
	}
	return Result{OK: true, Output: out}, nil
}

func (d *Dispatcher) RunSelection(ctx context.Context, code string) (Result, error) {
	return d.Dispatch(ctx, RunSelection(code), 0)
}

func (d *Dispatcher) RunCommand(ctx context.Context, code string) (Result, error) {
	return d.Dispatch(ctx, RunCommand(code), 0)
}

func (d *Dispatcher) RunFile(ctx context.Context, path string, jobTimeout time.Duration) (Result, error) {
	return d.Dispatch(ctx, RunFile(path, jobTimeout), 0)
}

// Test runs the connection test command.
func (d *Dispatcher) Test(ctx context.Context) (Result, error) {
	return d.Dispatch(ctx, Test(), 0)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if c := errdefs.CodeOf(err); c != "" {
		return string(c)
	}
	return "error"
}
