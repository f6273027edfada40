package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the control API of a local `stata-mcp serve`.
const DefaultBaseURL = "http://127.0.0.1:4100/api"

// Client talks to the stata-mcp control API.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration // per call, except Dispatch which follows the job
	Logger  *slog.Logger  // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.Timeout,
		logger:  config.Logger,
		client:  &http.Client{},
	}
}

// IsReachable checks if the service is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Service unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Status(ctx context.Context) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, c.timeout, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Start may take as long as a first-time environment setup; bound it with ctx.
func (c *Client) Start(ctx context.Context) (ServiceStatus, error) {
	return c.lifecycle(ctx, "/start")
}

func (c *Client) Stop(ctx context.Context) (ServiceStatus, error) {
	return c.lifecycle(ctx, "/stop")
}

func (c *Client) Restart(ctx context.Context) (ServiceStatus, error) {
	return c.lifecycle(ctx, "/restart")
}

func (c *Client) lifecycle(ctx context.Context, path string) (ServiceStatus, error) {
	c.logger.Debug("Lifecycle request", "path", path)
	var resp okResponse
	if err := c.do(ctx, 0, http.MethodPost, path, nil, &resp); err != nil {
		return ServiceStatus{}, err
	}
	return resp.Status, nil
}

// Dispatch sends work through the service. The call waits as long as the
// request's timeout plus a margin; ctx bounds it further.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	body := dispatchBody{Tool: req.Tool, Parameters: req.Parameters}
	if req.Timeout > 0 {
		body.Timeout = req.Timeout.String()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("marshal request: %w", err)
	}
	var wait time.Duration
	if req.Timeout > 0 {
		wait = req.Timeout + 30*time.Second
	}
	c.logger.Debug("Dispatching", "tool", req.Tool)
	var res DispatchResult
	err = c.do(ctx, wait, http.MethodPost, "/dispatch", data, &res)
	return res, err
}

// RunSelection runs code through the run_selection tool.
func (c *Client) RunSelection(ctx context.Context, code string) (DispatchResult, error) {
	return c.Dispatch(ctx, DispatchRequest{Tool: "run_selection", Parameters: map[string]any{"selection": code}})
}

// RunFile runs a do-file; jobTimeout is the worker-side limit.
func (c *Client) RunFile(ctx context.Context, path string, jobTimeout time.Duration) (DispatchResult, error) {
	params := map[string]any{"file_path": path}
	if jobTimeout > 0 {
		params["timeout"] = int(jobTimeout / time.Second)
	}
	return c.Dispatch(ctx, DispatchRequest{Tool: "run_file", Parameters: params})
}

// do performs a request and decodes a 200 answer into out. A zero timeout
// leaves the deadline to ctx.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body []byte, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", apiErr.ErrorResponse.Error, "status", resp.StatusCode)
	return apiErr
}
