package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/metrics"
)

const (
	DefaultMaxAttempts = 30
	DefaultInterval    = 500 * time.Millisecond
	DefaultBackend     = "stata"
	HealthPath         = "/health"

	// per-request ceiling; AwaitReady lowers it to the interval
	requestTimeout = 2 * time.Second
)

// Health is the decoded body of GET /health.
type Health struct {
	StatusCode int    `json:"status_code"`
	Status     string `json:"status,omitempty"`
	Service    string `json:"service,omitempty"`
	Version    string `json:"version,omitempty"`
	Available  bool   `json:"available"`
}

// Ready reports whether the endpoint answered 200 and the backend is initialized.
func (h Health) Ready() bool { return h.StatusCode == http.StatusOK && h.Available }

// Prober checks functional readiness of a worker.
type Prober struct {
	client  *http.Client
	backend string
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Prober)

func WithHTTPClient(c *http.Client) Option { return func(p *Prober) { p.client = c } }
func WithBackend(name string) Option       { return func(p *Prober) { p.backend = name } }
func WithLogger(l *slog.Logger) Option     { return func(p *Prober) { p.logger = l } }

func New(opts ...Option) *Prober {
	p := &Prober{
		client:  &http.Client{},
		backend: DefaultBackend,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("component", "probe")
	return p
}

// AvailabilityField is the JSON key the predicate reads, e.g. "stata_available".
func (p *Prober) AvailabilityField() string { return p.backend + "_available" }

// Check performs one GET /health. A transport error is returned as error; any
// HTTP answer yields a Health whose Ready method applies the predicate.
func (p *Prober) Check(ctx context.Context, ep endpoint.Endpoint) (Health, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL(HealthPath), nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Health{StatusCode: resp.StatusCode}, fmt.Errorf("read health body: %w", err)
	}
	h := Health{StatusCode: resp.StatusCode}
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		h.Status = r.Get("status").String()
		h.Service = r.Get("service").String()
		h.Version = r.Get("version").String()
		// only a JSON true counts; "true" strings and 1 do not
		h.Available = r.Get(p.AvailabilityField()).Type == gjson.True
	}
	return h, nil
}

// Ready is a single check collapsed to a boolean.
func (p *Prober) Ready(ctx context.Context, ep endpoint.Endpoint) bool {
	h, err := p.Check(ctx, ep)
	if err != nil {
		p.logger.Debug("health check failed", "endpoint", ep.Addr(), "error", err)
		return false
	}
	return h.Ready()
}

// AwaitReady polls ep until ready, at most maxAttempts times. Each attempt
// owns one interval-long slot: the request is cut off at the end of the slot
// and the wait before the next attempt is whatever the slot has left. The
// first check happens immediately and nothing waits after the last one, so
// the call returns within maxAttempts*interval plus scheduling slack even
// when the endpoint accepts connections but never answers.
func (p *Prober) AwaitReady(ctx context.Context, ep endpoint.Endpoint, maxAttempts int, interval time.Duration) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := min(requestTimeout, interval)
	started := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slot := time.Now()
		rctx, cancel := context.WithTimeout(ctx, timeout)
		h, err := p.Check(rctx, ep)
		cancel()
		switch {
		case err != nil:
			p.logger.Debug("worker not answering yet", "endpoint", ep.Addr(), "attempt", attempt, "error", err)
		case h.Ready():
			p.logger.Info("worker ready", "endpoint", ep.Addr(), "attempt", attempt, "elapsed", time.Since(started))
			metrics.ObserveProbe(ep.Addr(), true, attempt)
			return true
		default:
			p.logger.Debug("worker answering but backend not initialized",
				"endpoint", ep.Addr(), "attempt", attempt, "http_status", h.StatusCode, p.AvailabilityField(), h.Available)
		}
		if attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			p.logger.Debug("readiness wait canceled", "endpoint", ep.Addr(), "attempt", attempt)
			metrics.ObserveProbe(ep.Addr(), false, attempt)
			return false
		}
		rest := interval - time.Since(slot)
		if rest <= 0 {
			continue
		}
		if err := p.sleep(ctx, rest); err != nil {
			p.logger.Debug("readiness wait canceled", "endpoint", ep.Addr(), "attempt", attempt)
			metrics.ObserveProbe(ep.Addr(), false, attempt)
			return false
		}
	}
	p.logger.Warn("worker did not become ready", "endpoint", ep.Addr(), "attempts", maxAttempts, "elapsed", time.Since(started))
	metrics.ObserveProbe(ep.Addr(), false, maxAttempts)
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
