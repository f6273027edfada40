package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/research41/stata-mcp/internal/history"
)

// Sink writes each event as a document into a daily index,
// <index>-YYYY.MM.DD, so retention can drop whole days.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// IndexFor returns the daily index an event lands in.
func (s *Sink) IndexFor(t time.Time) string {
	return s.index + "-" + t.UTC().Format("2006.01.02")
}

// Send PUTs the event under a fresh document id. The body carries an
// @timestamp field for dashboards; sjson reads a bare leading @ as a
// modifier, hence the escaped path.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if doc, err = sjson.SetBytes(doc, `\@timestamp`, e.OccurredAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.IndexFor(e.OccurredAt), uuid.NewString())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
