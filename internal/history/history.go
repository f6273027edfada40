package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventTransition EventType = "transition"
	EventSpawn      EventType = "spawn"
	EventExit       EventType = "exit"
	EventBootstrap  EventType = "bootstrap"
)

// Record is the payload of a lifecycle event.
type Record struct {
	Service  string `json:"service"` // endpoint address, e.g. localhost:4000
	HandleID string `json:"handle_id,omitempty"`
	PID      int    `json:"pid,omitempty"`
	From     string `json:"from,omitempty"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Send on a Recorder.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to every sink. Failures are logged, never returned
// to the caller, so a slow or broken sink cannot stall the lifecycle.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: DefaultSendTimeout,
		logger:  logger.With("component", "history"),
	}
}

// Len reports the number of configured sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sinks)
}

// Record stamps the event if needed and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r.Len() == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.logger.Warn("history sink send failed", "event", e.Type, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
