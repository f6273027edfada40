package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/research41/stata-mcp/internal/history"
)

func TestSinkStoresEvents(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventTransition, OccurredAt: now, Record: history.Record{Service: "localhost:4000", From: "stopped", State: "starting"}},
		{Type: history.EventSpawn, OccurredAt: now, Record: history.Record{Service: "localhost:4000", HandleID: "h-1", PID: 1234, State: "probing_health"}},
		{Type: history.EventExit, OccurredAt: now, Record: history.Record{Service: "localhost:4000", HandleID: "h-1", PID: 1234, State: "stopped", Error: "exit status 1"}},
		{Type: history.EventTransition, OccurredAt: now, Record: history.Record{Service: "localhost:5000", State: "ready"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	n, err := sink.Count(ctx, "localhost:4000")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventBootstrap, OccurredAt: time.Now(), Record: history.Record{Service: "bootstrap", State: "complete"}}))
	n, err := sink.Count(context.Background(), "bootstrap")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
