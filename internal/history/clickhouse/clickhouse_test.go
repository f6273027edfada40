package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/research41/stata-mcp/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "lifecycle_history")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	for _, e := range []history.Event{
		{Type: history.EventSpawn, OccurredAt: now, Record: history.Record{Service: "localhost:4000", HandleID: "h-1", PID: 321, State: "probing_health"}},
		{Type: history.EventExit, OccurredAt: now, Record: history.Record{Service: "localhost:4000", HandleID: "h-1", PID: 321, State: "stopped", Error: "exit status 2"}},
	} {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx,
		"SELECT COUNT(*) FROM lifecycle_history WHERE service = ?", "localhost:4000").Scan(&count))
	assert.Equal(t, uint64(2), count)
}

func TestInvalidTableName(t *testing.T) {
	_, err := NewWithOptions(Options{Addr: "localhost:9000", Table: "x; DROP TABLE y"})
	assert.ErrorContains(t, err, "invalid ClickHouse table name")
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := New("invalid-host.invalid:9000", "lifecycle_history")
	assert.Error(t, err)
}
