package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/research41/stata-mcp/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	return NewWithOptions(Options{Addr: addr, Table: table})
}

func NewWithOptions(o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = "lifecycle_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		type String,
		occurred_at DateTime64(6),
		service String,
		handle_id String,
		pid UInt32,
		from_state String,
		state String,
		error String
	) ENGINE = MergeTree()
	ORDER BY (service, occurred_at)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, service, handle_id, pid, from_state, state, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		rec.Service,
		rec.HandleID,
		uint32(max(rec.PID, 0)),
		rec.From,
		rec.State,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}

	return nil
}
