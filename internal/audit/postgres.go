package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the pipeline_events table. Execute it via
// [PostgresSink.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    detail     JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_session ON pipeline_events(session_id);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_type ON pipeline_events(event_type);
`

// DB is the database interface used by [PostgresSink]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink is a [Sink] backed by a PostgreSQL database. Event detail is
// serialised as JSONB so ad-hoc queries can filter on individual fields.
type PostgresSink struct {
	db DB
}

// Compile-time interface check.
var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink creates a new [PostgresSink] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresSink.Migrate] to ensure the schema exists before recording.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// pipeline_events table and indexes if they do not already exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Record implements [Sink].
func (s *PostgresSink) Record(ctx context.Context, ev Event) error {
	detailJSON, err := json.Marshal(emptyMap(ev.Detail))
	if err != nil {
		return fmt.Errorf("audit: marshal detail: %w", err)
	}

	const query = `
		INSERT INTO pipeline_events (session_id, event_type, occurred_at, detail)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.Exec(ctx, query, ev.SessionID, string(ev.Type), ev.At, detailJSON); err != nil {
		return fmt.Errorf("audit: record %s: %w", ev.Type, err)
	}
	return nil
}

// BySession returns all recorded events for one session in insertion order.
func (s *PostgresSink) BySession(ctx context.Context, sessionID string) ([]Event, error) {
	const query = `
		SELECT session_id, event_type, occurred_at, detail
		FROM pipeline_events
		WHERE session_id = $1
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit: by session: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var typ string
		var detailJSON []byte
		if err := rows.Scan(&ev.SessionID, &typ, &ev.At, &detailJSON); err != nil {
			return nil, fmt.Errorf("audit: by session scan: %w", err)
		}
		ev.Type = EventType(typ)
		if err := json.Unmarshal(detailJSON, &ev.Detail); err != nil {
			return nil, fmt.Errorf("audit: unmarshal detail: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: by session: %w", err)
	}
	return events, nil
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This ensures
// JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
