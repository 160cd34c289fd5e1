package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const auditSchema = `CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	actor_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	action TEXT NOT NULL,
	resource TEXT NOT NULL,
	occurred_at BIGINT NOT NULL,
	metadata TEXT
)`

const auditIndex = `CREATE INDEX IF NOT EXISTS audit_events_resource_idx ON audit_events (resource, occurred_at)`

// ErrStoreNotConfigured is returned when no database backs the logger.
var ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")

// Query selects audit events. Zero fields do not filter.
type Query struct {
	Resource string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// StoreLogger persists events to the audit_events table next to the tasks.
type StoreLogger struct {
	db  *sql.DB
	now func() time.Time
}

func NewStoreLogger(db *sql.DB) *StoreLogger {
	return &StoreLogger{db: db, now: time.Now}
}

// Migrate creates the audit_events table.
func (l *StoreLogger) Migrate(ctx context.Context) error {
	if l.db == nil {
		return ErrStoreNotConfigured
	}
	for _, stmt := range []string{auditSchema, auditIndex} {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	if l.db == nil {
		return ErrStoreNotConfigured
	}
	evt := newEvent(ctx, eventType, action, resource, metadata, l.now())
	var meta sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_id, event_type, action, resource, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.ID, evt.ActorID, string(evt.Type), evt.Action, evt.Resource, evt.Timestamp.UnixMicro(), meta)
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", action, err)
	}
	return nil
}

// List returns matching events oldest first.
func (l *StoreLogger) List(ctx context.Context, q Query) ([]Event, error) {
	if l.db == nil {
		return nil, ErrStoreNotConfigured
	}
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Resource != "" {
		add("resource = $%d", q.Resource)
	}
	if !q.Since.IsZero() {
		add("occurred_at >= $%d", q.Since.UnixMicro())
	}
	if !q.Until.IsZero() {
		add("occurred_at < $%d", q.Until.UnixMicro())
	}
	query := `SELECT id, actor_id, event_type, action, resource, occurred_at, metadata FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			evt   Event
			typ   string
			micro int64
			meta  sql.NullString
		)
		if err := rows.Scan(&evt.ID, &evt.ActorID, &typ, &evt.Action, &evt.Resource, &micro, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		evt.Type = EventType(typ)
		evt.Timestamp = time.UnixMicro(micro).UTC()
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &evt.Metadata); err != nil {
				return nil, fmt.Errorf("audit: event %s metadata: %w", evt.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
