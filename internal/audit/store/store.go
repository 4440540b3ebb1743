// Package store is the durable audit writer. It appends events to the
// audit_events table and serves the read-side query contract. Rows are never
// updated or deleted.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
)

func init() {
	audit.RegisterWriter("store", func(_ config.AuditWriterConfig, deps audit.Deps) (audit.Writer, error) {
		if deps.DB == nil {
			return nil, fmt.Errorf("store writer requires a database connection")
		}
		return New(deps.DB), nil
	})
}

// ErrNotFound is returned by Get for an unknown event id.
var ErrNotFound = errors.New("audit event not found")

const columns = `id, timestamp, event_type, actor_kind, actor_id, actor_name, actor_attributes,
	resource_type, resource_id, action, outcome, details, ip_address, user_agent, request_id, duration_ms`

// Store writes to and reads from audit_events. The connection pool makes it
// safe for concurrent callers.
type Store struct {
	db *sqlx.DB
}

// New creates a Store on an open connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// row is the column layout of audit_events.
type row struct {
	ID              string         `db:"id"`
	Timestamp       time.Time      `db:"timestamp"`
	EventType       string         `db:"event_type"`
	ActorKind       string         `db:"actor_kind"`
	ActorID         sql.NullString `db:"actor_id"`
	ActorName       sql.NullString `db:"actor_name"`
	ActorAttributes []byte         `db:"actor_attributes"`
	ResourceType    string         `db:"resource_type"`
	ResourceID      sql.NullString `db:"resource_id"`
	Action          string         `db:"action"`
	Outcome         string         `db:"outcome"`
	Details         []byte         `db:"details"`
	IPAddress       sql.NullString `db:"ip_address"`
	UserAgent       sql.NullString `db:"user_agent"`
	RequestID       sql.NullString `db:"request_id"`
	DurationMs      sql.NullInt64  `db:"duration_ms"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonText marshals v for a JSON column, or NULL for an empty value.
func jsonText(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Append inserts e. Inserting an id that already exists is a no-op, so a
// retried append never duplicates an event.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	details, err := jsonText(e.Details, len(e.Details) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	attrs, err := jsonText(e.Actor.Attributes, len(e.Actor.Attributes) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal actor attributes: %w", err)
	}
	var duration sql.NullInt64
	if e.DurationMs != nil {
		duration = sql.NullInt64{Int64: *e.DurationMs, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO audit_events (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.Timestamp.UTC(),
		string(e.Type),
		string(e.Actor.Kind),
		nullString(e.Actor.ID),
		nullString(e.Actor.Name),
		attrs,
		string(e.Resource.Type),
		nullString(e.Resource.ID),
		string(e.Action),
		string(e.Outcome),
		details,
		nullString(e.IPAddress),
		nullString(e.UserAgent),
		nullString(e.RequestID),
		duration,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Flush is a no-op: every Append is committed before it returns.
func (s *Store) Flush(context.Context) error { return nil }

// Query returns one page of events matching q, newest first, with the total
// number of matches.
func (s *Store) Query(ctx context.Context, q audit.Query) (audit.Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return audit.Page{}, err
	}

	var where strings.Builder
	where.WriteString(` WHERE 1=1`)
	args := make([]any, 0, 8)

	// Apply filters
	if q.From != nil {
		where.WriteString(` AND timestamp >= ?`)
		args = append(args, q.From.UTC())
	}
	if q.To != nil {
		where.WriteString(` AND timestamp <= ?`)
		args = append(args, q.To.UTC())
	}
	if q.EventType != "" {
		where.WriteString(` AND event_type = ?`)
		args = append(args, string(q.EventType))
	}
	if q.ResourceType != "" {
		where.WriteString(` AND resource_type = ?`)
		args = append(args, string(q.ResourceType))
	}
	if q.ResourceID != "" {
		where.WriteString(` AND resource_id = ?`)
		args = append(args, q.ResourceID)
	}
	if q.ActorID != "" {
		where.WriteString(` AND actor_id = ?`)
		args = append(args, q.ActorID)
	}
	if q.Outcome != "" {
		where.WriteString(` AND outcome = ?`)
		args = append(args, string(q.Outcome))
	}

	// Get total count
	var total int
	countQuery := s.db.Rebind(`SELECT COUNT(*) FROM audit_events` + where.String())
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return audit.Page{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	// Add ordering and pagination
	listQuery := s.db.Rebind(`SELECT ` + columns + ` FROM audit_events` + where.String() +
		` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`)
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, listQuery, append(args, q.Limit, q.Offset)...); err != nil {
		return audit.Page{}, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]audit.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.event()
		if err != nil {
			return audit.Page{}, err
		}
		events = append(events, e)
	}
	return audit.Page{Events: events, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Get retrieves a single event by id.
func (s *Store) Get(ctx context.Context, id string) (audit.Event, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+columns+` FROM audit_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, ErrNotFound
	}
	if err != nil {
		return audit.Event{}, fmt.Errorf("failed to get audit event: %w", err)
	}
	return r.event()
}

func (r row) event() (audit.Event, error) {
	e := audit.Event{
		ID:        r.ID,
		Timestamp: r.Timestamp.UTC(),
		Type:      audit.EventType(r.EventType),
		Actor: audit.Actor{
			Kind: audit.ActorKind(r.ActorKind),
			ID:   r.ActorID.String,
			Name: r.ActorName.String,
		},
		Resource:  audit.Resource{Type: audit.ResourceType(r.ResourceType), ID: r.ResourceID.String},
		Action:    audit.Action(r.Action),
		Outcome:   audit.Outcome(r.Outcome),
		IPAddress: r.IPAddress.String,
		UserAgent: r.UserAgent.String,
		RequestID: r.RequestID.String,
	}
	if r.DurationMs.Valid {
		ms := r.DurationMs.Int64
		e.DurationMs = &ms
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &e.Details); err != nil {
			return audit.Event{}, fmt.Errorf("failed to decode details of audit event %s: %w", r.ID, err)
		}
	}
	if len(r.ActorAttributes) > 0 {
		if err := json.Unmarshal(r.ActorAttributes, &e.Actor.Attributes); err != nil {
			return audit.Event{}, fmt.Errorf("failed to decode actor of audit event %s: %w", r.ID, err)
		}
	}
	return e, nil
}
