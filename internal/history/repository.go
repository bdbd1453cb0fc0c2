// Package history stores the device event log in SQLite for querying
// liveness and dispatch activity after the fact.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ErrInvalidFilter is returned for filters that cannot be applied.
var ErrInvalidFilter = errors.New("history: invalid filter")

// Record is one row of device_events.
type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Address    string    `json:"address"`
	MAC        string    `json:"mac,omitempty"`
	State      string    `json:"state,omitempty"`
	RetryCount int       `json:"retry_count"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Address string
	MAC     string
	Kind    string
	Since   time.Time
	Limit   int // default 50, max 500
	Offset  int
}

// ListResult is one page of records, newest first.
type ListResult struct {
	Events []Record `json:"events"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// Repository reads and writes the event log.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository implements Repository on the device_events table.
// It also satisfies broadlink.EventRecorder.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on db. The schema must already
// be migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// FromEvent converts a bridge event to a record.
func FromEvent(ev broadlink.Event) Record {
	rec := Record{
		Kind:       string(ev.Kind),
		Address:    ev.Address,
		MAC:        ev.MAC,
		RetryCount: ev.RetryCount,
		Outcome:    string(ev.Outcome),
		Detail:     ev.Detail,
		DurationMS: ev.Duration.Milliseconds(),
		CreatedAt:  ev.Time,
	}
	if ev.State != "" {
		rec.State = string(ev.State)
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return rec
}

// RecordEvent persists a bridge event.
func (r *SQLiteRepository) RecordEvent(ctx context.Context, ev broadlink.Event) error {
	rec := FromEvent(ev)
	return r.Create(ctx, &rec)
}

// Create inserts rec, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = "evt-" + uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_events
		   (id, kind, address, mac, state, retry_count, outcome, error, detail, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Address,
		nullableString(rec.MAC), nullableString(rec.State),
		rec.RetryCount,
		nullableString(rec.Outcome), nullableString(rec.Error), nullableString(rec.Detail),
		rec.DurationMS,
		rec.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (f *Filter) normalise() error {
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidFilter)
	}
	if f.Limit == 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	return nil
}

func (f Filter) where() (string, []any) {
	var conditions []string
	var args []any

	if f.Address != "" {
		conditions = append(conditions, "address = ?")
		args = append(args, f.Address)
	}
	if f.MAC != "" {
		conditions = append(conditions, "mac = ?")
		args = append(args, strings.ToLower(f.MAC))
	}
	if f.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// List returns records matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if err := filter.normalise(); err != nil {
		return nil, err
	}
	where, args := filter.where()

	var total int
	countQuery := "SELECT COUNT(*) FROM device_events " + where //nolint:gosec // WHERE holds only placeholders
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting device events: %w", err)
	}

	query := `SELECT id, kind, address, mac, state, retry_count, outcome, error, detail, duration_ms, created_at
		FROM device_events ` + where + ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?` //nolint:gosec // WHERE holds only placeholders
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying device events: %w", err)
	}
	defer rows.Close()

	events := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var mac, state, outcome, errText, detail sql.NullString
	var createdAt string

	if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Address, &mac, &state, &rec.RetryCount,
		&outcome, &errText, &detail, &rec.DurationMS, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning device event: %w", err)
	}

	rec.MAC = mac.String
	rec.State = state.String
	rec.Outcome = outcome.String
	rec.Error = errText.String
	rec.Detail = detail.String

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing device event timestamp %q: %w", createdAt, err)
	}
	rec.CreatedAt = t
	return rec, nil
}

// Prune deletes records older than before and returns how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM device_events WHERE created_at < ?", before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning device events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning device events: %w", err)
	}
	return n, nil
}
