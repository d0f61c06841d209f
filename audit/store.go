// Package audit persists task lifecycle events to a SQLite database.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoCodeAlone/companion/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_events (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	event       TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	progress    REAL NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, created_at);
`

// Entry is one persisted lifecycle event.
type Entry struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"taskId"`
	Event      task.EventType `json:"event"`
	Name       string         `json:"name"`
	Status     task.Status    `json:"status"`
	Progress   float64        `json:"progress"`
	Error      string         `json:"error,omitempty"`
	Result     string         `json:"result,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Filter controls which entries are returned by List.
type Filter struct {
	TaskID string `json:"task_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SQLiteStore persists audit entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Record persists ev and returns the stored entry.
func (s *SQLiteStore) Record(ctx context.Context, ev task.Event) (*Entry, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	e := &Entry{
		ID:         uuid.NewString(),
		TaskID:     ev.Task.ID,
		Event:      ev.Type,
		Name:       ev.Task.Name,
		Status:     ev.Task.Status,
		Progress:   ev.Task.Progress,
		Error:      ev.Task.Error,
		Result:     ev.Task.Result,
		DurationMS: ev.Duration.Milliseconds(),
		CreatedAt:  at.UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events
			(id, task_id, event, name, status, progress, error, result, duration_ms, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, string(e.Event), e.Name, string(e.Status), e.Progress,
		e.Error, e.Result, e.DurationMS, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return e, nil
}

// Handle adapts Record to the events bus handler signature.
func (s *SQLiteStore) Handle(ctx context.Context, ev task.Event) error {
	_, err := s.Record(ctx, ev)
	return err
}

// List returns the most recent entries matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, task_id, event, name, status, progress, error, result, duration_ms, created_at
		FROM task_events WHERE 1=1`)
	args := []any{}

	if filter.TaskID != "" {
		q.WriteString(" AND task_id=?")
		args = append(args, filter.TaskID)
	}
	q.WriteString(" ORDER BY created_at DESC, rowid DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_events WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return res.RowsAffected()
}

// scanner abstracts sql.Row and sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var event, status string
	err := s.Scan(
		&e.ID, &e.TaskID, &event, &e.Name, &status, &e.Progress,
		&e.Error, &e.Result, &e.DurationMS, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Event = task.EventType(event)
	e.Status = task.Status(status)
	return &e, nil
}
