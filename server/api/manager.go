// Package api defines the REST API handlers and the interfaces they consume.
package api

import (
	"context"

	"github.com/GoCodeAlone/companion/audit"
	"github.com/GoCodeAlone/companion/events"
	"github.com/GoCodeAlone/companion/jobs"
	"github.com/GoCodeAlone/companion/task"
	"github.com/GoCodeAlone/companion/update"
)

// TaskManager is the interface the API uses to drive background tasks.
// Implemented by *task.Manager.
type TaskManager interface {
	Submit(name, description string, job task.Job) (string, error)
	Status(id string) (task.View, error)
	List() []task.View
	Stats() task.Stats
	Cancel(id string) bool
	Remove(id string) bool
	Running() int
	Queued() int
}

// JobBuilder turns a submit request into a runnable job.
type JobBuilder interface {
	Build(spec jobs.Spec) (task.Job, error)
}

// SessionCounter reports connected WebSocket sessions.
type SessionCounter interface {
	Count() int
}

// AuditLog lists persisted lifecycle events.
type AuditLog interface {
	List(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error)
}

// EventHistory returns recent lifecycle events held in memory.
type EventHistory interface {
	History(taskID string, limit int) []task.Event
}

// UpdateChecker looks up newer releases.
type UpdateChecker interface {
	Check(ctx context.Context) (*update.Release, error)
	CurrentVersion() string
}

var (
	_ TaskManager   = (*task.Manager)(nil)
	_ JobBuilder    = (*jobs.Factory)(nil)
	_ AuditLog      = (*audit.SQLiteStore)(nil)
	_ EventHistory  = (*events.Bus)(nil)
	_ UpdateChecker = (*update.Updater)(nil)
)
