// Package task implements the in-process background task registry: records
// with an enforced lifecycle, a worker pool, a manager façade that streams
// status deltas to subscribers, and a reaper for finished entries.
package task

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// canTransition encodes the lifecycle DAG:
//
//	PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}
//	PENDING -> CANCELLED
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

var (
	// ErrNotFound is returned when no task exists under the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("task manager is shutting down")
	// ErrPoolSaturated is returned when a bounded pool has no free slot.
	ErrPoolSaturated = errors.New("worker pool saturated")
)

// View is an immutable point-in-time snapshot of a task. Timestamps are
// milliseconds since the Unix epoch; zero values are omitted.
type View struct {
	ID          string  `json:"taskId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Status      Status  `json:"status"`
	Progress    float64 `json:"progress"`
	CreatedAt   int64   `json:"createdAt"`
	StartedAt   int64   `json:"startedAt,omitempty"`
	CompletedAt int64   `json:"completedAt,omitempty"`
	Error       string  `json:"error,omitempty"`
	Result      string  `json:"result,omitempty"`
}

// Stats summarizes the registry by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// ProgressSink receives completion percentages from a running job.
// Values are clamped to [0, 100] and never move backwards.
type ProgressSink interface {
	Report(percent float64)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(percent float64)

// Report calls f(percent).
func (f ProgressFunc) Report(percent float64) { f(percent) }

// Job is a unit of background work. ctx is the task's cancel token: it is
// cancelled when cancellation is requested, and jobs should check it at
// checkpoints. Returning ctx.Err() after observing it ends the task as
// CANCELLED; any other error ends it as FAILED.
type Job func(ctx context.Context, progress ProgressSink) (any, error)

// EventType names a lifecycle event delivered to a Listener.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventRemoved   EventType = "removed"
	EventReaped    EventType = "reaped"
)

// Event describes one lifecycle change of a task.
type Event struct {
	Type EventType
	Task View
	At   time.Time
	// Duration is the run time for terminal events of tasks that started.
	Duration time.Duration
}

// Listener observes task lifecycle events. HandleTaskEvent is called
// synchronously from worker and request goroutines and must not block;
// implementations queue and deliver on their own.
type Listener interface {
	HandleTaskEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// HandleTaskEvent calls f(ev).
func (f ListenerFunc) HandleTaskEvent(ev Event) { f(ev) }

func terminalEvent(s Status) EventType {
	switch s {
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	default:
		return EventCancelled
	}
}
