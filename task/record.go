package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/companion/internal/clock"
)

// snapshot is the published, immutable state of a Record.
type snapshot struct {
	view        View
	startedAt   time.Time
	completedAt time.Time
}

// Record is the in-memory state of one task. All mutation goes through the
// unexported setters, which enforce the lifecycle DAG under mu and publish
// a fresh snapshot; readers load the snapshot without locking.
type Record struct {
	id          string
	name        string
	description string
	createdAt   time.Time
	clock       clock.Clock

	// ctx is the cancel token handed to the job.
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	status          Status
	progress        float64
	startedAt       time.Time
	completedAt     time.Time
	errMsg          string
	result          string
	cancelRequested bool

	snap atomic.Pointer[snapshot]
}

func newRecord(id, name, description string, clk clock.Clock) *Record {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Record{
		id:          id,
		name:        name,
		description: description,
		createdAt:   clk.Now(),
		clock:       clk,
		ctx:         ctx,
		cancel:      cancel,
		status:      StatusPending,
	}
	r.publishLocked()
	return r
}

// ID returns the task identifier.
func (r *Record) ID() string { return r.id }

// View returns the latest consistent snapshot of the task.
func (r *Record) View() View { return r.snap.Load().view }

// Status returns the current status.
func (r *Record) Status() Status { return r.snap.Load().view.Status }

// CompletedAt returns the terminal transition time, if any.
func (r *Record) CompletedAt() (time.Time, bool) {
	s := r.snap.Load()
	return s.completedAt, !s.completedAt.IsZero()
}

// Token returns the task's cancel token.
func (r *Record) Token() context.Context { return r.ctx }

// publishLocked rebuilds the snapshot. Callers hold mu, except during construction.
func (r *Record) publishLocked() {
	v := View{
		ID:          r.id,
		Name:        r.name,
		Description: r.description,
		Status:      r.status,
		Progress:    r.progress,
		CreatedAt:   r.createdAt.UnixMilli(),
		Error:       r.errMsg,
		Result:      r.result,
	}
	if !r.startedAt.IsZero() {
		v.StartedAt = r.startedAt.UnixMilli()
	}
	if !r.completedAt.IsZero() {
		v.CompletedAt = r.completedAt.UnixMilli()
	}
	r.snap.Store(&snapshot{view: v, startedAt: r.startedAt, completedAt: r.completedAt})
}

// transitionLocked moves the record to next, panicking on an edge outside
// the lifecycle DAG.
func (r *Record) transitionLocked(next Status) {
	if !canTransition(r.status, next) {
		panic(fmt.Sprintf("task: illegal transition %s -> %s for %s", r.status, next, r.id))
	}
	now := r.clock.Now()
	r.status = next
	switch {
	case next == StatusRunning:
		r.startedAt = now
	case next.Terminal():
		r.completedAt = now
		r.cancel()
	}
}

// start moves PENDING to RUNNING. It returns false when the task was
// cancelled before a worker picked it up.
func (r *Record) start() (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusCancelled {
		return r.snap.Load().view, false
	}
	r.transitionLocked(StatusRunning)
	r.publishLocked()
	return r.snap.Load().view, true
}

// setProgress records a progress value while RUNNING. The value is clamped
// to [0, 100] and never decreases. It returns false outside RUNNING.
func (r *Record) setProgress(p float64) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return View{}, false
	}
	p = min(max(p, 0), 100)
	if p > r.progress {
		r.progress = p
	}
	r.publishLocked()
	return r.snap.Load().view, true
}

// finish records the job outcome. A cancel request accepted while running
// wins over a normal return.
func (r *Record) finish(result any, err error) View {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.cancelRequested || errors.Is(err, context.Canceled):
		if err != nil && !errors.Is(err, context.Canceled) {
			r.errMsg = err.Error()
		}
		r.transitionLocked(StatusCancelled)
	case err != nil:
		r.errMsg = err.Error()
		r.transitionLocked(StatusFailed)
	default:
		r.progress = 100
		if result != nil {
			r.result = fmt.Sprint(result)
		}
		r.transitionLocked(StatusCompleted)
	}
	r.publishLocked()
	return r.snap.Load().view
}

// requestCancel signals the cancel token. A PENDING task moves straight to
// CANCELLED (immediate is true); a RUNNING task is flagged and its job is
// expected to stop at its next checkpoint. accepted is false for terminal
// tasks.
func (r *Record) requestCancel() (v View, accepted, immediate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusPending:
		r.cancelRequested = true
		r.transitionLocked(StatusCancelled)
		r.publishLocked()
		return r.snap.Load().view, true, true
	case StatusRunning:
		r.cancelRequested = true
		r.cancel()
		return r.snap.Load().view, true, false
	}
	return r.snap.Load().view, false, false
}

// runDuration returns completedAt - startedAt for tasks that ran.
func (r *Record) runDuration() time.Duration {
	s := r.snap.Load()
	if s.startedAt.IsZero() || s.completedAt.IsZero() {
		return 0
	}
	return s.completedAt.Sub(s.startedAt)
}
