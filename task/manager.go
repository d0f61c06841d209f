package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/companion/internal/clock"
)

// Broadcaster fans a text frame out to every connected session.
type Broadcaster interface {
	Broadcast(frame []byte)
}

// Default lifecycle timings.
const (
	DefaultReapInterval  = 30 * time.Second
	DefaultRetention     = 5 * time.Minute
	DefaultShutdownGrace = 5 * time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	MaxWorkers    int
	QueueSize     int
	ReapInterval  time.Duration
	Retention     time.Duration
	ShutdownGrace time.Duration

	Clock    clock.Clock
	Logger   *slog.Logger
	Listener Listener
}

// UpdateFrame is the wire shape of a "task-update" broadcast.
type UpdateFrame struct {
	Type      string `json:"type"`
	Data      View   `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// FrameTypeTaskUpdate is the frame type carrying a task View.
const FrameTypeTaskUpdate = "task-update"

// Manager is the public façade over the registry, pool and reaper. Every
// status transition and every progress report produces exactly one
// task-update frame on the Broadcaster.
type Manager struct {
	registry *Registry
	pool     *Pool
	ids      *IDGenerator
	reaper   *Reaper
	hub      Broadcaster
	listener Listener
	clock    clock.Clock
	logger   *slog.Logger
	grace    time.Duration

	closing atomic.Bool
}

// NewManager builds a Manager and starts its workers and reaper.
func NewManager(hub Broadcaster, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}

	m := &Manager{
		registry: NewRegistry(),
		ids:      NewIDGenerator(opts.Clock),
		hub:      hub,
		listener: opts.Listener,
		clock:    opts.Clock,
		logger:   opts.Logger,
		grace:    opts.ShutdownGrace,
	}
	m.pool = newPool(PoolOptions{
		MaxWorkers: opts.MaxWorkers,
		QueueSize:  opts.QueueSize,
		Logger:     opts.Logger,
	}, m)
	m.reaper = NewReaper(m.registry, ReaperOptions{
		Interval:  opts.ReapInterval,
		Retention: opts.Retention,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		OnReap:    m.reaped,
	})
	m.reaper.Start()
	return m
}

// Submit registers a new PENDING task, announces it, and hands it to the
// pool. It returns the new task id.
func (m *Manager) Submit(name, description string, job Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("submit %q: nil job", name)
	}
	if m.closing.Load() {
		return "", ErrShuttingDown
	}
	if err := m.pool.reserve(); err != nil {
		return "", err
	}

	rec := newRecord(m.ids.Next(), name, description, m.clock)
	e := m.pool.track(rec, job)
	// Holding e.mu until dispatch keeps a concurrent Cancel from emitting
	// before PENDING.
	e.mu.Lock()
	m.registry.Insert(rec)
	m.emit(rec.View(), EventSubmitted, 0)
	m.pool.dispatch(e)
	e.mu.Unlock()

	m.logger.Info("task submitted",
		slog.String("task_id", rec.id),
		slog.String("name", name),
	)
	return rec.id, nil
}

// Status returns the current view of id.
func (m *Manager) Status(id string) (View, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.View(), nil
}

// List returns a snapshot of every live record.
func (m *Manager) List() []View {
	return m.registry.Snapshot()
}

// Stats summarizes the registry.
func (m *Manager) Stats() Stats {
	return m.registry.Stats()
}

// Running returns the number of jobs executing right now.
func (m *Manager) Running() int { return m.pool.Running() }

// Queued returns the number of accepted jobs waiting for a worker.
func (m *Manager) Queued() int { return m.pool.Queued() }

// Cancel requests cancellation of id. It returns true when the task was
// alive and will end as CANCELLED, false when it was terminal or absent.
func (m *Manager) Cancel(id string) bool {
	rec, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	accepted, immediate := m.pool.cancel(rec)
	if !accepted {
		return false
	}
	m.logger.Info("task cancel requested",
		slog.String("task_id", id),
		slog.Bool("pending", immediate),
	)
	return true
}

// Remove deletes id from the registry. A running job keeps running but is
// no longer observable through the Manager.
func (m *Manager) Remove(id string) bool {
	rec, ok := m.registry.Get(id)
	if !ok || !m.registry.Remove(id) {
		return false
	}
	m.notify(Event{Type: EventRemoved, Task: rec.View(), At: m.clock.Now()})
	return true
}

// Sweep runs one reaper pass immediately and returns the removed ids.
func (m *Manager) Sweep() []string {
	return m.reaper.Sweep()
}

// Shutdown stops accepting submissions, cancels every live task, waits up
// to the grace period for workers to return, and stops the reaper. Jobs that
// ignore their cancel token past the grace period are abandoned.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}
	m.pool.close()

	for _, rec := range m.registry.all() {
		if !rec.Status().Terminal() {
			m.Cancel(rec.id)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.grace)
	defer cancel()
	err := m.pool.wait(waitCtx)
	if err != nil {
		m.logger.Warn("workers still running after grace period",
			slog.Int("running", m.pool.Running()),
			slog.Any("err", err),
		)
	}
	m.reaper.Stop()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (m *Manager) started(_ *Record, v View) {
	m.emit(v, EventStarted, 0)
}

func (m *Manager) progressed(_ *Record, v View) {
	m.broadcast(v)
}

func (m *Manager) cancelled(_ *Record, v View) {
	m.emit(v, EventCancelled, 0)
}

func (m *Manager) finished(r *Record, v View) {
	m.emit(v, terminalEvent(v.Status), r.runDuration())
}

func (m *Manager) reaped(views []View) {
	now := m.clock.Now()
	for _, v := range views {
		m.notify(Event{Type: EventReaped, Task: v, At: now})
	}
}

// emit broadcasts v and tells the listener about the transition.
func (m *Manager) emit(v View, typ EventType, took time.Duration) {
	m.broadcast(v)
	m.notify(Event{Type: typ, Task: v, At: m.clock.Now(), Duration: took})
}

func (m *Manager) broadcast(v View) {
	if m.hub == nil {
		return
	}
	frame, err := json.Marshal(UpdateFrame{
		Type:      FrameTypeTaskUpdate,
		Data:      v,
		Timestamp: m.clock.Now().UnixMilli(),
	})
	if err != nil {
		m.logger.Error("marshal task update", slog.String("task_id", v.ID), slog.Any("err", err))
		return
	}
	m.hub.Broadcast(frame)
}

func (m *Manager) notify(ev Event) {
	if m.listener != nil {
		m.listener.HandleTaskEvent(ev)
	}
}
