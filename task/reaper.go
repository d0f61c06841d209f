package task

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/companion/internal/clock"
)

// ReaperOptions configures a Reaper.
type ReaperOptions struct {
	Interval  time.Duration
	Retention time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	// OnReap, if set, receives the views removed by each non-empty pass.
	OnReap func([]View)
}

// Reaper periodically evicts terminal records older than the retention.
type Reaper struct {
	registry *Registry
	opts     ReaperOptions

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewReaper returns a stopped Reaper over registry.
func NewReaper(registry *Registry, opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReapInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		opts:     opts,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Subsequent calls are no-ops.
func (r *Reaper) Start() {
	r.startOnce.Do(func() { go r.loop() })
}

// Stop ends the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.startOnce.Do(func() { close(r.done) })
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// Sweep performs one pass and returns the removed ids.
func (r *Reaper) Sweep() []string {
	removed := r.registry.SweepTerminal(r.opts.Retention, r.opts.Clock.Now())
	if len(removed) == 0 {
		return nil
	}
	ids := make([]string, len(removed))
	for i, v := range removed {
		ids[i] = v.ID
		r.opts.Logger.Debug("reaped task", slog.String("task_id", v.ID), slog.String("status", string(v.Status)))
	}
	if r.opts.OnReap != nil {
		r.opts.OnReap(removed)
	}
	return ids
}
