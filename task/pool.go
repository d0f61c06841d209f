package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// observer receives the transitions a worker drives. The Manager implements
// it to turn them into broadcasts and listener events.
type observer interface {
	started(r *Record, v View)
	progressed(r *Record, v View)
	finished(r *Record, v View)
	cancelled(r *Record, v View)
}

// execution is the in-flight work unit for one record. The pool keeps it,
// keyed by record id, until the record reaches a terminal state.
type execution struct {
	rec *Record
	job Job

	// mu orders every frame of one task: the submit announcement, the
	// start, each progress report, and the terminal transition are all
	// emitted while holding it.
	mu sync.Mutex
}

// report records a progress value and emits it while the job runs.
func (e *execution) report(obs observer, p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.rec.setProgress(p); ok {
		obs.progressed(e.rec, v)
	}
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// MaxWorkers bounds concurrent jobs. Zero runs every job on its own
	// goroutine.
	MaxWorkers int
	// QueueSize is the number of accepted-but-waiting jobs allowed beyond
	// MaxWorkers. Ignored when MaxWorkers is zero.
	QueueSize int
	Logger    *slog.Logger
}

// Pool executes jobs on background goroutines.
type Pool struct {
	maxWorkers int
	capacity   int
	logger     *slog.Logger
	obs        observer

	queue  chan *execution
	active sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	reserved int
	inFlight map[string]*execution
	running  int
}

func newPool(opts PoolOptions, obs observer) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		maxWorkers: opts.MaxWorkers,
		logger:     logger,
		obs:        obs,
		inFlight:   make(map[string]*execution),
	}
	if p.maxWorkers > 0 {
		p.capacity = p.maxWorkers + max(opts.QueueSize, 0)
		p.queue = make(chan *execution, p.capacity)
		for range p.maxWorkers {
			go p.worker()
		}
	}
	return p
}

func (p *Pool) worker() {
	for e := range p.queue {
		p.run(e)
	}
}

// reserve claims a slot for one job. Every successful reserve must be
// followed by exactly one dispatch.
func (p *Pool) reserve() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShuttingDown
	}
	if p.capacity > 0 && p.reserved >= p.capacity {
		return ErrPoolSaturated
	}
	p.reserved++
	p.active.Add(1)
	return nil
}

// track registers the execution for r so cancel can find it. It must be
// called before r becomes visible in the registry.
func (p *Pool) track(r *Record, job Job) *execution {
	e := &execution{rec: r, job: job}
	p.mu.Lock()
	p.inFlight[r.id] = e
	p.mu.Unlock()
	return e
}

// dispatch hands e to a worker and returns immediately.
func (p *Pool) dispatch(e *execution) {
	p.mu.Lock()
	if p.queue == nil || p.closed {
		p.mu.Unlock()
		go p.run(e)
		return
	}
	// The reservation guarantees room, so this never blocks.
	p.queue <- e
	p.mu.Unlock()
}

// cancel signals the task's cancel token. For a task still waiting in the
// queue the record moves to CANCELLED at once, the CANCELLED frame is
// emitted, and the job is dropped.
func (p *Pool) cancel(r *Record) (accepted, immediate bool) {
	p.mu.Lock()
	e, ok := p.inFlight[r.id]
	p.mu.Unlock()
	if !ok {
		// Released executions belong to terminal records.
		_, accepted, _ = r.requestCancel()
		return accepted, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	v, accepted, immediate := r.requestCancel()
	if immediate {
		p.obs.cancelled(r, v)
		p.mu.Lock()
		e.job = nil
		if cur, ok := p.inFlight[r.id]; ok && cur == e {
			delete(p.inFlight, r.id)
		}
		p.mu.Unlock()
	}
	return accepted, immediate
}

func (p *Pool) run(e *execution) {
	defer p.release(e)

	e.mu.Lock()
	v, ok := e.rec.start()
	if !ok {
		e.mu.Unlock()
		return
	}
	p.mu.Lock()
	job := e.job
	p.running++
	p.mu.Unlock()
	p.obs.started(e.rec, v)
	e.mu.Unlock()

	sink := ProgressFunc(func(pct float64) { e.report(p.obs, pct) })
	result, err := invoke(e.rec.Token(), job, sink)

	e.mu.Lock()
	v = e.rec.finish(result, err)
	p.obs.finished(e.rec, v)
	e.mu.Unlock()

	p.logger.Debug("task finished",
		slog.String("task_id", v.ID),
		slog.String("status", string(v.Status)),
		slog.Duration("took", e.rec.runDuration()),
	)

	p.mu.Lock()
	p.running--
	p.mu.Unlock()
}

// invoke runs job, converting a panic into an error.
func invoke(ctx context.Context, job Job, sink ProgressSink) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return job(ctx, sink)
}

func (p *Pool) release(e *execution) {
	p.mu.Lock()
	if cur, ok := p.inFlight[e.rec.id]; ok && cur == e {
		delete(p.inFlight, e.rec.id)
	}
	e.job = nil
	p.reserved--
	p.mu.Unlock()
	p.active.Done()
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Queued returns the number of accepted jobs not yet started.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved - p.running
}

// wait blocks until every accepted job has been released or ctx ends.
func (p *Pool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting work. Queued jobs still drain; it does not wait for
// them.
func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.queue != nil {
		close(p.queue)
	}
}
