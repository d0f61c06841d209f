package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/companion/task"
)

// Options configures a Bus.
type Options struct {
	// Buffer is the number of events queued ahead of delivery. Events
	// published while the buffer is full are dropped.
	Buffer int
	// MaxHistory caps the retained event history.
	MaxHistory int
	Logger     *slog.Logger
}

// Bus is a thread-safe in-process event bus. Publishing never blocks:
// events are queued and delivered to subscribers from a single goroutine,
// in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   int
	history  []task.Event
	maxHist  int
	closed   bool

	queue   chan task.Event
	done    chan struct{}
	dropped atomic.Uint64
	logger  *slog.Logger
}

type handlerEntry struct {
	id      int
	handler Handler
}

var _ task.Listener = (*Bus)(nil)

// NewBus creates a Bus and starts its delivery goroutine. Defaults: a
// 256-event buffer and a 1000-event history cap.
func NewBus(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bus{
		maxHist: opts.MaxHistory,
		queue:   make(chan task.Event, opts.Buffer),
		done:    make(chan struct{}),
		logger:  opts.Logger,
	}
	go b.deliver()
	return b
}

// HandleTaskEvent queues ev for delivery. It drops the event when the
// buffer is full or the bus is closed.
func (b *Bus) HandleTaskEvent(ev task.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event bus full, dropping events", slog.Uint64("dropped", n))
		}
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) deliver() {
	defer close(b.done)
	ctx := context.Background()
	for ev := range b.queue {
		b.mu.Lock()
		b.history = append(b.history, ev)
		if len(b.history) > b.maxHist {
			b.history = b.history[len(b.history)-b.maxHist:]
		}
		targets := make([]Handler, 0, len(b.handlers))
		for _, e := range b.handlers {
			targets = append(targets, e.handler)
		}
		b.mu.Unlock()

		for _, h := range targets {
			if err := h(ctx, ev); err != nil {
				b.logger.Warn("event handler failed",
					slog.String("event", string(ev.Type)),
					slog.String("task_id", ev.Task.ID),
					slog.Any("err", err),
				)
			}
		}
	}
}

// Subscribe registers handler for every subsequently delivered event.
// The returned function unsubscribes the handler.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		filtered := b.handlers[:0]
		for _, e := range b.handlers {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		b.handlers = filtered
	}
}

// History returns the most recent limit delivered events in chronological
// order. An empty taskID matches every task; limit <= 0 means no limit.
func (b *Bus) History(taskID string, limit int) []task.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []task.Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if taskID == "" || ev.Task.ID == taskID {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}

// Close stops accepting events, delivers what is already queued, and
// returns once delivery has finished or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
