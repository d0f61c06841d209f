package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/companion/internal/clock"
)

// recorder is a Broadcaster and Listener that keeps everything it sees.
type recorder struct {
	mu     sync.Mutex
	frames []UpdateFrame
	events []Event

	// onFrame, if set, runs after each frame is recorded.
	onFrame func(UpdateFrame)
}

func (r *recorder) Broadcast(b []byte) {
	var f UpdateFrame
	if err := json.Unmarshal(b, &f); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	if r.onFrame != nil {
		r.onFrame(f)
	}
}

func (r *recorder) HandleTaskEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) views(id string) []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []View
	for _, f := range r.frames {
		if f.Data.ID == id {
			out = append(out, f.Data)
		}
	}
	return out
}

func (r *recorder) eventTypes(id string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		if ev.Task.ID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) waitTerminal(t *testing.T, id string) []View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		vs := r.views(id)
		if n := len(vs); n > 0 && vs[n-1].Status.Terminal() {
			return vs
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached a terminal frame", id)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.Listener = rec
	m := NewManager(rec, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, rec
}

// gate blocks a job until released or cancelled.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) job(ctx context.Context, p ProgressSink) (any, error) {
	close(g.started)
	p.Report(10)
	select {
	case <-g.release:
		return "released", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
}

func checkFrameOrder(t *testing.T, views []View) {
	t.Helper()
	if len(views) == 0 {
		t.Fatal("no frames")
	}
	if views[0].Status != StatusPending {
		t.Errorf("first frame status = %s, want PENDING", views[0].Status)
	}
	for i := 1; i < len(views); i++ {
		prev, cur := views[i-1], views[i]
		if prev.Status != cur.Status && !canTransition(prev.Status, cur.Status) {
			t.Errorf("frame %d: %s -> %s", i, prev.Status, cur.Status)
		}
		if prev.Status.Terminal() {
			t.Errorf("frame %d follows terminal frame", i)
		}
		if cur.Progress < prev.Progress {
			t.Errorf("frame %d: progress %v < %v", i, cur.Progress, prev.Progress)
		}
	}
}

func TestManager_ProgressToCompletion(t *testing.T) {
	m, rec := newTestManager(t, Options{})

	id, err := m.Submit("steps", "ten steps", func(ctx context.Context, p ProgressSink) (any, error) {
		for i := 0; i <= 100; i += 10 {
			p.Report(float64(i))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	views := rec.waitTerminal(t, id)
	checkFrameOrder(t, views)
	last := views[len(views)-1]
	if last.Status != StatusCompleted || last.Result != "ok" || last.Progress != 100 {
		t.Errorf("terminal view = %+v", last)
	}
	if views[1].Status != StatusRunning {
		t.Errorf("second frame = %s, want RUNNING", views[1].Status)
	}

	got, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got != last {
		t.Errorf("Status = %+v, want terminal frame %+v", got, last)
	}

	types := rec.eventTypes(id)
	want := []EventType{EventSubmitted, EventStarted, EventCompleted}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestManager_StatusUnknown(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	if _, err := m.Status("task-0-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if m.Cancel("task-0-0") {
		t.Error("Cancel of unknown id = true")
	}
	if m.Remove("task-0-0") {
		t.Error("Remove of unknown id = true")
	}
}

func TestManager_CancelRunning(t *testing.T) {
	m, rec := newTestManager(t, Options{})
	g := newGate()

	id, err := m.Submit("gated", "waits", g.job)
	if err != nil {
		t.Fatal(err)
	}
	g.waitStarted(t)

	if !m.Cancel(id) {
		t.Fatal("Cancel = false for running task")
	}
	views := rec.waitTerminal(t, id)
	checkFrameOrder(t, views)
	if last := views[len(views)-1]; last.Status != StatusCancelled {
		t.Errorf("terminal status = %s, want CANCELLED", last.Status)
	}
	if m.Cancel(id) {
		t.Error("Cancel of terminal task = true")
	}
}

func TestManager_CancelPendingNeverRuns(t *testing.T) {
	m, rec := newTestManager(t, Options{MaxWorkers: 1, QueueSize: 1})
	blocker := newGate()
	if _, err := m.Submit("blocker", "holds the worker", blocker.job); err != nil {
		t.Fatal(err)
	}
	blocker.waitStarted(t)

	var ran bool
	id, err := m.Submit("queued", "never runs", func(context.Context, ProgressSink) (any, error) {
		ran = true
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.Queued() != 1 {
		t.Errorf("Queued = %d, want 1", m.Queued())
	}

	if _, err := m.Submit("overflow", "no room", blocker.job); !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("overflow err = %v, want ErrPoolSaturated", err)
	}

	if !m.Cancel(id) {
		t.Fatal("Cancel = false for pending task")
	}
	v, _ := m.Status(id)
	if v.Status != StatusCancelled || v.StartedAt != 0 {
		t.Errorf("view = %+v, want CANCELLED without start", v)
	}

	close(blocker.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ran {
		t.Error("cancelled pending job ran")
	}
	views := rec.views(id)
	if len(views) != 2 || views[0].Status != StatusPending || views[1].Status != StatusCancelled {
		t.Errorf("frames = %+v, want PENDING then CANCELLED", views)
	}
}

func TestManager_FailureAndPanic(t *testing.T) {
	m, rec := newTestManager(t, Options{})

	failID, _ := m.Submit("fail", "returns error", func(context.Context, ProgressSink) (any, error) {
		return nil, errors.New("boom")
	})
	panicID, _ := m.Submit("panic", "panics", func(context.Context, ProgressSink) (any, error) {
		panic("kaboom")
	})

	fail := rec.waitTerminal(t, failID)
	if last := fail[len(fail)-1]; last.Status != StatusFailed || last.Error != "boom" {
		t.Errorf("fail terminal = %+v", last)
	}
	pan := rec.waitTerminal(t, panicID)
	if last := pan[len(pan)-1]; last.Status != StatusFailed || last.Error != "task panicked: kaboom" {
		t.Errorf("panic terminal = %+v", last)
	}
}

func TestManager_NilJob(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	if _, err := m.Submit("nil", "no job", nil); err == nil {
		t.Error("Submit(nil job) succeeded")
	}
	if n := m.Stats().Total; n != 0 {
		t.Errorf("Total = %d after rejected submit", n)
	}
}

func TestManager_RemoveAndList(t *testing.T) {
	m, rec := newTestManager(t, Options{})
	done := func(context.Context, ProgressSink) (any, error) { return nil, nil }

	a, _ := m.Submit("a", "first", done)
	b, _ := m.Submit("b", "second", done)
	rec.waitTerminal(t, a)
	rec.waitTerminal(t, b)

	if got := m.List(); len(got) != 2 {
		t.Fatalf("List len = %d, want 2", len(got))
	}
	if !m.Remove(a) {
		t.Fatal("Remove = false")
	}
	list := m.List()
	if len(list) != 1 || list[0].ID != b {
		t.Errorf("List after remove = %+v", list)
	}
	types := rec.eventTypes(a)
	if types[len(types)-1] != EventRemoved {
		t.Errorf("last event = %s, want removed", types[len(types)-1])
	}
}

func TestManager_SweepUsesClock(t *testing.T) {
	clk := clock.NewFake(epoch)
	m, rec := newTestManager(t, Options{Clock: clk, Retention: time.Minute})

	id, _ := m.Submit("short", "done fast", func(context.Context, ProgressSink) (any, error) { return nil, nil })
	rec.waitTerminal(t, id)

	if got := m.Sweep(); len(got) != 0 {
		t.Fatalf("Sweep before retention = %v", got)
	}
	clk.Advance(time.Minute)
	got := m.Sweep()
	if len(got) != 1 || got[0] != id {
		t.Fatalf("Sweep = %v, want [%s]", got, id)
	}
	if _, err := m.Status(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status after sweep err = %v, want ErrNotFound", err)
	}
	types := rec.eventTypes(id)
	if types[len(types)-1] != EventReaped {
		t.Errorf("last event = %s, want reaped", types[len(types)-1])
	}
}

func TestManager_ShutdownCancelsAndRejects(t *testing.T) {
	m, rec := newTestManager(t, Options{ShutdownGrace: time.Second})
	g := newGate()
	id, _ := m.Submit("gated", "cancelled by shutdown", g.job)
	g.waitStarted(t)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	views := rec.views(id)
	if last := views[len(views)-1]; last.Status != StatusCancelled {
		t.Errorf("terminal status = %s, want CANCELLED", last.Status)
	}
	if _, err := m.Submit("late", "after shutdown", g.job); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit after Shutdown err = %v, want ErrShuttingDown", err)
	}
}

func TestManager_ShutdownAbandonsStubbornJobs(t *testing.T) {
	m, _ := newTestManager(t, Options{ShutdownGrace: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	_, _ = m.Submit("stubborn", "ignores cancel", func(context.Context, ProgressSink) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	if err := m.Shutdown(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown err = %v, want DeadlineExceeded", err)
	}
}

func terminalFrames(views []View) int {
	n := 0
	for _, v := range views {
		if v.Status.Terminal() {
			n++
		}
	}
	return n
}

func TestManager_CancelRacesCompletion(t *testing.T) {
	m, rec := newTestManager(t, Options{})
	quick := func(_ context.Context, p ProgressSink) (any, error) {
		p.Report(50)
		return "ok", nil
	}

	const runs = 200
	ids := make([]string, runs)
	accepted := make([]bool, runs)
	for i := range runs {
		id, err := m.Submit("race", "cancel vs return", quick)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
		accepted[i] = m.Cancel(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i, id := range ids {
		views := rec.views(id)
		checkFrameOrder(t, views)
		if n := terminalFrames(views); n != 1 {
			t.Errorf("%s: %d terminal frames, want 1", id, n)
		}
		last := views[len(views)-1]
		if accepted[i] {
			if last.Status != StatusCancelled {
				t.Errorf("%s: Cancel returned true but final status = %s", id, last.Status)
			}
			continue
		}
		if last.Status != StatusCompleted || last.Progress != 100 {
			t.Errorf("%s: Cancel returned false but final view = %+v", id, last)
		}
	}
}

func TestManager_CancelDuringSubmitKeepsOrder(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec, Options{Listener: rec})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	var wg sync.WaitGroup
	results := make(chan bool, 20)
	rec.onFrame = func(f UpdateFrame) {
		if f.Data.Status != StatusPending {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Cancel(f.Data.ID)
		}()
		// Give the cancelling goroutine a head start on the submitter.
		time.Sleep(2 * time.Millisecond)
	}

	waitCancel := func(ctx context.Context, _ ProgressSink) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var ids []string
	for range 20 {
		id, err := m.Submit("racy", "cancelled while announced", waitCancel)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	wg.Wait()
	close(results)
	for ok := range results {
		if !ok {
			t.Error("Cancel of a live task returned false")
		}
	}

	for _, id := range ids {
		views := rec.waitTerminal(t, id)
		checkFrameOrder(t, views)
		if n := terminalFrames(views); n != 1 {
			t.Errorf("%s: %d terminal frames, want 1", id, n)
		}
		if last := views[len(views)-1]; last.Status != StatusCancelled {
			t.Errorf("%s: final status = %s, want CANCELLED", id, last.Status)
		}
		types := rec.eventTypes(id)
		if len(types) == 0 || types[0] != EventSubmitted {
			t.Errorf("%s: events = %v, want submitted first", id, types)
		}
	}
}
