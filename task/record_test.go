package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/companion/internal/clock"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusCancelled}: true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := canTransition(from, to); got != want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestRecord_CompletedLifecycle(t *testing.T) {
	clk := clock.NewFake(epoch)
	r := newRecord("task-1-1", "n", "d", clk)

	v := r.View()
	if v.Status != StatusPending || v.Progress != 0 {
		t.Fatalf("new record = %+v", v)
	}
	if v.CreatedAt != epoch.UnixMilli() || v.StartedAt != 0 || v.CompletedAt != 0 {
		t.Errorf("timestamps = %d/%d/%d", v.CreatedAt, v.StartedAt, v.CompletedAt)
	}

	clk.Advance(time.Second)
	if _, ok := r.start(); !ok {
		t.Fatal("start returned false")
	}
	if got := r.View().StartedAt; got != epoch.Add(time.Second).UnixMilli() {
		t.Errorf("StartedAt = %d", got)
	}

	clk.Advance(2 * time.Second)
	v = r.finish(42, nil)
	if v.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", v.Status)
	}
	if v.Progress != 100 {
		t.Errorf("progress = %v, want 100", v.Progress)
	}
	if v.Result != "42" {
		t.Errorf("result = %q, want 42", v.Result)
	}
	if r.runDuration() != 2*time.Second {
		t.Errorf("runDuration = %v, want 2s", r.runDuration())
	}
	if r.Token().Err() == nil {
		t.Error("cancel token not released after terminal transition")
	}
}

func TestRecord_ProgressClampedAndMonotonic(t *testing.T) {
	r := newRecord("task-1-1", "n", "d", clock.NewFake(epoch))
	if _, ok := r.setProgress(50); ok {
		t.Fatal("setProgress accepted while PENDING")
	}
	r.start()

	steps := []struct{ in, want float64 }{
		{-5, 0},
		{30, 30},
		{20, 30},
		{150, 100},
	}
	for _, s := range steps {
		v, ok := r.setProgress(s.in)
		if !ok {
			t.Fatalf("setProgress(%v) rejected", s.in)
		}
		if v.Progress != s.want {
			t.Errorf("setProgress(%v) = %v, want %v", s.in, v.Progress, s.want)
		}
	}
}

func TestRecord_Failed(t *testing.T) {
	r := newRecord("task-1-1", "n", "d", clock.NewFake(epoch))
	r.start()
	r.setProgress(40)
	v := r.finish(nil, errors.New("disk full"))
	if v.Status != StatusFailed || v.Error != "disk full" {
		t.Errorf("view = %+v, want FAILED with error", v)
	}
	if v.Progress != 40 {
		t.Errorf("progress = %v, want 40 retained", v.Progress)
	}
}

func TestRecord_CancelPending(t *testing.T) {
	r := newRecord("task-1-1", "n", "d", clock.NewFake(epoch))
	v, accepted, immediate := r.requestCancel()
	if !accepted || !immediate {
		t.Fatalf("accepted=%v immediate=%v, want true true", accepted, immediate)
	}
	if v.Status != StatusCancelled || v.StartedAt != 0 || v.CompletedAt == 0 {
		t.Errorf("view = %+v", v)
	}
	if _, ok := r.start(); ok {
		t.Error("start succeeded on cancelled record")
	}
	if _, accepted, _ := r.requestCancel(); accepted {
		t.Error("second cancel accepted")
	}
}

func TestRecord_CancelRunningWinsOverResult(t *testing.T) {
	r := newRecord("task-1-1", "n", "d", clock.NewFake(epoch))
	r.start()
	_, accepted, immediate := r.requestCancel()
	if !accepted || immediate {
		t.Fatalf("accepted=%v immediate=%v, want true false", accepted, immediate)
	}
	if r.Status() != StatusRunning {
		t.Fatalf("status = %s, want RUNNING until job returns", r.Status())
	}
	if !errors.Is(r.Token().Err(), context.Canceled) {
		t.Error("token not cancelled")
	}
	v := r.finish("done anyway", nil)
	if v.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", v.Status)
	}
	if v.Result != "" {
		t.Errorf("result = %q, want empty", v.Result)
	}
}

func TestRecord_IllegalTransitionPanics(t *testing.T) {
	r := newRecord("task-1-1", "n", "d", clock.NewFake(epoch))
	r.start()
	r.finish(nil, nil)

	defer func() {
		if recover() == nil {
			t.Error("finish on terminal record did not panic")
		}
	}()
	r.finish(nil, nil)
}
