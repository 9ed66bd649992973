package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"asyncproc/internal/task/engine"
	"asyncproc/internal/task/jobs"
	logx "asyncproc/pkg/logx"
)

func TestBreakerTripsAndCloses(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, false)
	s := New(Config{Breaker: BreakerConfig{TripFailures: 2, BaseDelay: time.Hour, MaxDelay: 3 * time.Hour}}, p, logx.Nop())
	if _, err := s.AddInterval("flaky", time.Minute, engine.Normal, FuncJob("flaky", nil)); err != nil {
		t.Fatal(err)
	}
	cause := errors.New("connection refused")

	paused := func() (bool, time.Time) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.breakerOpenLocked("flaky", time.Now())
	}

	s.recordResult("flaky", cause)
	if open, _ := paused(); open {
		t.Fatalf("open after one failure")
	}
	s.recordResult("flaky", cause)
	open, until := paused()
	if !open || time.Until(until) < 59*time.Minute || time.Until(until) > time.Hour {
		t.Fatalf("open=%v until=%v", open, until)
	}

	// Cooldown doubles per failure and is capped.
	s.recordResult("flaky", cause)
	if _, until := paused(); time.Until(until) < 119*time.Minute {
		t.Fatalf("cooldown did not double: %v", time.Until(until))
	}
	s.recordResult("flaky", cause)
	s.recordResult("flaky", cause)
	if _, until := paused(); time.Until(until) > 3*time.Hour {
		t.Fatalf("cooldown exceeds max: %v", time.Until(until))
	}

	s.recordResult("flaky", engine.ErrCanceled)
	info := s.Snapshot().Schedules[0]
	if info.Failures != 5 || info.PausedUntil.IsZero() {
		t.Fatalf("snapshot=%+v", info)
	}

	s.recordResult("flaky", nil)
	if open, _ := paused(); open {
		t.Fatalf("success did not close the breaker")
	}
	if info := s.Snapshot().Schedules[0]; info.Failures != 0 {
		t.Fatalf("failures=%d after success", info.Failures)
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, false)
	s := New(Config{Breaker: BreakerConfig{TripFailures: -1}}, p, logx.Nop())
	if _, err := s.AddInterval("flaky", time.Minute, engine.Normal, FuncJob("flaky", nil)); err != nil {
		t.Fatal(err)
	}
	for range 10 {
		s.recordResult("flaky", errors.New("boom"))
	}
	s.mu.Lock()
	open, _ := s.breakerOpenLocked("flaky", time.Now())
	s.mu.Unlock()
	if open {
		t.Fatalf("disabled breaker opened")
	}
}

func TestObservedForwardsAndReports(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, true)
	cause := errors.New("disk full")
	got := make(chan error, 1)
	inner := &jobs.Func{Name: "backup", Key: "schedule:backup", Fn: func(context.Context) error { return cause }}
	o := &observed{job: inner, done: func(err error) { got <- err }}
	if engine.KeyOf(o) != "schedule:backup" || engine.NameOf(o) != "backup" || o.Unwrap() != engine.Job(inner) {
		t.Fatalf("capabilities not forwarded")
	}
	if !p.Enqueue(o, engine.Normal) {
		t.Fatalf("enqueue")
	}
	select {
	case err := <-got:
		var je *engine.JobError
		if !errors.As(err, &je) || !errors.Is(err, cause) {
			t.Fatalf("reported %v", err)
		}
	case <-time.After(testWait):
		t.Fatalf("outcome not reported")
	}
}
