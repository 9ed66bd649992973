package scheduler

import (
	"context"
	"errors"
	"time"

	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

// BreakerConfig pauses a schedule whose runs keep failing.
//
// After TripFailures consecutive failures, fires are skipped for BaseDelay,
// doubled for every further failure up to MaxDelay. A successful run closes
// the breaker, and so does a quiet period of ResetAfter.
type BreakerConfig struct {
	// TripFailures: 0 applies 5, negative disables the breaker.
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) effective() (BreakerConfig, bool) {
	if c.TripFailures < 0 {
		return c, false
	}
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c, true
}

// breakerState tracks consecutive failures of one schedule.
type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func (b *breakerState) expire(now time.Time, cc BreakerConfig) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > cc.ResetAfter {
		*b = breakerState{}
	}
}

// breakerOpenLocked reports whether fires of name are paused at now.
func (s *Service) breakerOpenLocked(name string, now time.Time) (bool, time.Time) {
	cc, ok := s.cfg.Breaker.effective()
	if !ok {
		return false, time.Time{}
	}
	b := s.breakers[name]
	if b == nil {
		return false, time.Time{}
	}
	b.expire(now, cc)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

// recordResult feeds the outcome of one run into the breaker of name.
// Cancellation and shutdown say nothing about the job and are ignored.
func (s *Service) recordResult(name string, err error) {
	if errors.Is(err, engine.ErrCanceled) || errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrAborted) {
		return
	}
	now := time.Now()

	s.mu.Lock()
	cc, ok := s.cfg.Breaker.effective()
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, exists := s.defs[name]; !exists {
		delete(s.breakers, name)
		s.mu.Unlock()
		return
	}
	b := s.breakers[name]
	if err == nil {
		if b != nil {
			delete(s.breakers, name)
		}
		s.mu.Unlock()
		return
	}
	if b == nil {
		b = &breakerState{}
		s.breakers[name] = b
	}
	b.expire(now, cc)
	b.fails++
	b.lastFailure = now
	if b.fails < cc.TripFailures {
		s.mu.Unlock()
		return
	}

	d := cc.BaseDelay
	for i := cc.TripFailures; i < b.fails && d < cc.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, cc.MaxDelay)
	b.openUntil = now.Add(d)
	fails := b.fails
	s.mu.Unlock()

	s.log.Warn("schedule paused after repeated failures",
		logx.String("name", name),
		logx.Int("failures", fails),
		logx.Duration("cooldown", d),
		logx.Err(err),
	)
}

// observed forwards every capability of a scheduled job and reports its
// outcome to the breaker.
type observed struct {
	job  engine.Job
	done func(err error)
}

func (o *observed) Step(ctx context.Context) (engine.Yield, error) { return o.job.Step(ctx) }
func (o *observed) Unwrap() engine.Job                             { return o.job }
func (o *observed) JobKey() any                                    { return engine.KeyOf(o.job) }
func (o *observed) JobName() string                                { return engine.NameOf(o.job) }

func (o *observed) BeforeSuspend(sig engine.Signal) {
	if s, ok := o.job.(engine.Suspender); ok {
		s.BeforeSuspend(sig)
	}
}

func (o *observed) TimeoutFired() {
	if th, ok := o.job.(engine.TimeoutHandler); ok {
		th.TimeoutFired()
	}
}

func (o *observed) Cancel() {
	if c, ok := o.job.(engine.Cancelable); ok {
		c.Cancel()
	}
}

func (o *observed) JobCompleted(err error) {
	if c, ok := o.job.(engine.Completer); ok {
		c.JobCompleted(err)
	}
	o.done(err)
}
