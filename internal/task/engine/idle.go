package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// IdleClock reports how long the host has been without input.
type IdleClock interface {
	SinceLastInput() time.Duration
}

// ActivityClock is an IdleClock driven by Touch. The processor touches it
// whenever a job is enqueued, so idle jobs run once the processor itself has
// been quiet for the idle period.
type ActivityClock struct {
	last atomic.Int64
	now  func() time.Time
}

func NewActivityClock() *ActivityClock {
	c := &ActivityClock{now: time.Now}
	c.Touch()
	return c
}

func (c *ActivityClock) Touch() { c.last.Store(c.now().UnixNano()) }

func (c *ActivityClock) SinceLastInput() time.Duration {
	d := c.now().Sub(time.Unix(0, c.last.Load()))
	if d < 0 {
		return 0
	}
	return d
}

type toucher interface{ Touch() }

// idleWait returns how long to wait before an idle job may run, and whether
// idle jobs should be considered at all. Caller holds p.mu.
func (p *Processor) idleWaitLocked() (time.Duration, bool) {
	if p.ready.len() > 0 || p.idle.len() == 0 {
		return 0, false
	}
	rem := p.cfg.IdlePeriod - p.clock.SinceLastInput()
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// runIdle steps one idle job when the idle period has elapsed.
func (p *Processor) runIdle(ctx context.Context) {
	if p.room() <= 0 {
		return
	}
	p.mu.Lock()
	if p.stopping || p.ready.len() > 0 || p.idle.len() == 0 || p.clock.SinceLastInput() < p.cfg.IdlePeriod {
		p.mu.Unlock()
		return
	}
	t := p.idle.pop()
	p.mu.Unlock()
	p.execute(ctx, t)
}
