package reenter

import (
	"context"
	"sync"
	"sync/atomic"

	"asyncproc/internal/task/engine"
)

// tracked wraps a sub-job so its parent can tell when it completed.
// Every optional capability is forwarded to the wrapped job.
type tracked struct {
	p    *engine.Processor
	job  engine.Job
	done atomic.Bool

	mu  sync.Mutex
	err error
}

func newTracked(p *engine.Processor, job engine.Job) *tracked {
	return &tracked{p: p, job: job}
}

func (t *tracked) Step(ctx context.Context) (engine.Yield, error) { return t.job.Step(ctx) }
func (t *tracked) Unwrap() engine.Job                             { return t.job }
func (t *tracked) JobKey() any                                    { return engine.KeyOf(t.job) }
func (t *tracked) JobName() string                                { return engine.NameOf(t.job) }

func (t *tracked) BeforeSuspend(sig engine.Signal) {
	if s, ok := t.job.(engine.Suspender); ok {
		s.BeforeSuspend(sig)
	}
}

func (t *tracked) TimeoutFired() {
	if th, ok := t.job.(engine.TimeoutHandler); ok {
		th.TimeoutFired()
	}
}

func (t *tracked) Cancel() {
	if c, ok := t.job.(engine.Cancelable); ok {
		c.Cancel()
	}
}

func (t *tracked) JobCompleted(err error) {
	if c, ok := t.job.(engine.Completer); ok {
		c.JobCompleted(err)
	}
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.done.Store(true)
	// Completion off the loop (cancellation) would not wake a parent that is
	// blocked in DoJobs.
	if !t.p.IsOwnThread() {
		wake(t.p)
	}
}

func (t *tracked) finished() bool { return t.done.Load() }

func (t *tracked) result() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// nop is queued to make a blocked DoJobs return.
type nop struct{}

func (*nop) Step(context.Context) (engine.Yield, error) { return engine.Finish(), nil }
func (*nop) JobName() string                            { return "reenter.wake" }

func wake(p *engine.Processor) { p.EnqueueInstance(&nop{}, engine.Immediate) }
