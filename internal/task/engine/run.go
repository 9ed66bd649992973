package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// ErrResultType is returned by Call when the joined run was started by a job
// of a different type.
var ErrResultType = errors.New("joined run produced no result of the requested type")

// runKey keys the wrapper of a synchronous run so it never merges with a
// plain queued job.
type runKey struct{ key any }

// runnable wraps a job run on behalf of synchronous callers.
type runnable struct {
	p    *Processor
	job  Job
	key  any
	done chan struct{}
	once sync.Once
	err  error
	refs int // guarded by p.mu
}

func (r *runnable) Step(ctx context.Context) (Yield, error) { return r.job.Step(ctx) }
func (r *runnable) JobKey() any                             { return runKey{r.key} }
func (r *runnable) JobName() string                         { return NameOf(r.job) }
func (r *runnable) Unwrap() Job                             { return r.job }

func (r *runnable) BeforeSuspend(sig Signal) {
	if s, ok := r.job.(Suspender); ok {
		s.BeforeSuspend(sig)
	}
}

func (r *runnable) TimeoutFired() {
	if th, ok := r.job.(TimeoutHandler); ok {
		th.TimeoutFired()
	}
}

func (r *runnable) Cancel() {
	if c, ok := r.job.(Cancelable); ok {
		c.Cancel()
	}
}

func (r *runnable) JobCompleted(err error) {
	r.once.Do(func() {
		if c, ok := r.job.(Completer); ok {
			c.JobCompleted(err)
		}
		r.err = err
		r.p.mu.Lock()
		if r.p.runs[r.key] == r {
			delete(r.p.runs, r.key)
		}
		r.p.mu.Unlock()
		close(r.done)
	})
}

// RunJob runs job and waits for it to finish.
//
// On the processor goroutine, or before the processor has started, the job
// is stepped inline. Otherwise it is queued at Immediate and the caller waits.
// If the caller owns another processor sharing the registry, that processor
// keeps servicing its own queue during the wait. With mergeAllowed an equal
// run already in flight is joined instead of started again.
//
// A fault of the job is returned as *JobError.
func (p *Processor) RunJob(ctx context.Context, job Job, mergeAllowed bool) error {
	_, err := p.runShared(ctx, job, mergeAllowed)
	return err
}

// RunUniqueJob is RunJob that fails with ErrJobRunning when an equal run is
// already in flight.
func (p *Processor) RunUniqueJob(ctx context.Context, job Job) error {
	return p.RunJob(ctx, job, false)
}

// runShared returns the job instance that actually ran, which differs from
// job when an in-flight run was joined.
func (p *Processor) runShared(ctx context.Context, job Job, merge bool) (Job, error) {
	if job == nil {
		return nil, errors.New("nil job")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key := KeyOf(job)
	if !comparableKey(key) {
		return nil, ErrUncomparableKey
	}
	if p.IsOwnThread() {
		return job, p.runInline(ctx, job)
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil, ErrStopping
	}
	if p.state == stateIdle {
		p.mu.Unlock()
		return job, p.runInline(ctx, job)
	}
	r := p.runs[key]
	var queued *JobEvent
	filling := false
	if r != nil {
		if !merge {
			p.mu.Unlock()
			return nil, ErrJobRunning
		}
		r.refs++
	} else {
		r = &runnable{p: p, job: job, key: key, done: make(chan struct{}), refs: 1}
		p.runs[key] = r
		t := &task{job: r, key: runKey{key}, name: NameOf(job), prio: Immediate, enqueuedAt: time.Now()}
		filling = p.ready.len() == 0
		p.pushReadyLocked(t)
		ev := taskEvent(t, nil)
		queued = &ev
	}
	p.mu.Unlock()

	if queued != nil {
		p.publish(EventJobEnqueued, *queued)
		if filling {
			p.publish(EventQueueFilling, JobEvent{})
		}
	}

	err := p.waitRun(ctx, r)

	p.mu.Lock()
	r.refs--
	p.mu.Unlock()
	return r.job, err
}

func (p *Processor) waitRun(ctx context.Context, r *runnable) error {
	caller := p.registry.Current()
	if caller != nil && caller != p && caller.canCooperate() {
		ok, err := caller.pumpUntil(ctx, r.done)
		if err != nil {
			return err
		}
		if ok {
			select {
			case <-r.done:
				return r.err
			default:
			}
		}
	}

	var msgs <-chan struct{}
	var pump MessagePump
	if caller != nil {
		if pump = caller.messagePump(); pump != nil {
			msgs = pump.Messages()
		}
	}
	for {
		select {
		case <-r.done:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		case <-msgs:
			pump.Dispatch()
		}
	}
}

func (p *Processor) canCooperate() bool {
	if !p.IsOwnThread() {
		return false
	}
	p.mu.Lock()
	ok := p.cfg.AllowReentrancy && !p.stopping
	p.mu.Unlock()
	return ok && p.syncCalls < p.ceiling()
}

func (p *Processor) messagePump() MessagePump {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.PumpMessages {
		return p.msgs
	}
	return nil
}

// pumpUntil services p's queue until done fires. ok is false when p could
// not keep pumping and the caller must block instead.
func (p *Processor) pumpUntil(ctx context.Context, done <-chan struct{}) (ok bool, err error) {
	helper := &waitSignal{sig: done}
	t := &task{job: helper, key: instanceKey{helper}, name: "sync-wait", prio: Immediate, internal: true}
	p.mu.Lock()
	queued := !p.stopping && p.pushReadyLocked(t)
	p.mu.Unlock()
	if !queued {
		return false, nil
	}

	p.syncCalls++
	defer func() { p.syncCalls-- }()
	for !helper.finished {
		if p.isStopping() {
			return false, nil
		}
		if err := p.pump(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// waitSignal finishes once sig fires; it keeps a cooperating processor
// pumping while its goroutine waits on another processor.
type waitSignal struct {
	sig      Signal
	waited   bool
	finished bool
}

func (w *waitSignal) Step(context.Context) (Yield, error) {
	if !w.waited {
		w.waited = true
		select {
		case <-w.sig:
		default:
			return Await(w.sig), nil
		}
	}
	w.finished = true
	return Finish(), nil
}

func (w *waitSignal) JobCompleted(error) { w.finished = true }

// runInline steps job on the calling goroutine until it finishes.
func (p *Processor) runInline(ctx context.Context, job Job) error {
	name := NameOf(job)
	for {
		y, err := stepSafely(ctx, job)
		if err != nil {
			je := newJobError(name, err)
			p.faults.Add(1)
			completeInline(job, je)
			return je
		}
		if y.Finished() {
			if s, ok := job.(Suspender); ok {
				s.BeforeSuspend(nil)
			}
			completeInline(job, nil)
			return nil
		}
		if s, ok := job.(Suspender); ok {
			s.BeforeSuspend(y.sig)
		}
		if y.sig == nil {
			je := newJobError(name, ErrInvalidSignal)
			completeInline(job, je)
			return je
		}

		var timer *time.Timer
		var expired <-chan time.Time
		if y.hasTimeout() {
			timer = time.NewTimer(y.timeout)
			expired = timer.C
		}
		select {
		case <-y.sig:
			if timer != nil {
				timer.Stop()
			}
		case <-expired:
			if th, ok := job.(TimeoutHandler); ok {
				th.TimeoutFired()
			}
			completeInline(job, nil)
			return nil
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		}
	}
}

func completeInline(job Job, err error) {
	if c, ok := job.(Completer); ok {
		c.JobCompleted(err)
	}
}

func stepSafely(ctx context.Context, job Job) (y Yield, err error) {
	defer func() {
		if r := recover(); r != nil {
			y, err = Yield{}, &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return job.Step(ctx)
}

type callJob[T any] struct {
	key any
	fn  func(ctx context.Context) (T, error)
	val T
}

func (c *callJob[T]) JobKey() any { return c.key }

func (c *callJob[T]) Step(ctx context.Context) (Yield, error) {
	v, err := c.fn(ctx)
	c.val = v
	return Finish(), err
}

// Call runs fn on p and returns its value. Calls with an equal non-nil key
// that overlap share a single run; a nil key never merges.
func Call[T any](ctx context.Context, p *Processor, key any, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, errors.New("nil func")
	}
	j := &callJob[T]{key: key, fn: fn}
	ran, err := p.runShared(ctx, j, true)
	if err != nil {
		return zero, err
	}
	cj, ok := ran.(*callJob[T])
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrResultType, NameOf(ran))
	}
	return cj.val, nil
}
