package engine

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"time"

	rtsup "asyncproc/internal/runtime/supervisor"
	logx "asyncproc/pkg/logx"
)

// StartThread starts the processor goroutine under a supervisor that
// restarts it if it is torn down by a panic or runtime.Goexit.
// It is idempotent.
func (p *Processor) StartThread(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	switch {
	case p.state == stateRunning:
		p.mu.Unlock()
		return nil
	case p.state == stateStopped || p.stopping:
		p.mu.Unlock()
		return ErrStopped
	}
	p.state = stateRunning
	p.mu.Unlock()

	p.startSupervised(ctx)
	return nil
}

func (p *Processor) startSupervised(ctx context.Context) {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	p.mu.Lock()
	p.sup = sup
	name := p.cfg.Name
	p.mu.Unlock()

	sup.GoRestart("processor."+name, p.threadMain,
		rtsup.WithRestartBackoff(10*time.Millisecond, time.Second),
		rtsup.WithOnRestart(func(err error) {
			p.restarts.Add(1)
		}),
	)
	// The supervisor gives up only when ctx is done; make sure waiters are released.
	go func() {
		_ = sup.Wait(context.Background())
		p.finalize()
	}()
}

func (p *Processor) threadMain(ctx context.Context) error {
	if p.lockOSThread() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	id, err := p.attach()
	if err != nil {
		return err
	}
	return p.run(ctx, id)
}

// RunOnCallingThread runs the processor loop on the calling goroutine until
// the processor is shut down or ctx is done. If the loop is torn down by a
// panic the processor continues on a supervised goroutine and this call
// waits for it to finish.
func (p *Processor) RunOnCallingThread(ctx context.Context) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	switch {
	case p.state == stateRunning:
		p.mu.Unlock()
		return ErrAlreadyStarted
	case p.state == stateStopped || p.stopping:
		p.mu.Unlock()
		return ErrStopped
	}
	p.state = stateRunning
	lock := p.cfg.LockOSThread
	p.mu.Unlock()

	if lock {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	id, err := p.attach()
	if err != nil {
		p.mu.Lock()
		p.state = stateIdle
		p.mu.Unlock()
		return err
	}

	normal := false
	defer func() {
		if normal {
			return
		}
		r := recover()
		if r != nil {
			p.log.Error("processor loop panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		} else {
			p.log.Error("processor loop exited via runtime.Goexit")
		}
		p.restarts.Add(1)
		p.startSupervised(ctx)
		if r != nil {
			err = p.WaitUntilFinished(ctx)
		}
	}()
	err = p.run(ctx, id)
	normal = true
	return err
}

func (p *Processor) lockOSThread() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.LockOSThread
}

// attach binds the calling goroutine as the processor goroutine.
func (p *Processor) attach() (uint64, error) {
	id := GoroutineID()
	if err := p.registry.Register(id, p); err != nil {
		return 0, err
	}
	p.owner.Store(id)
	p.depth, p.executing, p.syncCalls = 0, 0, 0
	clear(p.reentering)
	return id, nil
}

func (p *Processor) detach(id uint64) {
	p.owner.CompareAndSwap(id, 0)
	p.registry.Unregister(id, p)
	p.nDepth.Store(0)
}

func (p *Processor) run(ctx context.Context, id uint64) error {
	defer p.detach(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.stopLoop = cancel
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		cancel()
	}

	restarts := p.restarts.Load()
	p.publish(EventThreadStarted, JobEvent{Restarts: restarts})
	p.log.Info("processor started", logx.Uint64("goroutine", id), logx.Uint64("restarts", restarts))

	for !p.isStopping() {
		if err := p.pump(ctx); err != nil && ctx.Err() != nil {
			break
		}
	}
	p.finalize()
	return nil
}

// Shutdown stops the processor. Queued jobs are canceled and synchronous
// callers receive ErrStopped. Unless called from the processor goroutine it
// waits for the loop to finish.
func (p *Processor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	state := p.state
	p.stopping = true
	stop := p.stopLoop
	p.mu.Unlock()
	p.wake.Set()

	if state == stateIdle {
		p.finalize()
		return nil
	}
	if p.IsOwnThread() {
		return nil
	}
	if stop != nil {
		stop()
	}
	if err := p.WaitUntilFinished(ctx); err != nil {
		p.log.Warn("processor stop timed out", logx.Err(err))
		return err
	}
	if sup := p.Supervisor(); sup != nil {
		sup.Cancel()
	}
	return nil
}

// WaitUntilFinished blocks until the processor loop has exited.
func (p *Processor) WaitUntilFinished(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the processor has stopped.
func (p *Processor) Done() <-chan struct{} { return p.done }

func (p *Processor) finalize() {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return
	}
	p.finalized = true
	p.stopping = true
	p.state = stateStopped
	queued := p.ready.drain()
	queued = append(queued, p.idle.drain()...)
	queued = append(queued, p.timed.removeIf(func(t *task) bool { return !t.internal })...)
	p.timed = newTimedQueue()
	p.mu.Unlock()

	for _, sj := range p.started {
		queued = append(queued, sj.t)
	}
	p.started = nil
	p.nStarted.Store(0)

	if n := p.cancelTasks(queued, ErrStopped); n > 0 {
		p.log.Info("processor canceled pending jobs", logx.Int("jobs", n))
	}
	p.publish(EventThreadFinished, JobEvent{Restarts: p.restarts.Load()})
	p.log.Info("processor stopped")
	p.doneOnce.Do(func() { close(p.done) })
}

// DoJobs runs one iteration of the processor loop. Reentering jobs call it
// from inside Step to keep the queue moving while they wait.
func (p *Processor) DoJobs(ctx context.Context) error {
	if !p.IsOwnThread() {
		return ErrNotOwner
	}
	if p.isStopping() {
		return ErrStopping
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return p.pump(ctx)
}

// pump waits for the next thing to do and does it: due timed jobs, ready
// jobs, a resumed job, pending messages or one idle job.
func (p *Processor) pump(ctx context.Context) error {
	p.depth++
	p.nDepth.Store(int32(p.depth))
	defer func() {
		p.depth--
		p.nDepth.Store(int32(p.depth))
	}()

	p.runDue(ctx)

	room := p.room()
	now := time.Now()
	timeout := Infinite
	p.mu.Lock()
	if due, ok := p.timed.next(room > 0); ok {
		timeout = max(due.Sub(now), 0)
	}
	if room > 0 {
		if rem, ok := p.idleWaitLocked(); ok && (timeout < 0 || rem < timeout) {
			timeout = rem
		}
	}
	pumpMsgs := p.cfg.PumpMessages && p.msgs != nil
	p.mu.Unlock()

	sigs := make([]Signal, 0, len(p.started)+2)
	wakeIdx, pumpIdx := -1, -1
	// A full table leaves the wake event out; ready jobs wait for a slot.
	if room > 0 || len(p.started) == 0 {
		wakeIdx = len(sigs)
		sigs = append(sigs, p.wake.C())
	}
	base := len(sigs)
	for _, sj := range p.started {
		sigs = append(sigs, sj.sig)
	}
	if pumpMsgs {
		pumpIdx = len(sigs)
		sigs = append(sigs, Signal(p.msgs.Messages()))
	}

	idx, res := p.waiter.WaitAny(ctx, sigs, timeout)
	switch res {
	case WaitCanceled:
		return ctx.Err()
	case WaitTimeout:
		p.runIdle(ctx)
	case WaitInvalid:
		if i := idx - base; i >= 0 && i < len(p.started) {
			sj := p.removeStarted(i)
			p.fault(sj.t, ErrInvalidSignal)
		}
	case WaitSignaled:
		switch {
		case idx == wakeIdx:
			p.drain(ctx)
		case idx == pumpIdx:
			p.msgs.Dispatch()
		default:
			if i := idx - base; i >= 0 && i < len(p.started) {
				sj := p.removeStarted(i)
				p.execute(ctx, sj.t)
			}
		}
	}
	return nil
}

// drain steps ready jobs until the queue is empty or the table of suspended
// jobs is full. Nested pumps step a single job so that the reentering caller
// can check its own condition.
func (p *Processor) drain(ctx context.Context) {
	ran := 0
	for {
		if p.room() <= 0 {
			return
		}
		p.mu.Lock()
		if p.stopping {
			p.mu.Unlock()
			return
		}
		t := p.ready.pop()
		if t == nil {
			p.wake.Reset()
			p.mu.Unlock()
			if ran > 0 && p.depth == 1 {
				p.publish(EventQueueEmptied, JobEvent{})
			}
			return
		}
		p.mu.Unlock()

		ran++
		p.execute(ctx, t)
		if p.depth > 1 {
			return
		}
	}
}

// runDue steps the timed jobs that came due.
func (p *Processor) runDue(ctx context.Context) {
	room := p.room()
	p.mu.Lock()
	due := p.timed.popDue(time.Now(), room)
	p.mu.Unlock()

	for _, e := range due {
		if !e.t.internal && (p.room() <= 0 || p.isStopping()) {
			p.mu.Lock()
			p.timed.restore(e)
			p.mu.Unlock()
			continue
		}
		p.execute(ctx, e.t)
	}
}

func (p *Processor) removeStarted(i int) startedJob {
	sj := p.started[i]
	p.started = slices.Delete(p.started, i, i+1)
	p.nStarted.Store(int32(len(p.started)))
	if sj.timeout != nil {
		p.mu.Lock()
		p.timed.remove(sj.timeout)
		p.mu.Unlock()
	}
	return sj
}

// execute steps t once and files it according to the outcome.
func (p *Processor) execute(ctx context.Context, t *task) {
	if t == nil {
		return
	}
	if !t.internal {
		release, proceed := p.enterReentrant(t)
		if !proceed {
			return
		}
		defer release()
	}

	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
		p.publishTask(EventJobStarting, t, nil)
	}

	p.executing++
	y, err := p.invoke(ctx, t)
	p.executing--
	p.executed.Add(1)

	switch {
	case err != nil:
		p.fault(t, err)
	case y.Finished():
		if s, ok := t.job.(Suspender); ok {
			s.BeforeSuspend(nil)
		}
		p.complete(t, nil, EventJobFinished)
	default:
		p.suspend(t, y)
	}
}

// invoke calls Step, turning a panic into a fault. If the goroutine is torn
// down by runtime.Goexit the job is completed with ErrAborted on the way out.
func (p *Processor) invoke(ctx context.Context, t *task) (y Yield, err error) {
	normal := false
	defer func() {
		if normal {
			return
		}
		if r := recover(); r != nil {
			y, err = Yield{}, &PanicError{Value: r, Stack: string(debug.Stack())}
			return
		}
		p.abort(t)
	}()
	y, err = t.job.Step(ctx)
	normal = true
	return y, err
}

// enterReentrant applies the duplicate guard for reentering jobs.
func (p *Processor) enterReentrant(t *task) (release func(), proceed bool) {
	inner := t.inner()
	if _, ok := inner.(Reentrant); !ok {
		return func() {}, true
	}
	key := KeyOf(inner)
	if !comparableKey(key) {
		return func() {}, true
	}
	if cur, busy := p.reentering[key]; busy && cur != t {
		if r, ok := cur.inner().(Reentrant); ok {
			r.Interrupt()
		}
		p.log.Debug("reentering job interrupted by duplicate", logx.String("job", t.name))
		p.requeue(t, Lowest)
		return nil, false
	}
	p.reentering[key] = t
	return func() {
		if p.reentering[key] == t {
			delete(p.reentering, key)
		}
	}, true
}

func (p *Processor) requeue(t *task, prio Priority) {
	p.mu.Lock()
	t.prio = prio
	ok := !p.stopping && p.pushReadyLocked(t)
	p.mu.Unlock()
	if !ok {
		p.cancelTasks([]*task{t}, ErrCanceled)
	}
}

func (p *Processor) suspend(t *task, y Yield) {
	if s, ok := t.job.(Suspender); ok {
		s.BeforeSuspend(y.sig)
	}
	sj := startedJob{t: t, sig: y.sig}
	if y.hasTimeout() {
		tj := &timeoutJob{p: p, target: t}
		tt := &task{job: tj, key: tj, name: t.name + ".timeout", internal: true}
		p.mu.Lock()
		p.seq++
		sj.timeout = p.timed.push(time.Now().Add(y.timeout), p.seq, tt)
		p.mu.Unlock()
	}
	p.started = append(p.started, sj)
	p.nStarted.Store(int32(len(p.started)))
}

// complete reports the terminal outcome of t.
func (p *Processor) complete(t *task, err error, typ string) {
	if c, ok := t.job.(Completer); ok {
		c.JobCompleted(err)
	}
	p.publishTask(typ, t, err)
	p.recordHistory(t, err)
}

func (p *Processor) fault(t *task, err error) {
	je := newJobError(t.name, err)
	p.faults.Add(1)

	if _, sync := t.job.(*runnable); sync || t.internal {
		p.log.Debug("job failed", logx.String("job", t.name), logx.Err(je))
	} else {
		p.mu.Lock()
		h := p.onFault
		throttle := p.faultLog
		p.mu.Unlock()
		if h != nil {
			h(t.inner(), je)
		}
		if ok, extra := throttle.Allow(); ok {
			fields := append([]logx.Field{logx.String("job", t.name), logx.String("priority", t.prio.String()), logx.Err(je.Err)}, extra...)
			if pe, ok := je.Err.(*PanicError); ok {
				fields = append(fields, logx.Stack(pe.Stack))
			}
			p.log.Warn("job failed", fields...)
		}
	}
	p.complete(t, je, EventJobFailed)
}

// abort completes a job whose step never returned.
func (p *Processor) abort(t *task) {
	if t.internal {
		return
	}
	p.faults.Add(1)
	p.log.Error("processor goroutine exited while running job", logx.String("job", t.name))
	p.complete(t, ErrAborted, EventJobFailed)
}

// timeoutJob fires when a suspended job waited too long.
type timeoutJob struct {
	p      *Processor
	target *task
}

func (j *timeoutJob) Step(context.Context) (Yield, error) {
	j.p.fireTimeout(j.target)
	return Finish(), nil
}

func (p *Processor) fireTimeout(t *task) {
	i := slices.IndexFunc(p.started, func(sj startedJob) bool { return sj.t == t })
	if i < 0 {
		return
	}
	p.removeStarted(i)
	if th, ok := t.job.(TimeoutHandler); ok {
		th.TimeoutFired()
	}
	p.complete(t, nil, EventJobFinished)
}
