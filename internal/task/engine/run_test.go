package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gateJob suspends on gate once, then finishes with err.
type gateJob struct {
	key    string
	gate   chan struct{}
	err    error
	steps  atomic.Int32
	result chan error
}

func newGate(key string) *gateJob {
	return &gateJob{key: key, gate: make(chan struct{}), result: make(chan error, 1)}
}

func (j *gateJob) JobKey() any     { return j.key }
func (j *gateJob) JobName() string { return j.key }

func (j *gateJob) Step(context.Context) (Yield, error) {
	if j.steps.Add(1) == 1 {
		return Await(j.gate), nil
	}
	return Finish(), j.err
}

func (j *gateJob) JobCompleted(err error) {
	select {
	case j.result <- err:
	default:
	}
}

// blockJob holds the processor goroutine inside Step until released.
type blockJob struct {
	entered chan struct{}
	release chan struct{}
}

func newBlock() *blockJob {
	return &blockJob{entered: make(chan struct{}), release: make(chan struct{})}
}

func (j *blockJob) Step(context.Context) (Yield, error) {
	close(j.entered)
	<-j.release
	return Finish(), nil
}

func runRefs(p *Processor, key any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.runs[key]; r != nil {
		return r.refs
	}
	return 0
}

func TestRunJobJoinsInFlightRun(t *testing.T) {
	t.Parallel()

	faults := make(chan *JobError, 1)
	p := newTestProcessor(t, DefaultConfig(), WithFaultHandler(func(_ Job, err *JobError) { faults <- err }))
	startProcessor(t, p)

	first := newGate("sync")
	second := newGate("sync")
	errs := make(chan error, 2)
	go func() { errs <- p.RunJob(context.Background(), first, true) }()
	eventually(t, "first run queued", func() bool { return runRefs(p, "sync") == 1 })
	go func() { errs <- p.RunJob(context.Background(), second, true) }()
	eventually(t, "second caller joined", func() bool { return runRefs(p, "sync") == 2 })

	if err := p.RunUniqueJob(context.Background(), newGate("sync")); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("RunUniqueJob err=%v want ErrJobRunning", err)
	}

	eventually(t, "suspension", func() bool { return first.steps.Load() == 1 })
	close(first.gate)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("caller %d: %v", i, err)
			}
		case <-time.After(testWait):
			t.Fatalf("caller %d never returned", i)
		}
	}
	if first.steps.Load() != 2 || second.steps.Load() != 0 {
		t.Fatalf("steps first=%d second=%d", first.steps.Load(), second.steps.Load())
	}
	if n := p.Snapshot().Runs; n != 0 {
		t.Fatalf("runs table holds %d entries after completion", n)
	}
	select {
	case je := <-faults:
		t.Fatalf("fault handler called for a waited job: %v", je)
	default:
	}
}

func TestRunJobFaultIsSharedByCallers(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig())
	startProcessor(t, p)

	cause := errors.New("upstream unavailable")
	j := newGate("failing")
	j.err = cause

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.RunJob(context.Background(), j, true)
		}(i)
	}
	eventually(t, "both callers joined", func() bool { return runRefs(p, "failing") == 2 })
	close(j.gate)
	wg.Wait()

	for i, err := range errs {
		var je *JobError
		if !errors.As(err, &je) || !errors.Is(err, cause) || je.Name != "failing" {
			t.Fatalf("caller %d err=%v", i, err)
		}
	}
	if p.Snapshot().Faults != 1 {
		t.Fatalf("faults=%d want 1", p.Snapshot().Faults)
	}
}

func TestCallMergesResult(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig())
	startProcessor(t, p)

	blocker := newBlock()
	p.Enqueue(blocker, Immediate)
	waitClosed(t, blocker.entered, "blocker")

	var firstCalls, secondCalls atomic.Int32
	type res struct {
		v   int
		err error
	}
	out := make(chan res, 2)
	go func() {
		v, err := Call(context.Background(), p, "sum", func(context.Context) (int, error) {
			firstCalls.Add(1)
			return 42, nil
		})
		out <- res{v, err}
	}()
	eventually(t, "first call queued", func() bool { return runRefs(p, "sum") == 1 })
	go func() {
		v, err := Call(context.Background(), p, "sum", func(context.Context) (int, error) {
			secondCalls.Add(1)
			return 7, nil
		})
		out <- res{v, err}
	}()
	eventually(t, "second call joined", func() bool { return runRefs(p, "sum") == 2 })

	close(blocker.release)
	for i := 0; i < 2; i++ {
		select {
		case r := <-out:
			if r.err != nil || r.v != 42 {
				t.Fatalf("call returned %d, %v", r.v, r.err)
			}
		case <-time.After(testWait):
			t.Fatalf("call never returned")
		}
	}
	if firstCalls.Load() != 1 || secondCalls.Load() != 0 {
		t.Fatalf("first=%d second=%d", firstCalls.Load(), secondCalls.Load())
	}
}

func TestCallRejectsForeignResultType(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig())
	startProcessor(t, p)

	blocker := newBlock()
	p.Enqueue(blocker, Immediate)
	waitClosed(t, blocker.entered, "blocker")

	runErr := make(chan error, 1)
	go func() { runErr <- p.RunJob(context.Background(), newGate("shared"), true) }()
	eventually(t, "run queued", func() bool { return runRefs(p, "shared") == 1 })

	callErr := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), p, "shared", func(context.Context) (int, error) { return 1, nil })
		callErr <- err
	}()
	eventually(t, "call joined", func() bool { return runRefs(p, "shared") == 2 })
	close(blocker.release)

	p.mu.Lock()
	g := p.runs["shared"].job.(*gateJob)
	p.mu.Unlock()
	eventually(t, "suspension", func() bool { return g.steps.Load() == 1 })
	close(g.gate)

	if err := <-callErr; !errors.Is(err, ErrResultType) {
		t.Fatalf("Call err=%v want ErrResultType", err)
	}
	if err := <-runErr; err != nil {
		t.Fatalf("RunJob err=%v", err)
	}
}

// gidJob records the goroutine it was stepped on.
type gidJob struct {
	gid  atomic.Uint64
	wait Signal
}

func (j *gidJob) Step(context.Context) (Yield, error) {
	if j.gid.Load() == 0 {
		j.gid.Store(GoroutineID())
		if j.wait != nil {
			return Await(j.wait), nil
		}
	}
	return Finish(), nil
}

func TestRunJobInlineBeforeStart(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig())
	ready := make(chan struct{})
	close(ready)
	j := &gidJob{wait: ready}
	if err := p.RunJob(context.Background(), j, true); err != nil {
		t.Fatalf("inline run: %v", err)
	}
	if j.gid.Load() != GoroutineID() {
		t.Fatalf("job ran on goroutine %d, caller is %d", j.gid.Load(), GoroutineID())
	}
	if p.Snapshot().Ready != 0 {
		t.Fatalf("inline run must not queue the job")
	}
}

// nestedJob runs inner synchronously from inside its own step.
type nestedJob struct {
	p     *Processor
	inner *gidJob
	err   chan error
}

func (j *nestedJob) Step(ctx context.Context) (Yield, error) {
	j.err <- j.p.RunJob(ctx, j.inner, false)
	return Finish(), nil
}

func TestRunJobOnOwnGoroutineRunsInline(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig())
	startProcessor(t, p)

	j := &nestedJob{p: p, inner: &gidJob{}, err: make(chan error, 1)}
	p.Enqueue(j, Normal)
	select {
	case err := <-j.err:
		if err != nil {
			t.Fatalf("nested run: %v", err)
		}
	case <-time.After(testWait):
		t.Fatalf("nested run never returned")
	}
	if j.inner.gid.Load() != p.owner.Load() {
		t.Fatalf("inner job ran off the processor goroutine")
	}
}

func TestRunJobCanceledWhileQueued(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig())
	startProcessor(t, p)

	blocker := newBlock()
	p.Enqueue(blocker, Immediate)
	waitClosed(t, blocker.entered, "blocker")

	j := newGate("queued")
	errs := make(chan error, 1)
	go func() { errs <- p.RunJob(context.Background(), j, true) }()
	eventually(t, "run queued", func() bool { return p.Snapshot().Ready == 1 })

	if n := p.CancelAll(); n != 1 {
		t.Fatalf("CancelAll=%d want 1", n)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("err=%v want ErrCanceled", err)
		}
	case <-time.After(testWait):
		t.Fatalf("waiter not released")
	}
	if got := <-j.result; !errors.Is(got, ErrCanceled) {
		t.Fatalf("JobCompleted(%v)", got)
	}
	close(blocker.release)
	if j.steps.Load() != 0 {
		t.Fatalf("canceled job was stepped")
	}
}

func TestRunJobContextCancel(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t, DefaultConfig())
	startProcessor(t, p)

	j := newGate("slow")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.RunJob(ctx, j, true); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	close(j.gate)
	select {
	case err := <-j.result:
		if err != nil {
			t.Fatalf("abandoned run failed: %v", err)
		}
	case <-time.After(testWait):
		t.Fatalf("abandoned run never finished")
	}
}

// callOtherJob calls into another processor synchronously.
type callOtherJob struct {
	other *Processor
	job   Job
	err   chan error
}

func (j *callOtherJob) Step(ctx context.Context) (Yield, error) {
	j.err <- j.other.RunJob(ctx, j.job, true)
	return Finish(), nil
}

func TestCrossProcessorCallKeepsCallerPumping(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	cfg := DefaultConfig()
	cfg.Name = "ui"
	ui := newTestProcessor(t, cfg, WithRegistry(reg))
	cfg.Name = "worker"
	worker := newTestProcessor(t, cfg, WithRegistry(reg))
	startProcessor(t, ui)
	startProcessor(t, worker)

	remote := newGate("remote")
	caller := &callOtherJob{other: worker, job: remote, err: make(chan error, 1)}
	ui.Enqueue(caller, Normal)
	eventually(t, "remote suspension", func() bool { return remote.steps.Load() == 1 })

	// The caller is blocked in RunJob; its processor must keep running jobs.
	local := newNote("local", nil)
	ui.Enqueue(local, Normal)
	waitClosed(t, local.done, "local job during synchronous wait")
	eventually(t, "nested pumping", func() bool { return ui.Snapshot().Depth >= 2 })

	close(remote.gate)
	select {
	case err := <-caller.err:
		if err != nil {
			t.Fatalf("remote run: %v", err)
		}
	case <-time.After(testWait):
		t.Fatalf("synchronous call never returned")
	}
}

func TestCrossProcessorCallWithoutReentrancyBlocks(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	cfg := DefaultConfig()
	cfg.Name = "strict"
	cfg.AllowReentrancy = false
	strict := newTestProcessor(t, cfg, WithRegistry(reg))
	cfg = DefaultConfig()
	cfg.Name = "worker"
	worker := newTestProcessor(t, cfg, WithRegistry(reg))
	startProcessor(t, strict)
	startProcessor(t, worker)

	remote := newGate("remote")
	caller := &callOtherJob{other: worker, job: remote, err: make(chan error, 1)}
	strict.Enqueue(caller, Normal)
	eventually(t, "remote suspension", func() bool { return remote.steps.Load() == 1 })

	local := newNote("local", nil)
	strict.Enqueue(local, Normal)
	select {
	case <-local.done:
		t.Fatalf("processor without reentrancy ran a job while blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(remote.gate)
	if err := <-caller.err; err != nil {
		t.Fatalf("remote run: %v", err)
	}
	waitClosed(t, local.done, "local job after the call")
}
