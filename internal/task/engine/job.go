package engine

import (
	"context"
	"fmt"
	"time"
)

// Signal is a completion signal a suspended job waits on. It fires when it is
// closed or a value is sent on it. A nil Signal is invalid.
type Signal <-chan struct{}

// Infinite disables the timeout of an awaited signal.
const Infinite time.Duration = -1

// Job is a unit of work stepped by a Processor.
//
// Step runs until the job either finishes or needs to wait on an external
// signal; in the latter case it returns Await and is stepped again once the
// signal fires. Step is always called on the processor goroutine.
type Job interface {
	Step(ctx context.Context) (Yield, error)
}

// Yield is the outcome of a single Step.
type Yield struct {
	sig     Signal
	timeout time.Duration
	await   bool
}

// Finish reports that the job is done.
func Finish() Yield { return Yield{} }

// Await suspends the job until sig fires.
func Await(sig Signal) Yield { return Yield{sig: sig, timeout: Infinite, await: true} }

// AwaitTimeout suspends the job until sig fires or d elapses, whichever comes
// first. A negative d means no timeout.
func AwaitTimeout(sig Signal, d time.Duration) Yield {
	if d < 0 {
		d = Infinite
	}
	return Yield{sig: sig, timeout: d, await: true}
}

func (y Yield) Finished() bool         { return !y.await }
func (y Yield) Signal() Signal         { return y.sig }
func (y Yield) Timeout() time.Duration { return y.timeout }
func (y Yield) hasTimeout() bool       { return y.await && y.timeout >= 0 }
func (y Yield) String() string {
	if !y.await {
		return "finish"
	}
	if y.timeout < 0 {
		return "await"
	}
	return fmt.Sprintf("await(%s)", y.timeout)
}

// Optional job capabilities, discovered by type assertion.
type (
	// Keyer gives a job a value identity used for merging duplicates.
	// Without it the job value itself is the key.
	Keyer interface{ JobKey() any }

	// Suspender is told about each signal the job is about to wait on,
	// and receives nil when the job finishes.
	Suspender interface{ BeforeSuspend(sig Signal) }

	// TimeoutHandler is invoked when an awaited signal timed out. The job is
	// dropped afterwards.
	TimeoutHandler interface{ TimeoutFired() }

	// Cancelable is invoked when a queued job is removed without running.
	Cancelable interface{ Cancel() }

	// Namer names a job in logs and events.
	Namer interface{ JobName() string }

	// Reentrant jobs pump the processor from inside Step. When an equal
	// reentrant job is requested while one is running, the running one is
	// interrupted and the request is queued again at Lowest.
	Reentrant interface{ Interrupt() }

	// Completer observes the terminal outcome of a job: nil on finish or
	// timeout, the fault, ErrCanceled, ErrStopped or ErrAborted.
	Completer interface{ JobCompleted(err error) }
)

// KeyOf returns the merge key of j.
func KeyOf(j Job) any {
	if k, ok := j.(Keyer); ok {
		if key := k.JobKey(); key != nil {
			return key
		}
	}
	return j
}

// NameOf returns a human readable name for j.
func NameOf(j Job) string {
	if j == nil {
		return "<nil>"
	}
	if n, ok := j.(Namer); ok {
		if name := n.JobName(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", j)
}

// instanceKey keys a job by its own value, ignoring Keyer.
type instanceKey struct{ j Job }

// comparableKey reports whether k can be used as a map key.
func comparableKey(k any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = k == k
	return true
}

// unwrapJob returns the job a wrapper was built around.
func unwrapJob(j Job) Job {
	for {
		w, ok := j.(interface{ Unwrap() Job })
		if !ok {
			return j
		}
		inner := w.Unwrap()
		if inner == nil {
			return j
		}
		j = inner
	}
}

// task is the processor-side bookkeeping of a job.
type task struct {
	job  Job
	key  any
	name string
	prio Priority
	seq  uint64

	// internal tasks (paired timeouts) emit no events and are never canceled.
	internal bool

	enqueuedAt time.Time
	startedAt  time.Time
}

func (t *task) inner() Job { return unwrapJob(t.job) }
