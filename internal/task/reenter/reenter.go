// Package reenter provides jobs that drive their processor's loop from inside
// Step to sequence or fan out sub-jobs without extra goroutines.
//
// A reentering job must be stepped on the processor goroutine; run it with
// Enqueue or from another job, not with RunJob before the processor started.
package reenter

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"asyncproc/internal/task/engine"
)

// Source yields sub-jobs until it returns nil.
type Source interface {
	Next() engine.Job
}

type SourceFunc func() engine.Job

func (f SourceFunc) Next() engine.Job { return f() }

// Jobs returns a Source over a fixed list.
func Jobs(jobs ...engine.Job) Source {
	i := 0
	return SourceFunc(func() engine.Job {
		if i >= len(jobs) {
			return nil
		}
		j := jobs[i]
		i++
		return j
	})
}

// Options configures Sequence and Group.
type Options struct {
	// Priority sub-jobs are queued at.
	Priority engine.Priority

	// Key identifies the job for merging and the duplicate guard. Nil keys
	// the job by its pointer.
	Key any

	Name string

	OnStart func()
	// OnFinish runs when the source is exhausted and every sub-job
	// completed, with the joined sub-job errors. It does not run when the
	// job was interrupted.
	OnFinish func(err error)
}

// driver is the loop shared by Sequence and Group.
type driver struct {
	p     *engine.Processor
	src   Source
	width int
	opts  Options

	started     bool
	interrupted atomic.Bool
	errs        []error

	done     chan struct{}
	doneOnce sync.Once
}

func (d *driver) init(p *engine.Processor, src Source, width int, o Options) {
	if width < 1 {
		width = 1
	}
	d.p, d.src, d.width, d.opts = p, src, width, o
	d.done = make(chan struct{})
}

func (d *driver) JobKey() any { return d.opts.Key }

func (d *driver) JobName() string {
	if d.opts.Name != "" {
		return d.opts.Name
	}
	if d.width == 1 {
		return "reenter.sequence"
	}
	return "reenter.group"
}

// Interrupt makes the job stop pulling sub-jobs and return at its next
// check. Sub-jobs already queued keep running.
func (d *driver) Interrupt() { d.interrupted.Store(true) }

// Stop interrupts the job from any goroutine.
func (d *driver) Stop() {
	d.Interrupt()
	wake(d.p)
}

func (d *driver) Interrupted() bool { return d.interrupted.Load() }

// Done is closed once the processor is done with the job, whatever the outcome.
func (d *driver) Done() <-chan struct{} { return d.done }

func (d *driver) JobCompleted(error) { d.doneOnce.Do(func() { close(d.done) }) }

func (d *driver) Step(ctx context.Context) (engine.Yield, error) {
	if !d.started {
		d.started = true
		if d.opts.OnStart != nil {
			d.opts.OnStart()
		}
	}

	var inflight []*tracked
	exhausted := false
	for {
		inflight = slices.DeleteFunc(inflight, func(t *tracked) bool {
			if !t.finished() {
				return false
			}
			if err := t.result(); err != nil {
				d.errs = append(d.errs, err)
			}
			return true
		})
		if d.interrupted.Load() {
			return engine.Finish(), nil
		}
		for !exhausted && len(inflight) < d.width {
			j := d.src.Next()
			if j == nil {
				exhausted = true
				break
			}
			t := newTracked(d.p, j)
			// An equal job is already queued; it runs on its own.
			if !d.p.Enqueue(t, d.opts.Priority) {
				continue
			}
			inflight = append(inflight, t)
		}
		if len(inflight) == 0 {
			if d.opts.OnFinish != nil {
				d.opts.OnFinish(errors.Join(d.errs...))
			}
			return engine.Finish(), nil
		}

		if err := d.p.DoJobs(ctx); err != nil {
			if errors.Is(err, engine.ErrStopping) || ctx.Err() != nil {
				return engine.Finish(), nil
			}
			return engine.Finish(), err
		}
	}
}

// Sequence runs the sub-jobs of a Source one after another.
type Sequence struct{ driver }

func NewSequence(p *engine.Processor, src Source, o Options) *Sequence {
	s := &Sequence{}
	s.init(p, src, 1, o)
	return s
}

// Group keeps up to n sub-jobs of a Source in flight, refilling a slot as
// soon as its sub-job completes.
type Group struct{ driver }

func NewGroup(p *engine.Processor, src Source, n int, o Options) *Group {
	g := &Group{}
	g.init(p, src, n, o)
	return g
}
