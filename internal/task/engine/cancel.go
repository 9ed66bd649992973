package engine

import (
	"runtime/debug"

	logx "asyncproc/pkg/logx"
)

// CancelMatching removes every queued job for which pred returns true from
// the ready, idle and timed queues. Cancelable jobs are told once per call,
// synchronous callers get ErrCanceled. It returns the number of removed
// entries. Running and suspended jobs are not affected.
func (p *Processor) CancelMatching(pred func(Job) bool) int {
	if pred == nil {
		return 0
	}
	match := func(t *task) bool { return !t.internal && pred(t.inner()) }

	p.mu.Lock()
	removed := p.ready.removeIf(match)
	removed = append(removed, p.idle.removeIf(match)...)
	removed = append(removed, p.timed.removeIf(match)...)
	p.mu.Unlock()

	p.cancelTasks(removed, ErrCanceled)
	return len(removed)
}

// CancelAll cancels every queued job.
func (p *Processor) CancelAll() int {
	return p.CancelMatching(func(Job) bool { return true })
}

// CancelTimed cancels matching timed entries only.
func (p *Processor) CancelTimed(pred func(Job) bool) int {
	if pred == nil {
		return 0
	}
	p.mu.Lock()
	removed := p.timed.removeIf(func(t *task) bool { return !t.internal && pred(t.inner()) })
	p.mu.Unlock()

	p.cancelTasks(removed, ErrCanceled)
	return len(removed)
}

// cancelTasks runs cancellation hooks outside the processor lock and returns
// the number of distinct jobs canceled.
func (p *Processor) cancelTasks(ts []*task, reason error) int {
	if len(ts) == 0 {
		return 0
	}
	seen := make(map[any]struct{}, len(ts))
	n := 0
	for _, t := range ts {
		id := any(t.job)
		if !comparableKey(id) {
			id = t.key
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		n++
		if c, ok := t.job.(Cancelable); ok {
			p.callCancel(t, c)
		}
		p.complete(t, reason, EventJobCancelled)
	}
	return n
}

func (p *Processor) callCancel(t *task, c Cancelable) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("cancel hook panicked", logx.String("job", t.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	c.Cancel()
}
