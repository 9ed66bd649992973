package engine

import (
	"sync"
	"time"

	"asyncproc/internal/eventbus"
)

// Event types published on the bus.
const (
	EventThreadStarted  = "processor.thread_started"
	EventThreadFinished = "processor.thread_finished"
	EventJobEnqueued    = "job.enqueued"
	EventJobStarting    = "job.starting"
	EventJobFinished    = "job.finished"
	EventJobFailed      = "job.failed"
	EventJobCancelled   = "job.cancelled"
	EventQueueFilling   = "queue.filling"
	EventQueueEmptied   = "queue.emptied"
)

// JobEvent is the payload of job and queue events.
type JobEvent struct {
	Processor  string        `json:"processor"`
	Name       string        `json:"name,omitempty"`
	Priority   string        `json:"priority,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
	Restarts   uint64        `json:"restarts,omitempty"`
}

func (p *Processor) publish(typ string, ev JobEvent) {
	if p.bus == nil {
		return
	}
	ev.Processor = p.name()
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (p *Processor) publishTask(typ string, t *task, err error) {
	if t.internal {
		return
	}
	p.publish(typ, taskEvent(t, err))
}

// taskEvent copies the fields of t into an event payload. A goroutine other
// than the loop may only call it while holding p.mu in the same critical
// section that queued t.
func taskEvent(t *task, err error) JobEvent {
	ev := JobEvent{Name: t.name, Priority: t.prio.String()}
	if !t.startedAt.IsZero() {
		ev.Duration = time.Since(t.startedAt)
		if !t.enqueuedAt.IsZero() {
			ev.QueueDelay = t.startedAt.Sub(t.enqueuedAt)
		}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// event is a manual-reset event: once set, C stays ready until Reset.
type event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newEvent() *event { return &event{ch: make(chan struct{})} }

func (e *event) Set() {
	e.mu.Lock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
	e.mu.Unlock()
}

func (e *event) Reset() {
	e.mu.Lock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
	e.mu.Unlock()
}

func (e *event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

func (e *event) C() Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}
