package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"asyncproc/internal/eventbus"
	rtsup "asyncproc/internal/runtime/supervisor"
	logx "asyncproc/pkg/logx"
)

type procState int

const (
	stateIdle procState = iota
	stateRunning
	stateStopped
)

// Processor runs jobs cooperatively on a single goroutine.
//
// Any goroutine may enqueue work or cancel it. Stepping, suspension and
// resumption happen on the processor goroutine only.
type Processor struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	registry *Registry
	waiter   Waiter
	clock    IdleClock
	msgs     MessagePump
	onFault  FaultHandler
	faultLog *logx.Throttle

	wake      *event
	ready     readyQueue
	idle      readyQueue
	timed     timedQueue
	seq       uint64
	runs      map[any]*runnable
	state     procState
	stopping  bool
	sup       *rtsup.Supervisor
	stopLoop  context.CancelFunc
	finalized bool
	done      chan struct{}
	doneOnce  sync.Once

	// Loop goroutine only.
	started    []startedJob
	depth      int
	executing  int
	syncCalls  int
	reentering map[any]*task

	owner    atomic.Uint64
	nStarted atomic.Int32
	nDepth   atomic.Int32
	executed atomic.Uint64
	faults   atomic.Uint64
	restarts atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// startedJob is a suspended job waiting on its signal.
type startedJob struct {
	t       *task
	sig     Signal
	timeout *timedEntry
}

// New builds a processor. It does not start its goroutine; see StartThread
// and RunOnCallingThread.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Processor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.waiter == nil {
		o.waiter = SelectWaiter{}
	}
	if o.clock == nil {
		o.clock = NewActivityClock()
	}

	p := &Processor{
		cfg:        cfg,
		log:        log.With(logx.String("comp", "processor"), logx.String("name", cfg.Name)),
		bus:        bus,
		registry:   o.registry,
		waiter:     o.waiter,
		clock:      o.clock,
		msgs:       o.pump,
		onFault:    o.onFault,
		faultLog:   logx.NewThrottle(cfg.FaultLogPerSec),
		wake:       newEvent(),
		ready:      newReadyQueue(),
		idle:       newReadyQueue(),
		timed:      newTimedQueue(),
		runs:       make(map[any]*runnable),
		done:       make(chan struct{}),
		reentering: make(map[any]*task),
	}
	return p, nil
}

func (p *Processor) name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Name
}

// Registry returns the registry the processor registers its goroutine in.
func (p *Processor) Registry() *Registry { return p.registry }

// Apply hot-applies cfg. MaxWaitHandles and PumpMessages take effect on the
// next loop iteration, LockOSThread on the next start.
func (p *Processor) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	if prev.FaultLogPerSec != cfg.FaultLogPerSec {
		p.faultLog = logx.NewThrottle(cfg.FaultLogPerSec)
	}
	p.mu.Unlock()
	p.wake.Set()
	return nil
}

func (p *Processor) SetIdlePeriod(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIdlePeriod, d)
	}
	p.mu.Lock()
	p.cfg.IdlePeriod = d
	p.mu.Unlock()
	p.wake.Set()
	return nil
}

func (p *Processor) SetFaultHandler(h FaultHandler) {
	p.mu.Lock()
	p.onFault = h
	p.mu.Unlock()
}

// Enqueue queues job at prio. It returns false when an equal job (same
// KeyOf) is already queued or the processor is stopping.
func (p *Processor) Enqueue(job Job, prio Priority) bool {
	return p.enqueue(job, KeyOf(job), prio, false)
}

// EnqueueInstance is Enqueue keyed by the job value itself.
func (p *Processor) EnqueueInstance(job Job, prio Priority) bool {
	return p.enqueue(job, instanceKey{job}, prio, false)
}

// EnqueueIdle queues job to run once the processor has been idle for the
// idle period.
func (p *Processor) EnqueueIdle(job Job, prio Priority) bool {
	return p.enqueue(job, KeyOf(job), prio, true)
}

func (p *Processor) enqueue(job Job, key any, prio Priority, idle bool) bool {
	if job == nil {
		return false
	}
	if !comparableKey(key) {
		p.log.Warn("job rejected", logx.String("job", NameOf(job)), logx.Err(ErrUncomparableKey))
		return false
	}
	t := &task{job: job, key: key, name: NameOf(job), prio: prio, enqueuedAt: time.Now()}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return false
	}
	var ok, filling bool
	if idle {
		ok = p.pushIdleLocked(t)
	} else {
		filling = p.ready.len() == 0
		ok = p.pushReadyLocked(t)
	}
	// Once unlocked the loop may pop t and start writing to it.
	ev := taskEvent(t, nil)
	p.mu.Unlock()
	if !ok {
		return false
	}
	if !idle {
		if tc, isToucher := p.clock.(toucher); isToucher {
			tc.Touch()
		}
	}
	p.publish(EventJobEnqueued, ev)
	if filling {
		p.publish(EventQueueFilling, JobEvent{})
	}
	return true
}

func (p *Processor) pushReadyLocked(t *task) bool {
	p.seq++
	t.seq = p.seq
	if !p.ready.push(t) {
		return false
	}
	p.wake.Set()
	return true
}

func (p *Processor) pushIdleLocked(t *task) bool {
	p.seq++
	t.seq = p.seq
	if !p.idle.push(t) {
		return false
	}
	// Recompute the loop timeout.
	p.wake.Set()
	return true
}

// EnqueueAt schedules job to be stepped at when. Entries with equal keys
// coalesce: only the last one to come due runs the job.
func (p *Processor) EnqueueAt(when time.Time, job Job) bool {
	if job == nil {
		return false
	}
	key := KeyOf(job)
	if !comparableKey(key) {
		p.log.Warn("timed job rejected", logx.String("job", NameOf(job)), logx.Err(ErrUncomparableKey))
		return false
	}
	t := &task{job: job, key: key, name: NameOf(job), prio: Normal, enqueuedAt: when}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return false
	}
	p.seq++
	p.timed.push(when, p.seq, t)
	p.wake.Set()
	p.mu.Unlock()
	return true
}

func (p *Processor) EnqueueAfter(d time.Duration, job Job) bool {
	return p.EnqueueAt(time.Now().Add(d), job)
}

// IsOwnThread reports whether the caller runs on the processor goroutine.
func (p *Processor) IsOwnThread() bool {
	id := p.owner.Load()
	return id != 0 && id == GoroutineID()
}

func (p *Processor) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// ceiling is how many suspended jobs the wait set can hold.
func (p *Processor) ceiling() int {
	p.mu.Lock()
	n := p.cfg.MaxWaitHandles - 1
	if p.cfg.PumpMessages && p.msgs != nil {
		n--
	}
	p.mu.Unlock()
	return n
}

// room is how many more jobs may suspend. One slot is held back for every
// step in progress on the stack, since each of them may still suspend.
// An empty table always takes one job: nested pumps would otherwise never
// step anything once the stack is as deep as the ceiling.
func (p *Processor) room() int {
	n := p.ceiling() - len(p.started) - p.executing
	if n <= 0 && len(p.started) == 0 {
		return 1
	}
	return n
}

func (p *Processor) recordHistory(t *task, err error) {
	if t.internal {
		return
	}
	item := HistoryItem{Name: t.name, Priority: t.prio.String(), Started: t.startedAt}
	if !t.startedAt.IsZero() {
		item.Duration = time.Since(t.startedAt)
		if !t.enqueuedAt.IsZero() {
			item.QueueDelay = t.startedAt.Sub(t.enqueuedAt)
		}
	}
	if err != nil {
		item.Error = err.Error()
	}

	p.mu.Lock()
	size := p.cfg.HistorySize
	p.mu.Unlock()

	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}

func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		Name:           p.cfg.Name,
		Running:        p.state == stateRunning,
		Stopping:       p.stopping,
		Ready:          p.ready.len(),
		Idle:           p.idle.len(),
		Timed:          p.timed.len(),
		Runs:           len(p.runs),
		IdlePeriod:     p.cfg.IdlePeriod,
		MaxWaitHandles: p.cfg.MaxWaitHandles,
	}
	p.mu.Unlock()

	s.Started = int(p.nStarted.Load())
	s.Depth = int(p.nDepth.Load())
	s.Executed = p.executed.Load()
	s.Faults = p.faults.Load()
	s.Restarts = p.restarts.Load()

	p.hmu.Lock()
	s.History = make([]HistoryItem, len(p.history))
	copy(s.History, p.history)
	p.hmu.Unlock()
	return s
}

// Supervisor returns the supervisor hosting the processor goroutine (nil if
// it was never started with StartThread).
func (p *Processor) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}
