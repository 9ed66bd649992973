package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"asyncproc/internal/task/engine"
	"asyncproc/internal/task/jobs"
	logx "asyncproc/pkg/logx"
)

// FuncJob builds a factory for a plain callback. Runs of the same schedule
// share a key, so a trigger that fires while the previous run is still
// queued is skipped.
func FuncJob(name string, fn func(ctx context.Context) error) JobFactory {
	return func() engine.Job {
		return &jobs.Func{Name: name, Key: "schedule:" + name, Fn: fn}
	}
}

// AddSchedule parses schedule (see ParseSchedule) and registers it under
// name, replacing any schedule with the same name.
func (s *Service) AddSchedule(name, schedule string, prio engine.Priority, newJob JobFactory) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	return s.register(&scheduleDef{name: name, ps: ps, prio: prio, factory: newJob})
}

func (s *Service) AddCron(name, spec string, prio engine.Priority, newJob JobFactory) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", errors.New("cron spec required")
	}
	ps := ParsedSpec{Kind: SpecCron, Cron: spec, Source: "cron"}
	return s.register(&scheduleDef{name: name, ps: ps, prio: prio, factory: newJob})
}

func (s *Service) AddInterval(name string, every time.Duration, prio engine.Priority, newJob JobFactory) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	ps := ParsedSpec{Kind: SpecInterval, Every: every, Source: "duration"}
	return s.register(&scheduleDef{name: name, ps: ps, prio: prio, factory: newJob})
}

// AddDaily runs at HH:MM every day in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, prio engine.Priority, newJob JobFactory) (string, error) {
	h, m, err := splitHHMM(atHHMM, 23)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), prio, newJob)
}

// AddWeekly runs at HH:MM on weekday in the scheduler timezone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, prio engine.Priority, newJob JobFactory) (string, error) {
	h, m, err := splitHHMM(atHHMM, 23)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), prio, newJob)
}

// AddOnce runs a single job at at. A time in the past runs as soon as the
// scheduler is started.
func (s *Service) AddOnce(name string, at time.Time, prio engine.Priority, newJob JobFactory) (string, error) {
	if at.IsZero() {
		return "", errors.New("at required")
	}
	return s.register(&scheduleDef{name: name, once: true, at: at, prio: prio, factory: newJob})
}

// Remove unschedules name. It reports whether a schedule was registered.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	_, ok := s.defs[name]
	delete(s.defs, name)
	delete(s.breakers, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cancelTriggers(func(n string) bool { return n == name })
	s.forgetWarnings(name)
	s.log.Debug("schedule removed", logx.String("name", name))
	return true
}

// Names lists the registered schedules.
func (s *Service) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

func (s *Service) register(d *scheduleDef) (string, error) {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return "", errors.New("name required")
	}
	if d.factory == nil {
		return "", errors.New("job factory required")
	}
	if d.once {
		d.spec = "@once " + d.at.Format(time.RFC3339)
	} else {
		if _, _, err := d.ps.build(s.parser, time.Now(), d.name); err != nil {
			return "", err
		}
		d.spec = d.ps.Normalized()
	}

	s.mu.Lock()
	_, replaced := s.defs[d.name]
	d.gen = s.nextGenLocked()
	s.defs[d.name] = d
	var a []armed
	if s.started {
		if x, ok := s.armLocked(d, time.Now()); ok {
			a = append(a, x)
		}
	}
	preview := s.previewNextRunsLocked(d, 4)
	s.mu.Unlock()

	// Old triggers must go before the new one is queued; they share its key.
	if replaced {
		s.cancelTriggers(func(n string) bool { return n == d.name })
	}
	s.push(a)

	fields := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec), logx.String("prio", d.prio.String())}
	if preview != "" {
		fields = append(fields, logx.String("next", preview))
	}
	s.log.Debug("schedule registered", fields...)
	return d.name, nil
}

// trigger is the timed job that fires a schedule.
type trigger struct {
	s    *Service
	name string
	gen  uint64
}

type triggerKey struct{ name string }

func (t *trigger) JobKey() any     { return triggerKey{t.name} }
func (t *trigger) JobName() string { return "schedule:" + t.name }

func (t *trigger) Step(context.Context) (engine.Yield, error) {
	t.s.fire(t)
	return engine.Finish(), nil
}

type armed struct {
	at time.Time
	t  *trigger
}

// armLocked computes the next due time of d. Call with s.mu held.
func (s *Service) armLocked(d *scheduleDef, now time.Time) (armed, bool) {
	t := &trigger{s: s, name: d.name, gen: d.gen}
	if d.once {
		d.next = d.at
		return armed{at: d.at, t: t}, true
	}
	local := now.In(s.location())
	sched, spread, err := d.ps.build(s.parser, local, d.name)
	if err != nil {
		s.log.Error("schedule arm failed", logx.String("name", d.name), logx.Err(err))
		return armed{}, false
	}
	d.sched, d.spread = sched, spread
	d.next = sched.Next(local)
	if d.next.IsZero() {
		s.log.Warn("schedule never fires", logx.String("name", d.name), logx.String("spec", d.spec))
		return armed{}, false
	}
	return armed{at: d.next, t: t}, true
}

// rearmAllLocked invalidates every queued trigger and arms each schedule again.
func (s *Service) rearmAllLocked(now time.Time) []armed {
	out := make([]armed, 0, len(s.defs))
	for _, d := range s.defs {
		d.gen = s.nextGenLocked()
		if a, ok := s.armLocked(d, now); ok {
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) push(list []armed) {
	for _, a := range list {
		if !s.p.EnqueueAt(a.at, a.t) {
			s.reportEnqueueError(a.t.name, engine.ErrStopping)
		}
	}
}

func (s *Service) cancelTriggers(match func(name string) bool) int {
	return s.p.CancelTimed(func(j engine.Job) bool {
		t, ok := j.(*trigger)
		return ok && t.s == s && match(t.name)
	})
}

// fire runs on the processor goroutine when a trigger comes due.
func (s *Service) fire(t *trigger) {
	now := time.Now()
	s.mu.Lock()
	d, ok := s.defs[t.name]
	if !ok || d.gen != t.gen || !s.started {
		s.mu.Unlock()
		return
	}
	d.prev = now
	var next time.Time
	if d.once {
		delete(s.defs, d.name)
	} else {
		next = d.sched.Next(now.In(s.location()))
		d.next = next
	}
	if open, until := s.breakerOpenLocked(d.name, now); open {
		d.suppressed++
		s.mu.Unlock()
		s.log.Debug("schedule paused; fire skipped", logx.String("name", t.name), logx.Time("until", until))
		if !next.IsZero() && !s.p.EnqueueAt(next, t) {
			s.reportEnqueueError(t.name, engine.ErrStopping)
		}
		return
	}
	job, prio := d.factory(), d.prio
	s.mu.Unlock()

	if _, reentrant := job.(engine.Reentrant); job != nil && !reentrant {
		name := t.name
		job = &observed{job: job, done: func(err error) { s.recordResult(name, err) }}
	}
	err := s.enqueue(job, prio)

	s.mu.Lock()
	switch {
	case err == nil:
		d.runs++
	case errors.Is(err, ErrOverlapSkip):
		d.skipped++
	}
	s.mu.Unlock()
	s.reportEnqueueError(t.name, err)

	if !next.IsZero() && !s.p.EnqueueAt(next, t) {
		s.reportEnqueueError(t.name, engine.ErrStopping)
	}
}

func (s *Service) enqueue(job engine.Job, prio engine.Priority) error {
	if job == nil {
		return errors.New("job factory returned nil")
	}
	if s.p.Enqueue(job, prio) {
		return nil
	}
	if s.p.Snapshot().Stopping {
		return engine.ErrStopping
	}
	return ErrOverlapSkip
}

// previewNextRunsLocked lists the upcoming run times of d for debug logs.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 || d.next.IsZero() {
		return ""
	}
	loc := s.location()
	out := []string{d.next.In(loc).Format(time.RFC3339)}
	if d.sched != nil {
		t := d.next
		for len(out) < n {
			t = d.sched.Next(t)
			if t.IsZero() {
				break
			}
			out = append(out, t.In(loc).Format(time.RFC3339))
		}
	}
	return strings.Join(out, ", ")
}
