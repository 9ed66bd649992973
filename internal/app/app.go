package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"asyncproc/internal/config"
	"asyncproc/internal/eventbus"
	"asyncproc/internal/observability/debugsrv"
	rtsup "asyncproc/internal/runtime/supervisor"
	"asyncproc/internal/storage"
	"asyncproc/internal/task/engine"
	"asyncproc/internal/task/jobs"
	"asyncproc/internal/task/scheduler"
	logx "asyncproc/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	proc    *engine.Processor
	pump    *engine.ChanPump
	pumping atomic.Bool
	sched   *scheduler.Service
	sd      *sdNotifier
	units   *unitConn
	debug   *debugsrv.Service

	mu         sync.Mutex
	configured map[string]struct{}
	watchdog   *watchdogJob
	recStop    func()
	recDone    chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg.Logging))
	cfgm.SetLogger(root)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	pcfg, err := mapProcessorConfig(cfg)
	if err != nil {
		return nil, err
	}
	pump := engine.NewChanPump()
	proc, err := engine.New(pcfg, root, bus, engine.WithMessagePump(pump))
	if err != nil {
		return nil, err
	}
	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scfg, proc, root)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		proc:       proc,
		pump:       pump,
		sched:      sched,
		sd:         newSDNotifier(cfg.Systemd.Notify, root.With(logx.String("comp", "systemd"))),
		units:      newUnitConn(),
		configured: map[string]struct{}{},
	}
	a.pumping.Store(pcfg.PumpMessages)
	a.debug = debugsrv.New(debugsrv.Config{}, a.Snapshot, root)
	return a, nil
}

func (a *App) Processor() *engine.Processor   { return a.proc }
func (a *App) Scheduler() *scheduler.Service  { return a.sched }
func (a *App) Store() storage.Store           { return a.store }
func (a *App) Config() *config.Config         { return a.cfgm.Get() }
func (a *App) Bus() *eventbus.MemBus          { return a.bus }
func (a *App) ConfigManager() *config.Manager { return a.cfgm }

// Post runs fn on the processor goroutine. With processor.pump_messages on
// it goes through the message pump and also runs while a job waits inside a
// nested pump; otherwise it is queued as an Immediate job.
func (a *App) Post(fn func()) bool {
	if a.pumping.Load() {
		a.pump.Post(fn)
		return true
	}
	return a.proc.Enqueue(jobs.NewFunc("post", func(context.Context) error {
		fn()
		return nil
	}), engine.Immediate)
}

// Snapshot is the value served on the debug listener's /snapshot.
type Snapshot struct {
	Time       time.Time                `json:"time"`
	Scheduler  scheduler.Snapshot       `json:"scheduler"`
	Supervisor rtsup.SupervisorSnapshot `json:"supervisor"`
}

func (a *App) Snapshot() any {
	out := Snapshot{Time: time.Now(), Scheduler: a.sched.Snapshot()}
	if a.sup != nil {
		out.Supervisor = a.sup.Snapshot()
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate rejects configs the running components could not apply.
func validate(cfg *config.Config) error {
	var errs []error
	if _, err := mapProcessorConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDebugConfig(cfg.Debug); err != nil {
		errs = append(errs, err)
	}
	for _, sc := range cfg.Schedules {
		if err := scheduler.ValidateSpec(sc.Spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.Name, err))
		}
		if _, _, err := buildScheduleJob(sc, logx.Nop(), nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// The processor outlives the app context so Stop can drain it.
	if err := a.proc.StartThread(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	if a.store != nil {
		// The recorder runs until Stop closes its subscription, after the
		// processor has published its final outcomes.
		events, unsub := a.bus.SubscribeTypes(256, engine.EventJobFinished, engine.EventJobFailed, engine.EventJobCancelled)
		rec := newHistoryRecorder(a.store, a.logs.Logger().With(logx.String("comp", "history")))
		done := make(chan struct{})
		a.mu.Lock()
		a.recStop, a.recDone = unsub, done
		a.mu.Unlock()
		go func() {
			defer close(done)
			rec.run(context.WithoutCancel(ctx), events)
		}()
	}

	// Optional: log events for observability/debug.
	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	cfg := a.cfgm.Get()
	if err := a.applySchedules(cfg.Schedules); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start()
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if dcfg, err := mapDebugConfig(cfg.Debug); err == nil {
		a.debug.Apply(ctx, dcfg)
	}

	a.startWatchdog(cfg.Systemd)
	a.sd.ready()
	a.log.Info("app started",
		logx.String("processor", a.proc.Snapshot().Name),
		logx.Int("schedules", len(a.sched.Names())),
	)
	return nil
}

func (a *App) applyConfig(prev, next *config.Config) {
	a.sd.reloading()
	defer a.sd.ready()

	sections, attrs, changedSchedules := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next.Logging))

	if pcfg, err := mapProcessorConfig(next); err != nil {
		a.log.Warn("invalid processor config; keeping previous", logx.Err(err))
	} else if err := a.proc.Apply(pcfg); err != nil {
		a.log.Warn("processor config rejected; keeping previous", logx.Err(err))
	} else {
		a.pumping.Store(pcfg.PumpMessages)
	}

	prevSchedEnabled := a.sched.Enabled()
	scfg, err := mapSchedulerConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		scfg = a.sched.Config()
	}
	a.sched.Apply(scfg)
	if len(changedSchedules) > 0 {
		a.log.Debug("schedule changes detected", logx.Any("schedules", changedSchedules))
		if err := a.applySchedules(next.Schedules); err != nil {
			a.log.Warn("some schedules were not applied", logx.Err(err))
		}
	}
	switch {
	case prevSchedEnabled && !scfg.Enabled:
		a.log.Info("scheduler disabled via config")
		a.sched.Stop()
	case !prevSchedEnabled && scfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start()
	}

	if slices.Contains(sections, "debug") {
		if dcfg, err := mapDebugConfig(next.Debug); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Apply(a.sup.Context(), dcfg)
		}
	}

	if next.Systemd != prev.Systemd {
		a.stopWatchdog()
		a.sd.setEnabled(next.Systemd.Notify)
		a.startWatchdog(next.Systemd)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) startWatchdog(sc config.SystemdConfig) {
	if !sc.Notify || !sc.Watchdog {
		return
	}
	timeout := watchdogTimeout(a.log)
	if timeout <= 0 {
		a.log.Debug("systemd watchdog not requested by the unit")
		return
	}
	w := newWatchdogJob(a.proc, a.sd, timeout)
	if !w.start() {
		a.log.Warn("systemd watchdog not started")
		return
	}
	a.mu.Lock()
	a.watchdog = w
	a.mu.Unlock()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", w.every))
}

func (a *App) stopWatchdog() {
	a.mu.Lock()
	w := a.watchdog
	a.watchdog = nil
	a.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("watchdog", time.Second, func(context.Context) error { a.stopWatchdog(); return nil })
	step("processor", 5*time.Second, func(c context.Context) error {
		err := a.proc.Shutdown(c)
		if errors.Is(err, engine.ErrStopped) {
			return nil
		}
		return err
	})
	step("history", time.Second, func(c context.Context) error {
		a.mu.Lock()
		stop, done := a.recStop, a.recDone
		a.mu.Unlock()
		if stop == nil {
			return nil
		}
		stop()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("systemd", time.Second, func(context.Context) error { return a.units.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
