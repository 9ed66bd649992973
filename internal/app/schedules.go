package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"asyncproc/internal/config"
	"asyncproc/internal/task/engine"
	"asyncproc/internal/task/jobs"
	"asyncproc/internal/task/scheduler"
	logx "asyncproc/pkg/logx"
	"asyncproc/pkg/systemd"
)

// buildScheduleJob turns a configured schedule into a job factory. units
// serves the "unit" kind and is only used when a job is built.
func buildScheduleJob(sc config.ScheduleConfig, log logx.Logger, units jobs.UnitOps) (scheduler.JobFactory, engine.Priority, error) {
	name := strings.TrimSpace(sc.Name)
	prio, err := engine.ParsePriority(sc.Priority)
	if err != nil {
		return nil, 0, fmt.Errorf("schedule %s: %w", name, err)
	}
	timeout, err := config.ParseDurationField("schedules."+name+".timeout", sc.Timeout)
	if err != nil {
		return nil, 0, err
	}
	log = log.With(logx.String("schedule", name))

	switch sc.Kind {
	case config.KindLog:
		msg := sc.Message
		if msg == "" {
			msg = "schedule fired"
		}
		return scheduler.FuncJob(name, func(context.Context) error {
			log.Info(msg)
			return nil
		}), prio, nil

	case config.KindCommand:
		if len(sc.Command) == 0 {
			return nil, 0, fmt.Errorf("schedule %s: command required", name)
		}
		argv := append([]string(nil), sc.Command...)
		return commandFactory(name, argv, sc.Dir, timeout, sc.KillOnTimeout, log), prio, nil

	case config.KindSystemctl:
		argv, err := systemd.Argv(sc.Action, sc.Unit)
		if err != nil {
			return nil, 0, fmt.Errorf("schedule %s: %w", name, err)
		}
		return commandFactory(name, argv, "", timeout, sc.KillOnTimeout, log), prio, nil

	case config.KindUnit:
		if !systemd.ValidAction(sc.Action) || strings.TrimSpace(sc.Unit) == "" {
			return nil, 0, fmt.Errorf("schedule %s: unit and a valid action are required", name)
		}
		unit, action := strings.TrimSpace(sc.Unit), sc.Action
		return func() engine.Job {
			return &jobs.Unit{
				Name:    name,
				Key:     "schedule:" + name,
				Unit:    unit,
				Action:  action,
				Timeout: timeout,
				Ops:     units,
				Log:     log,
				OnResult: func(r jobs.UnitResult) {
					if r.Err != nil {
						log.Warn("unit action failed", logx.String("unit", r.Unit), logx.String("action", r.Action), logx.Err(r.Err))
						return
					}
					log.Debug("unit action finished", logx.String("unit", r.Unit), logx.String("result", r.Result), logx.Bool("timed_out", r.TimedOut))
				},
			}
		}, prio, nil

	default:
		return nil, 0, fmt.Errorf("schedule %s: unknown kind %q", name, sc.Kind)
	}
}

func commandFactory(name string, argv []string, dir string, timeout time.Duration, kill bool, log logx.Logger) scheduler.JobFactory {
	return func() engine.Job {
		return &jobs.Command{
			Name:          name,
			Key:           "schedule:" + name,
			Path:          argv[0],
			Args:          argv[1:],
			Dir:           dir,
			Timeout:       timeout,
			KillOnTimeout: kill,
			Log:           log,
			OnExit: func(r jobs.Result) {
				fields := []logx.Field{
					logx.Int("exit_code", r.ExitCode),
					logx.Duration("took", r.Duration),
					logx.Bool("timed_out", r.TimedOut),
				}
				if r.Err != nil {
					log.Warn("command failed", append(fields, logx.Err(r.Err), logx.String("output", r.Output))...)
					return
				}
				log.Debug("command finished", fields...)
			},
		}
	}
}

// applySchedules registers every enabled configured schedule (upsert by
// name) and removes configured schedules that disappeared or were disabled.
// Schedules registered in code are left alone.
func (a *App) applySchedules(list []config.ScheduleConfig) error {
	var errs []error
	want := make(map[string]struct{}, len(list))
	for _, sc := range list {
		if !sc.IsEnabled() {
			continue
		}
		name := strings.TrimSpace(sc.Name)
		factory, prio, err := buildScheduleJob(sc, a.log, a.units)
		if err == nil {
			_, err = a.sched.AddSchedule(name, sc.Spec, prio, factory)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want[name] = struct{}{}
	}

	a.mu.Lock()
	prev := a.configured
	a.configured = want
	a.mu.Unlock()
	for name := range prev {
		if _, ok := want[name]; !ok {
			a.sched.Remove(name)
		}
	}
	return errors.Join(errs...)
}
