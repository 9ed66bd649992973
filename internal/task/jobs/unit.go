package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

const defaultUnitTimeout = 90 * time.Second

// UnitOps submits systemd unit jobs. *systemdmanager.Manager implements it.
type UnitOps interface {
	Submit(ctx context.Context, action, unit string, result chan<- string) error
	ActiveState(ctx context.Context, unit string) (string, error)
}

// UnitResult describes a finished unit action.
type UnitResult struct {
	Unit     string
	Action   string // the action submitted, "" when recover found the unit healthy
	Result   string // systemd job result: done, failed, timeout, ...
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Unit runs a systemd unit action and suspends until systemd reports the
// job result.
//
// Action "recover" restarts the unit only when it is not active.
type Unit struct {
	Name   string
	Key    any
	Unit   string
	Action string
	// Timeout bounds the wait for the job result. 0 applies 90s.
	Timeout  time.Duration
	Ops      UnitOps
	Log      logx.Logger
	OnResult func(UnitResult)

	mu      sync.Mutex
	action  string
	started time.Time
	done    chan struct{}
	result  string
	outcome *UnitResult
}

func (u *Unit) JobKey() any { return u.Key }

func (u *Unit) JobName() string {
	if u.Name != "" {
		return u.Name
	}
	return "unit:" + u.Action + ":" + u.Unit
}

func (u *Unit) Step(ctx context.Context) (engine.Yield, error) {
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()
	if done != nil {
		return engine.Finish(), u.collect()
	}

	if u.Ops == nil {
		err := errors.New("unit job without systemd connection")
		u.finish(UnitResult{Unit: u.Unit, Action: u.Action, Err: err})
		return engine.Finish(), err
	}
	action := u.Action
	if action == "recover" {
		state, err := u.Ops.ActiveState(ctx, u.Unit)
		if err != nil {
			u.finish(UnitResult{Unit: u.Unit, Err: err})
			return engine.Finish(), err
		}
		switch state {
		case "active", "activating", "reloading":
			u.Log.Debug("unit healthy", logx.String("unit", u.Unit), logx.String("state", state))
			u.finish(UnitResult{Unit: u.Unit, Result: state})
			return engine.Finish(), nil
		case "not-found":
			err := fmt.Errorf("unit %s not found", u.Unit)
			u.finish(UnitResult{Unit: u.Unit, Result: state, Err: err})
			return engine.Finish(), err
		}
		u.Log.Info("recovering unit", logx.String("unit", u.Unit), logx.String("state", state))
		action = "restart"
	}

	ch := make(chan string, 1)
	done = make(chan struct{})
	if err := u.Ops.Submit(ctx, action, u.Unit, ch); err != nil {
		u.finish(UnitResult{Unit: u.Unit, Action: action, Err: err})
		return engine.Finish(), err
	}
	u.mu.Lock()
	u.action, u.started, u.done = action, time.Now(), done
	u.mu.Unlock()

	go func() {
		r := <-ch
		u.mu.Lock()
		u.result = r
		u.mu.Unlock()
		close(done)
	}()

	timeout := u.Timeout
	if timeout <= 0 {
		timeout = defaultUnitTimeout
	}
	return engine.AwaitTimeout(done, timeout), nil
}

func (u *Unit) collect() error {
	u.mu.Lock()
	res := UnitResult{Unit: u.Unit, Action: u.action, Result: u.result, Duration: time.Since(u.started)}
	u.mu.Unlock()
	if res.Result != "done" {
		res.Err = fmt.Errorf("%s %s: job %s", res.Action, res.Unit, res.Result)
	}
	u.finish(res)
	return res.Err
}

// TimeoutFired is called on the processor goroutine when systemd did not
// report a result in time. The unit job itself keeps running in systemd.
func (u *Unit) TimeoutFired() {
	u.mu.Lock()
	res := UnitResult{Unit: u.Unit, Action: u.action, TimedOut: true, Duration: time.Since(u.started)}
	u.mu.Unlock()
	u.Log.Warn("unit job result timed out", logx.String("unit", u.Unit), logx.String("action", res.Action), logx.Duration("timeout", u.Timeout))
	u.finish(res)
}

// Result returns the outcome once the job completed.
func (u *Unit) Result() (UnitResult, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.outcome == nil {
		return UnitResult{}, false
	}
	return *u.outcome, true
}

func (u *Unit) finish(res UnitResult) {
	u.mu.Lock()
	if u.outcome != nil {
		u.mu.Unlock()
		return
	}
	u.outcome = &res
	u.mu.Unlock()
	if u.OnResult != nil {
		u.OnResult(res)
	}
}
