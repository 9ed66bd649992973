// Package jobs holds ready-made engine jobs: plain callbacks, waits on an
// external signal and external commands.
package jobs

import (
	"context"
	"errors"
	"time"

	"asyncproc/internal/task/engine"
)

// Func runs Fn once per enqueue.
type Func struct {
	Name string
	// Key merges equal funcs while queued. Nil keys the job by its pointer.
	Key any
	Fn  func(ctx context.Context) error
}

func NewFunc(name string, fn func(ctx context.Context) error) *Func {
	return &Func{Name: name, Fn: fn}
}

func (f *Func) JobKey() any     { return f.Key }
func (f *Func) JobName() string { return f.Name }

func (f *Func) Step(ctx context.Context) (engine.Yield, error) {
	if f.Fn == nil {
		return engine.Finish(), errors.New("func job without body")
	}
	return engine.Finish(), f.Fn(ctx)
}

// WaitSignal suspends until Signal fires, then runs OnSignal.
// With a positive Timeout, OnTimeout runs instead when the signal is late.
type WaitSignal struct {
	Name      string
	Signal    engine.Signal
	Timeout   time.Duration
	OnSignal  func(ctx context.Context) error
	OnTimeout func()

	waited bool
}

func (w *WaitSignal) JobName() string { return w.Name }

func (w *WaitSignal) Step(ctx context.Context) (engine.Yield, error) {
	if !w.waited {
		w.waited = true
		timeout := engine.Infinite
		if w.Timeout > 0 {
			timeout = w.Timeout
		}
		return engine.AwaitTimeout(w.Signal, timeout), nil
	}
	if w.OnSignal == nil {
		return engine.Finish(), nil
	}
	return engine.Finish(), w.OnSignal(ctx)
}

func (w *WaitSignal) TimeoutFired() {
	if w.OnTimeout != nil {
		w.OnTimeout()
	}
}
