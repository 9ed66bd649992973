package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

const watchdogJobName = "systemd.watchdog"

// notifyFunc matches daemon.SdNotify.
type notifyFunc func(unsetEnvironment bool, state string) (bool, error)

// sdNotifier sends sd_notify states. Outside a unit every call is a no-op.
type sdNotifier struct {
	send notifyFunc
	log  logx.Logger

	mu      sync.Mutex
	enabled bool
	warned  bool
}

func newSDNotifier(enabled bool, log logx.Logger) *sdNotifier {
	return &sdNotifier{send: daemon.SdNotify, log: log, enabled: enabled}
}

func (n *sdNotifier) setEnabled(v bool) {
	n.mu.Lock()
	n.enabled = v
	n.mu.Unlock()
}

func (n *sdNotifier) notify(state string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	enabled := n.enabled
	n.mu.Unlock()
	if !enabled {
		return
	}
	sent, err := n.send(false, state)
	if err != nil {
		n.mu.Lock()
		first := !n.warned
		n.warned = true
		n.mu.Unlock()
		if first {
			n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		}
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) ready()     { n.notify(daemon.SdNotifyReady) }
func (n *sdNotifier) reloading() { n.notify(daemon.SdNotifyReloading) }
func (n *sdNotifier) stopping()  { n.notify(daemon.SdNotifyStopping) }

// watchdogJob pings the systemd watchdog from the processor goroutine, so a
// wedged processor stops the pings and systemd restarts the unit.
type watchdogJob struct {
	p     *engine.Processor
	n     *sdNotifier
	every time.Duration

	stopped atomic.Bool
	pings   atomic.Uint64
}

type watchdogKey struct{}

func newWatchdogJob(p *engine.Processor, n *sdNotifier, timeout time.Duration) *watchdogJob {
	every := timeout / 2
	if every <= 0 {
		every = time.Second
	}
	return &watchdogJob{p: p, n: n, every: every}
}

func (w *watchdogJob) JobKey() any     { return watchdogKey{} }
func (w *watchdogJob) JobName() string { return watchdogJobName }

func (w *watchdogJob) Step(context.Context) (engine.Yield, error) {
	if w.stopped.Load() {
		return engine.Finish(), nil
	}
	w.n.notify(daemon.SdNotifyWatchdog)
	w.pings.Add(1)
	w.p.EnqueueAfter(w.every, w)
	return engine.Finish(), nil
}

func (w *watchdogJob) start() bool { return w.p.Enqueue(w, engine.Immediate) }

func (w *watchdogJob) stop() {
	w.stopped.Store(true)
	w.p.CancelTimed(func(j engine.Job) bool { return j == engine.Job(w) })
}

// watchdogTimeout reports the unit's WatchdogSec, or 0 when not supervised.
func watchdogTimeout(log logx.Logger) time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog env invalid", logx.Err(err))
		return 0
	}
	return d
}
