package app

import (
	"context"
	"strings"
	"time"

	"asyncproc/internal/eventbus"
	"asyncproc/internal/storage"
	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

// historyRecorder persists job outcomes published by the processor.
type historyRecorder struct {
	store storage.Store
	log   logx.Logger
	// skip filters bookkeeping jobs (schedule triggers, watchdog pings).
	skip func(name string) bool
}

func newHistoryRecorder(store storage.Store, log logx.Logger) *historyRecorder {
	return &historyRecorder{store: store, log: log, skip: isBookkeepingJob}
}

func isBookkeepingJob(name string) bool {
	return strings.HasPrefix(name, "schedule:") || name == watchdogJobName
}

func outcomeOf(typ string) (string, bool) {
	switch typ {
	case engine.EventJobFinished:
		return storage.OutcomeFinished, true
	case engine.EventJobFailed:
		return storage.OutcomeFailed, true
	case engine.EventJobCancelled:
		return storage.OutcomeCancelled, true
	}
	return "", false
}

// record converts one bus event. Events that are not job outcomes are ignored.
func (h *historyRecorder) record(ctx context.Context, e eventbus.Event) {
	outcome, ok := outcomeOf(e.Type)
	if !ok {
		return
	}
	ev, ok := e.Data.(engine.JobEvent)
	if !ok || (h.skip != nil && h.skip(ev.Name)) {
		return
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	rec := storage.JobRecord{
		At:         at,
		Processor:  ev.Processor,
		Job:        ev.Name,
		Outcome:    outcome,
		Priority:   ev.Priority,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		Error:      ev.Error,
	}
	if err := h.store.AppendJob(ctx, rec); err != nil {
		h.log.Warn("job history append failed", logx.String("job", ev.Name), logx.Err(err))
	}
}

// run drains events until ctx is done or the subscription closes.
func (h *historyRecorder) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.record(ctx, e)
		}
	}
}
