package engine

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// WaitResult tells why Waiter.WaitAny returned.
type WaitResult int

const (
	WaitSignaled WaitResult = iota
	WaitTimeout
	// WaitInvalid reports that the signal at the returned index is unusable.
	// The processor fails the job that awaited it with ErrInvalidSignal
	// instead of pruning it and retrying the wait, so that synchronous
	// callers of that job get an answer.
	WaitInvalid
	WaitCanceled
)

func (r WaitResult) String() string {
	switch r {
	case WaitSignaled:
		return "signaled"
	case WaitTimeout:
		return "timeout"
	case WaitInvalid:
		return "invalid"
	case WaitCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Waiter blocks until one of sigs fires, timeout elapses or ctx is done.
//
// The returned index is meaningful for WaitSignaled and WaitInvalid. When
// several signals are ready, any one of them may be reported. A zero timeout
// polls; Infinite waits without a deadline.
type Waiter interface {
	WaitAny(ctx context.Context, sigs []Signal, timeout time.Duration) (int, WaitResult)
}

// SelectWaiter is the default Waiter, built on reflect.Select.
type SelectWaiter struct{}

func (SelectWaiter) WaitAny(ctx context.Context, sigs []Signal, timeout time.Duration) (int, WaitResult) {
	for i, s := range sigs {
		if s == nil {
			return i, WaitInvalid
		}
	}

	cases := make([]reflect.SelectCase, 0, len(sigs)+2)
	for _, s := range sigs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s)})
	}

	ctxIdx := -1
	if done := ctx.Done(); done != nil {
		ctxIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(done)})
	}

	timeoutIdx := -1
	switch {
	case timeout == 0:
		timeoutIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectDefault})
	case timeout > 0:
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.C)})
	}

	chosen, _, _ := reflect.Select(cases)
	switch chosen {
	case ctxIdx:
		return -1, WaitCanceled
	case timeoutIdx:
		return -1, WaitTimeout
	default:
		return chosen, WaitSignaled
	}
}

// MessagePump is a host message source serviced by the processor loop and
// by synchronous waits, so that the owning goroutine never stops answering it.
type MessagePump interface {
	// Messages fires when Dispatch has work to do.
	Messages() <-chan struct{}
	Dispatch()
}

// ChanPump is a MessagePump that runs posted callbacks.
type ChanPump struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

func NewChanPump() *ChanPump {
	return &ChanPump{notify: make(chan struct{}, 1)}
}

// Post queues fn to run on the goroutine that services the pump.
func (p *ChanPump) Post(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, fn)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *ChanPump) Messages() <-chan struct{} { return p.notify }

func (p *ChanPump) Dispatch() {
	p.mu.Lock()
	q := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}
