package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory notification (processor and job lifecycle).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Filtered is implemented by buses that can deliver a subset of event types.
type Filtered interface {
	SubscribeTypes(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

// MemBus is the in-memory Bus implementation.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

type sub struct {
	ch chan Event
	// types is nil for "all"; prefix entries end with ".".
	types map[string]struct{}
}

func (s *sub) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	if _, ok := s.types[typ]; ok {
		return true
	}
	if i := strings.IndexByte(typ, '.'); i > 0 {
		_, ok := s.types[typ[:i+1]]
		return ok
	}
	return false
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A subscriber may unsubscribe concurrently and close its channel.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Dropped returns how many deliveries were dropped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

// SubscribeTypes subscribes to the given event types only. A type ending in
// "." matches every event in that family ("job." matches "job.finished").
func (b *MemBus) SubscribeTypes(buffer int, types ...string) (<-chan Event, func()) {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return b.subscribe(buffer, set)
}

func (b *MemBus) subscribe(buffer int, types map[string]struct{}) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = &sub{ch: ch, types: types}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
