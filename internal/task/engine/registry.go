package engine

import (
	"fmt"
	"runtime"
	"sync"
)

// Registry maps goroutines to the processor they run. Processors sharing a
// registry can find each other to cooperate on synchronous calls.
type Registry struct {
	mu    sync.Mutex
	procs map[uint64]*Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[uint64]*Processor)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns a process wide registry for hosts that want one.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register binds goroutine id to p. A goroutine can own one processor only.
func (r *Registry) Register(id uint64, p *Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.procs[id]; ok {
		return fmt.Errorf("%w: goroutine %d runs %q", ErrThreadRegistered, id, cur.name())
	}
	r.procs[id] = p
	return nil
}

// Unregister removes the binding of id if it still points at p.
func (r *Registry) Unregister(id uint64, p *Processor) {
	r.mu.Lock()
	if r.procs[id] == p {
		delete(r.procs, id)
	}
	r.mu.Unlock()
}

func (r *Registry) Lookup(id uint64) *Processor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[id]
}

// Current returns the processor owned by the calling goroutine, if any.
func (r *Registry) Current() *Processor { return r.Lookup(GoroutineID()) }

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// GoroutineID returns the id of the calling goroutine.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
