package engine

import (
	"container/heap"
	"time"
)

type timedEntry struct {
	due   time.Time
	seq   uint64
	t     *task
	index int
}

// timedQueue holds jobs scheduled for a point in time.
//
// Several entries may share a key. refs counts them; only the last one to
// come due steps the job, earlier ones are dropped when popped.
type timedQueue struct {
	h    timedHeap
	refs map[any]int
}

func newTimedQueue() timedQueue {
	return timedQueue{refs: make(map[any]int)}
}

func (q *timedQueue) len() int { return len(q.h) }

func (q *timedQueue) push(due time.Time, seq uint64, t *task) *timedEntry {
	e := &timedEntry{due: due, seq: seq, t: t}
	heap.Push(&q.h, e)
	q.refs[t.key]++
	return e
}

// remove drops a single entry that has not come due yet.
func (q *timedQueue) remove(e *timedEntry) {
	if e == nil || e.index < 0 || e.index >= len(q.h) || q.h[e.index] != e {
		return
	}
	heap.Remove(&q.h, e.index)
	q.release(e.t.key)
}

func (q *timedQueue) release(key any) {
	if n := q.refs[key]; n > 1 {
		q.refs[key] = n - 1
	} else {
		delete(q.refs, key)
	}
}

// popDue pops every entry due at or before now and returns the ones that must
// be stepped. When userRoom is exhausted, due non-internal entries stay queued
// until a later pass.
func (q *timedQueue) popDue(now time.Time, userRoom int) []*timedEntry {
	var run, parked []*timedEntry
	for len(q.h) > 0 && !q.h[0].due.After(now) {
		e := heap.Pop(&q.h).(*timedEntry)
		if !e.t.internal && userRoom <= 0 {
			parked = append(parked, e)
			continue
		}
		key := e.t.key
		if n := q.refs[key]; n > 1 {
			q.refs[key] = n - 1
			continue
		}
		delete(q.refs, key)
		run = append(run, e)
		if !e.t.internal {
			userRoom--
		}
	}
	for _, e := range parked {
		heap.Push(&q.h, e)
	}
	return run
}

// restore puts back an entry returned by popDue that could not be stepped.
func (q *timedQueue) restore(e *timedEntry) {
	heap.Push(&q.h, e)
	q.refs[e.t.key]++
}

// next returns the earliest deadline worth waking up for. Non-internal entries
// are ignored when there is no room to step them.
func (q *timedQueue) next(userRoom bool) (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	if userRoom {
		return q.h[0].due, true
	}
	var best time.Time
	found := false
	for _, e := range q.h {
		if !e.t.internal {
			continue
		}
		if !found || e.due.Before(best) {
			best, found = e.due, true
		}
	}
	return best, found
}

// removeIf drops matching entries and rebuilds the reference counts from the
// survivors.
func (q *timedQueue) removeIf(pred func(*task) bool) []*task {
	var removed []*task
	kept := q.h[:0]
	for _, e := range q.h {
		if pred(e.t) {
			removed = append(removed, e.t)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	clear(q.refs)
	for i, e := range q.h {
		e.index = i
		q.refs[e.t.key]++
	}
	heap.Init(&q.h)
	return removed
}

func (q *timedQueue) refCount(key any) int { return q.refs[key] }

type timedHeap []*timedEntry

func (h timedHeap) Len() int { return len(h) }
func (h timedHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h timedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timedHeap) Push(x any) {
	e := x.(*timedEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
