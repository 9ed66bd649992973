package engine

import "container/heap"

// readyQueue is a priority queue of tasks with a duplicate-merge set.
// Tasks are ordered by priority, then by insertion sequence.
type readyQueue struct {
	h   taskHeap
	set map[any]struct{}
}

func newReadyQueue() readyQueue {
	return readyQueue{set: make(map[any]struct{})}
}

func (q *readyQueue) len() int { return len(q.h) }

func (q *readyQueue) has(key any) bool {
	_, ok := q.set[key]
	return ok
}

// push inserts t unless a task with the same key is already queued.
func (q *readyQueue) push(t *task) bool {
	if q.has(t.key) {
		return false
	}
	q.set[t.key] = struct{}{}
	heap.Push(&q.h, t)
	return true
}

func (q *readyQueue) pop() *task {
	if len(q.h) == 0 {
		return nil
	}
	t := heap.Pop(&q.h).(*task)
	delete(q.set, t.key)
	return t
}

// removeIf removes every task matching pred and returns them in queue order.
func (q *readyQueue) removeIf(pred func(*task) bool) []*task {
	var removed []*task
	kept := q.h[:0]
	for _, t := range q.h {
		if pred(t) {
			removed = append(removed, t)
			delete(q.set, t.key)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	heap.Init(&q.h)
	sortTasks(removed)
	return removed
}

func (q *readyQueue) drain() []*task {
	return q.removeIf(func(*task) bool { return true })
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	ki, kj := h[i].prio.queueKey(), h[j].prio.queueKey()
	if ki != kj {
		return ki < kj
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func sortTasks(ts []*task) {
	if len(ts) < 2 {
		return
	}
	h := taskHeap(ts)
	heap.Init(&h)
	out := make([]*task, 0, len(ts))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(*task))
	}
	copy(ts, out)
}
