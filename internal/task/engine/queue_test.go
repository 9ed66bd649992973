package engine

import (
	"testing"
	"time"
)

func mkTask(key string, prio Priority) *task {
	return &task{key: key, name: key, prio: prio}
}

func TestReadyQueueOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q := newReadyQueue()
	var seq uint64
	push := func(key string, prio Priority) bool {
		seq++
		tk := mkTask(key, prio)
		tk.seq = seq
		return q.push(tk)
	}

	push("lowest", Lowest)
	push("normal-1", Normal)
	push("immediate", Immediate)
	push("below", BelowNormal)
	push("normal-2", Normal)
	push("above", AboveNormal)
	if push("normal-1", Immediate) {
		t.Fatalf("duplicate key must not be queued")
	}

	want := []string{"immediate", "above", "normal-1", "normal-2", "below", "lowest"}
	for i, w := range want {
		got := q.pop()
		if got == nil || got.key != w {
			t.Fatalf("pop %d: got %v want %s", i, got, w)
		}
		if q.has(w) {
			t.Fatalf("set still holds %s after pop", w)
		}
	}
	if q.pop() != nil || q.len() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestReadyQueueRemoveIfKeepsSetInSync(t *testing.T) {
	t.Parallel()

	q := newReadyQueue()
	for i, k := range []string{"a", "b", "c", "d"} {
		tk := mkTask(k, Normal)
		tk.seq = uint64(i + 1)
		q.push(tk)
	}
	removed := q.removeIf(func(tk *task) bool { return tk.key == "b" || tk.key == "d" })
	if len(removed) != 2 || removed[0].key != "b" || removed[1].key != "d" {
		t.Fatalf("removed=%v", removed)
	}
	if q.has("b") || q.has("d") || !q.has("a") || !q.has("c") {
		t.Fatalf("set out of sync: %v", q.set)
	}
	if len(q.set) != q.len() {
		t.Fatalf("set size %d != queue size %d", len(q.set), q.len())
	}
	if got := q.pop().key; got != "a" {
		t.Fatalf("pop=%v want a", got)
	}
}

func TestPriorityQueueKeyIsExplicit(t *testing.T) {
	t.Parallel()

	order := []Priority{Immediate, AboveNormal, Normal, BelowNormal, Lowest}
	for i := 1; i < len(order); i++ {
		if order[i-1].queueKey() >= order[i].queueKey() {
			t.Fatalf("%s must be serviced before %s", order[i-1], order[i])
		}
	}
	if Priority(0) != Normal {
		t.Fatalf("zero priority must be Normal")
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", Normal, false},
		{"immediate", Immediate, false},
		{"Above-Normal", AboveNormal, false},
		{"below_normal", BelowNormal, false},
		{"lowest", Lowest, false},
		{"urgent", Normal, true},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Fatalf("%q: got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestTimedQueueCoalescesEqualKeys(t *testing.T) {
	t.Parallel()

	q := newTimedQueue()
	base := time.Unix(1000, 0)
	job := mkTask("refresh", Normal)
	q.push(base.Add(1*time.Second), 1, job)
	q.push(base.Add(2*time.Second), 2, job)
	q.push(base.Add(3*time.Second), 3, job)
	if got := q.refCount("refresh"); got != 3 {
		t.Fatalf("refs=%d want 3", got)
	}

	runs := 0
	for i := 1; i <= 3; i++ {
		due := q.popDue(base.Add(time.Duration(i)*time.Second), 10)
		runs += len(due)
		if n := q.refCount("refresh"); n < 0 {
			t.Fatalf("negative refcount %d", n)
		}
	}
	if runs != 1 {
		t.Fatalf("runs=%d want 1", runs)
	}
	if _, ok := q.refs["refresh"]; ok || q.len() != 0 {
		t.Fatalf("expected empty queue and refcount table, refs=%v len=%d", q.refs, q.len())
	}
}

func TestTimedQueueParksUserEntriesWithoutRoom(t *testing.T) {
	t.Parallel()

	q := newTimedQueue()
	now := time.Unix(1000, 0)
	user := mkTask("user", Normal)
	internal := &task{key: "timeout", internal: true}
	q.push(now.Add(-2*time.Second), 1, user)
	q.push(now.Add(-1*time.Second), 2, internal)

	due := q.popDue(now, 0)
	if len(due) != 1 || due[0].t != internal {
		t.Fatalf("only the internal entry may run without room, got %d entries", len(due))
	}
	if q.len() != 1 || q.refCount("user") != 1 {
		t.Fatalf("user entry must stay queued")
	}
	if _, ok := q.next(false); ok {
		t.Fatalf("parked user entries must not set a deadline")
	}
	if d, ok := q.next(true); !ok || !d.Equal(now.Add(-2*time.Second)) {
		t.Fatalf("next=%v ok=%v", d, ok)
	}
}

func TestTimedQueueRemoveAndRecount(t *testing.T) {
	t.Parallel()

	q := newTimedQueue()
	now := time.Unix(1000, 0)
	a := mkTask("a", Normal)
	b := mkTask("b", Normal)
	ea := q.push(now.Add(time.Second), 1, a)
	q.push(now.Add(2*time.Second), 2, a)
	q.push(now.Add(3*time.Second), 3, b)

	q.remove(ea)
	if got := q.refCount("a"); got != 1 {
		t.Fatalf("refs(a)=%d want 1", got)
	}
	q.remove(ea) // already gone
	if got := q.refCount("a"); got != 1 {
		t.Fatalf("second remove changed refs(a) to %d", got)
	}

	removed := q.removeIf(func(tk *task) bool { return tk.key == "b" })
	if len(removed) != 1 || q.refCount("b") != 0 || q.refCount("a") != 1 || q.len() != 1 {
		t.Fatalf("removeIf bookkeeping wrong: removed=%d refs=%v len=%d", len(removed), q.refs, q.len())
	}
}
