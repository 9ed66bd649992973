package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

const testWait = 5 * time.Second

func newProcessor(t *testing.T, start bool) *engine.Processor {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Name = t.Name()
	p, err := engine.New(cfg, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if start {
		if err := p.StartThread(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func newService(t *testing.T, p *engine.Processor) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Timezone: "UTC"}, p, logx.Nop())
	t.Cleanup(s.Stop)
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func counter(n *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		kind   SpecKind
		cron   string
		every  time.Duration
		source string
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron:0 0 * * *", kind: SpecCron, cron: "0 0 * * *", source: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute, source: "hhmm"},
		{in: "interval:00:50", kind: SpecInterval, every: 50 * time.Minute, source: "hhmm"},
		{in: "every:1h", kind: SpecInterval, every: time.Hour, source: "duration"},
		{in: "at:02:30", kind: SpecCron, cron: "30 2 * * *", source: "daily"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every || got.Source != tt.source {
			t.Fatalf("ParseSchedule(%q)=%+v", tt.in, got)
		}
	}

	for _, bad := range []string{"", "  ", "0s", "bogus", "cron:", "at:24:00", "00:00", "01:75", "interval:nope"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) must fail", bad)
		}
	}
}

func TestNormalizedSpec(t *testing.T) {
	t.Parallel()

	ps, _ := ParseSchedule("90s")
	if got := ps.Normalized(); got != "@every 1m30s" {
		t.Fatalf("got %q", got)
	}
	ps, _ = ParseSchedule("0 */2 * * *")
	if got := ps.Normalized(); got != "0 */2 * * *" {
		t.Fatalf("got %q", got)
	}
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := newService(t, newProcessor(t, false))
	noop := FuncJob("noop", func(context.Context) error { return nil })

	if _, err := s.AddCron("bad", "not a cron", engine.Normal, noop); err == nil {
		t.Fatalf("invalid cron accepted")
	}
	if _, err := s.AddDaily("late", "25:00", engine.Normal, noop); err == nil {
		t.Fatalf("invalid time of day accepted")
	}
	if _, err := s.AddInterval(" ", time.Minute, engine.Normal, noop); err == nil {
		t.Fatalf("empty name accepted")
	}
	if _, err := s.AddInterval("nil", time.Minute, engine.Normal, nil); err == nil {
		t.Fatalf("nil factory accepted")
	}
	if _, err := s.AddOnce("zero", time.Time{}, engine.Normal, noop); err == nil {
		t.Fatalf("zero time accepted")
	}
	if n := len(s.Names()); n != 0 {
		t.Fatalf("rejected schedules were registered: %v", s.Names())
	}
}

func TestStartStopArmsTriggers(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, false)
	s := newService(t, p)
	noop := FuncJob("noop", func(context.Context) error { return nil })

	if _, err := s.AddWeekly("report", time.Monday, "09:00", engine.Normal, noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddSchedule("sync", "@every 1h", engine.BelowNormal, noop); err != nil {
		t.Fatal(err)
	}
	if n := p.Snapshot().Timed; n != 0 {
		t.Fatalf("armed before Start: %d", n)
	}

	s.Start()
	if n := p.Snapshot().Timed; n != 2 {
		t.Fatalf("timed=%d want 2", n)
	}
	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" || len(snap.Schedules) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
	report := snap.Schedules[0]
	if report.Name != "report" || report.Next.Weekday() != time.Monday || report.Next.Hour() != 9 {
		t.Fatalf("report=%+v", report)
	}

	s.Stop()
	if n := p.Snapshot().Timed; n != 0 {
		t.Fatalf("timed=%d after Stop", n)
	}
	if got := s.Names(); len(got) != 2 {
		t.Fatalf("definitions lost on Stop: %v", got)
	}
}

func TestUpsertReplacesTrigger(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, true)
	s := newService(t, p)
	s.Start()

	var stale, fresh atomic.Int32
	if _, err := s.AddOnce("backup", time.Now().Add(time.Hour), engine.Normal, FuncJob("backup", counter(&stale))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddOnce("backup", time.Now().Add(200*time.Millisecond), engine.Normal, FuncJob("backup", counter(&fresh))); err != nil {
		t.Fatal(err)
	}
	if n := p.Snapshot().Timed; n != 1 {
		t.Fatalf("timed=%d want 1 after upsert", n)
	}

	eventually(t, "replacement run", func() bool { return fresh.Load() == 1 })
	eventually(t, "once schedule cleanup", func() bool { return len(s.Names()) == 0 })
	if stale.Load() != 0 {
		t.Fatalf("replaced schedule ran")
	}
	if n := p.Snapshot().Timed; n != 0 {
		t.Fatalf("timed=%d after once fired", n)
	}
}

func TestIntervalFiresUntilRemoved(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, true)
	s := newService(t, p)
	s.Start()

	var runs atomic.Int32
	if _, err := s.AddInterval("poll", 20*time.Millisecond, engine.Normal, FuncJob("poll", counter(&runs))); err != nil {
		t.Fatal(err)
	}
	// Intervals below a second are rounded up to one second.
	eventually(t, "two runs", func() bool { return runs.Load() >= 2 })

	info := s.Snapshot().Schedules[0]
	if info.Runs < 2 || info.Prev.IsZero() || !info.Next.After(info.Prev) {
		t.Fatalf("info=%+v", info)
	}

	if !s.Remove("poll") {
		t.Fatalf("Remove reported nothing removed")
	}
	if s.Remove("poll") {
		t.Fatalf("second Remove reported a removal")
	}
	time.Sleep(60 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(80 * time.Millisecond)
	if runs.Load() != settled {
		t.Fatalf("schedule kept firing after Remove")
	}
}

func TestEnqueueReportsOverlap(t *testing.T) {
	t.Parallel()

	s := newService(t, newProcessor(t, false))
	job := FuncJob("slow", func(context.Context) error { return nil })
	if err := s.enqueue(job(), engine.Normal); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.enqueue(job(), engine.Normal); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err=%v want overlap skip", err)
	}
	if err := s.enqueue(nil, engine.Normal); err == nil {
		t.Fatalf("nil job accepted")
	}
}

func TestApplyTimezoneRearms(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, false)
	s := newService(t, p)
	if _, err := s.AddDaily("digest", "08:15", engine.Normal, FuncJob("digest", func(context.Context) error { return nil })); err != nil {
		t.Fatal(err)
	}
	s.Start()
	before := s.Snapshot().Schedules[0].Next

	s.Apply(Config{Enabled: true, Timezone: "Asia/Tokyo"})
	snap := s.Snapshot()
	if snap.Timezone != "Asia/Tokyo" {
		t.Fatalf("tz=%s", snap.Timezone)
	}
	after := snap.Schedules[0].Next
	if after.Equal(before) {
		t.Fatalf("next run not recomputed: %v", after)
	}
	if h, m := after.Hour(), after.Minute(); h != 8 || m != 15 {
		t.Fatalf("next=%v want 08:15 local", after)
	}
	if n := p.Snapshot().Timed; n != 1 {
		t.Fatalf("timed=%d want 1 after re-arm", n)
	}
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"*/5 * * * *", "0 30 2 * * *", "@daily", "@every 90s", "15m", "at:23:59"} {
		if err := ValidateSpec(ok); err != nil {
			t.Fatalf("ValidateSpec(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"61 * * * *", "@fortnightly", "* * *", "nope"} {
		if err := ValidateSpec(bad); err == nil {
			t.Fatalf("ValidateSpec(%q) accepted", bad)
		}
	}
}
