package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// phasedSchedule fires first at a fixed time, then follows base.
type phasedSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *phasedSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule runs every d with the first run pushed back by an offset
// derived from name, capped at min(d, 30s). Interval schedules registered
// together spread out, and a given name keeps its offset across restarts.
func intervalSchedule(d time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(d)
	window := min(d, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	offset := time.Duration(h.Sum64() % uint64(window))
	return &phasedSchedule{base: base, first: now.Add(d + offset)}, offset
}
