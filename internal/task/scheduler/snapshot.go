package scheduler

import (
	"slices"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	now := time.Now()
	s.mu.Lock()
	out := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.started,
		Timezone: s.location().String(),
	}
	for _, d := range s.defs {
		info := ScheduleInfo{
			Name:       d.name,
			Spec:       d.spec,
			Priority:   d.prio.String(),
			Next:       d.next,
			Prev:       d.prev,
			Spread:     d.spread,
			Runs:       d.runs,
			Skipped:    d.skipped,
			Suppressed: d.suppressed,
		}
		if open, until := s.breakerOpenLocked(d.name, now); open {
			info.PausedUntil = until
		}
		if b := s.breakers[d.name]; b != nil {
			info.Failures = b.fails
		}
		out.Schedules = append(out.Schedules, info)
	}
	s.mu.Unlock()

	slices.SortFunc(out.Schedules, func(a, b ScheduleInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	out.Processor = s.p.Snapshot()
	return out
}
