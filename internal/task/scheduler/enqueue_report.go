package scheduler

import (
	"errors"

	logx "asyncproc/pkg/logx"
)

// One enqueue warning per schedule every 5s.
const enqueueWarnPerSec = 0.2

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	s.warnMu.Lock()
	th := s.warns[name]
	if th == nil {
		th = logx.NewThrottle(enqueueWarnPerSec)
		s.warns[name] = th
	}
	s.warnMu.Unlock()

	if ok, extra := th.Allow(); ok {
		s.log.Warn("schedule failed to enqueue job", append([]logx.Field{logx.String("schedule", name), logx.Err(err)}, extra...)...)
	}
}

func (s *Service) forgetWarnings(name string) {
	s.warnMu.Lock()
	delete(s.warns, name)
	s.warnMu.Unlock()
}
