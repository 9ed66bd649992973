package scheduler

import (
	"strings"
	"time"

	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

func New(cfg Config, p *engine.Processor, log logx.Logger) *Service {
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scheduler")),
		p:        p,
		parser:   cronParser,
		defs:     map[string]*scheduleDef{},
		breakers: map[string]*breakerState{},
		warns:    map[string]*logx.Throttle{},
	}
}

// Config returns the applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change re-arms every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if !s.started || oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocationLocked()
	armed := s.rearmAllLocked(time.Now())
	loc := s.loc
	s.mu.Unlock()

	s.cancelTriggers(func(string) bool { return true })
	s.push(armed)
	s.log.Info("timezone changed", logx.String("tz", loc.String()), logx.Int("schedules", len(armed)))
}

// Start arms every registered schedule on the processor.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.loc = s.loadLocationLocked()
	armed := s.rearmAllLocked(time.Now())
	loc := s.loc
	s.mu.Unlock()

	s.push(armed)
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(armed)))
}

// Stop pulls every trigger off the processor. Definitions stay registered
// and are armed again by the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, d := range s.defs {
		d.gen = s.nextGenLocked()
		d.next = time.Time{}
	}
	s.mu.Unlock()

	n := s.cancelTriggers(func(string) bool { return true })
	s.log.Info("scheduler stopped", logx.Int("triggers", n))
}

func (s *Service) nextGenLocked() uint64 {
	s.gen++
	return s.gen
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) location() *time.Location {
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}
