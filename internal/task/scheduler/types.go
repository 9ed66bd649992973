package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"asyncproc/internal/task/engine"
	logx "asyncproc/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	Breaker  BreakerConfig
}

// JobFactory builds the job a schedule runs each time it fires.
type JobFactory func() engine.Job

// ErrOverlapSkip is reported when a trigger fires while the previous run of
// the same schedule is still queued.
var ErrOverlapSkip = errors.New("previous run still queued")

type scheduleDef struct {
	name    string
	spec    string // normalized: cron expression, "@every <d>" or "@once"
	prio    engine.Priority
	factory JobFactory
	ps      ParsedSpec
	once    bool
	at      time.Time // once only
	sched   cron.Schedule
	gen     uint64
	next    time.Time
	prev    time.Time
	spread  time.Duration
	runs    uint64
	skipped uint64
	// fires skipped while the breaker was open
	suppressed uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	p   *engine.Processor

	parser   cron.Parser
	defs     map[string]*scheduleDef
	breakers map[string]*breakerState
	gen      uint64
	started  bool

	warnMu sync.Mutex
	warns  map[string]*logx.Throttle
}

type ScheduleInfo struct {
	Name       string
	Spec       string
	Priority   string
	Next       time.Time
	Prev       time.Time
	Spread     time.Duration
	Runs       uint64
	Skipped    uint64
	Suppressed uint64
	// Failures counts consecutive failed runs; PausedUntil is set while the
	// breaker skips fires.
	Failures    int
	PausedUntil time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	Processor engine.Snapshot
}
