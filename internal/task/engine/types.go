package engine

import (
	"fmt"
	"time"
)

const (
	DefaultIdlePeriod     = 5 * time.Minute
	DefaultMaxWaitHandles = 64
	defaultHistorySize    = 200
	defaultFaultLogPerSec = 1.0
)

// Config controls a Processor.
//
// The app layer maps config.processor into this struct.
type Config struct {
	Name string

	// IdlePeriod is how long the idle clock must report no input before idle
	// jobs run. 0 applies DefaultIdlePeriod.
	IdlePeriod time.Duration

	// AllowReentrancy lets this processor's goroutine service its own queue
	// while it waits on a synchronous call into another processor.
	AllowReentrancy bool

	// PumpMessages services the configured MessagePump from the loop.
	PumpMessages bool

	// MaxWaitHandles bounds the wait set: the wake event, the message pump
	// and every suspended job. 0 applies DefaultMaxWaitHandles.
	MaxWaitHandles int

	LockOSThread bool

	// FaultLogPerSec throttles fault warnings. 0 applies a default, <0 disables them.
	FaultLogPerSec float64

	HistorySize int
}

// DefaultConfig returns a config with reentrancy enabled.
func DefaultConfig() Config {
	return Config{
		Name:            "processor",
		IdlePeriod:      DefaultIdlePeriod,
		AllowReentrancy: true,
		MaxWaitHandles:  DefaultMaxWaitHandles,
		FaultLogPerSec:  defaultFaultLogPerSec,
		HistorySize:     defaultHistorySize,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "processor"
	}
	if c.IdlePeriod == 0 {
		c.IdlePeriod = DefaultIdlePeriod
	}
	if c.MaxWaitHandles == 0 {
		c.MaxWaitHandles = DefaultMaxWaitHandles
	}
	if c.FaultLogPerSec == 0 {
		c.FaultLogPerSec = defaultFaultLogPerSec
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

func (c Config) validate() error {
	if c.IdlePeriod < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIdlePeriod, c.IdlePeriod)
	}
	if c.MaxWaitHandles < 3 {
		return fmt.Errorf("max wait handles must be at least 3, got %d", c.MaxWaitHandles)
	}
	return nil
}

type options struct {
	registry *Registry
	waiter   Waiter
	clock    IdleClock
	pump     MessagePump
	onFault  FaultHandler
}

// Option configures New.
type Option func(*options)

// WithRegistry shares a registry between processors. Without it the
// processor gets a private one.
func WithRegistry(r *Registry) Option { return func(o *options) { o.registry = r } }

func WithWaiter(w Waiter) Option { return func(o *options) { o.waiter = w } }

func WithIdleClock(c IdleClock) Option { return func(o *options) { o.clock = c } }

// WithMessagePump sets the message source serviced when Config.PumpMessages is on.
func WithMessagePump(m MessagePump) Option { return func(o *options) { o.pump = m } }

func WithFaultHandler(h FaultHandler) Option { return func(o *options) { o.onFault = h } }

type HistoryItem struct {
	Name       string
	Priority   string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name     string
	Running  bool
	Stopping bool

	Ready   int
	Idle    int
	Timed   int
	Started int
	Runs    int
	Depth   int

	Executed uint64
	Faults   uint64
	Restarts uint64

	IdlePeriod     time.Duration
	MaxWaitHandles int

	History []HistoryItem
}
