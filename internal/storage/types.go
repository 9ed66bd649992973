package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepRows bounds the sqlite history table. 0 applies 10000.
	KeepRows int
}

// Job outcomes.
const (
	OutcomeFinished  = "finished"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// JobRecord is one completed job. Keep it compact and schema-stable.
type JobRecord struct {
	At         time.Time     `json:"at"`
	Processor  string        `json:"processor"`
	Job        string        `json:"job"`
	Outcome    string        `json:"outcome"`
	Priority   string        `json:"priority,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}
