package config

import (
	"errors"
	"fmt"
	"strings"

	"asyncproc/pkg/systemd"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Processor ProcessorConfig `json:"processor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Systemd   SystemdConfig   `json:"systemd"`
	Debug     DebugConfig     `json:"debug"`

	// Storage is optional; nil disables job history.
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProcessorConfig controls the job processor.
//
// Durations are Go duration strings (e.g. "500ms", "5m").
//
// Defaults (when fields are omitted/zero):
//   - name: "processor"
//   - idle_period: "5m"
//   - allow_reentrancy: true
//   - max_wait_handles: 64
//   - fault_log_per_sec: 1
//   - history_size: 200
type ProcessorConfig struct {
	Name       string `json:"name,omitempty"`
	IdlePeriod string `json:"idle_period,omitempty"`

	// AllowReentrancy is a pointer so an omitted key keeps the default (true).
	AllowReentrancy *bool `json:"allow_reentrancy,omitempty"`
	PumpMessages    bool  `json:"pump_messages,omitempty"`
	MaxWaitHandles  int   `json:"max_wait_handles,omitempty"`
	LockOSThread    bool  `json:"lock_os_thread,omitempty"`

	// FaultLogPerSec throttles fault warnings; negative disables them.
	FaultLogPerSec float64 `json:"fault_log_per_sec,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone (IANA name). Empty uses the host zone.
	Timezone string `json:"timezone,omitempty"`

	// A schedule whose runs fail trip_failures times in a row is paused for
	// trip_base_delay, doubling up to trip_max_delay. Defaults: 5, 5s, 2m,
	// reset after 5m. A negative trip_failures disables pausing.
	TripFailures   int    `json:"trip_failures,omitempty"`
	TripBaseDelay  string `json:"trip_base_delay,omitempty"`
	TripMaxDelay   string `json:"trip_max_delay,omitempty"`
	TripResetAfter string `json:"trip_reset_after,omitempty"`
}

// StorageConfig controls the job history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./asyncproc.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SystemdConfig controls sd_notify integration. Both are no-ops outside a
// systemd unit.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// DebugConfig controls the diagnostics listener: /healthz, /snapshot (JSON)
// and pprof under prefix.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout stays 0 by default so /profile can run for 30s+.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. 0 keeps Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// Schedule kinds.
const (
	KindCommand   = "command"
	KindLog       = "log"
	KindSystemctl = "systemctl"
	KindUnit      = "unit"
)

// ScheduleConfig declares a recurring job.
//
// Kinds:
//   - "command": run Command (argv) with an optional Timeout
//   - "log": write Message to the log (heartbeats)
//   - "systemctl": run a unit action (start, stop, restart, reload, recover)
//     through the systemctl binary
//   - "unit": the same actions submitted over D-Bus, waiting for the job result
type ScheduleConfig struct {
	Name     string `json:"name"`
	Spec     string `json:"spec"`
	Priority string `json:"priority,omitempty"`
	Kind     string `json:"kind"`
	// Enabled is a pointer so an omitted key means enabled.
	Enabled *bool `json:"enabled,omitempty"`

	Command       []string `json:"command,omitempty"`
	Dir           string   `json:"dir,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	KillOnTimeout bool     `json:"kill_on_timeout,omitempty"`

	Message string `json:"message,omitempty"`

	Unit   string `json:"unit,omitempty"`
	Action string `json:"action,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Validate checks field shapes. Spec and priority strings are checked by the
// components that parse them.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseDurationField("processor.idle_period", c.Processor.IdlePeriod); err != nil {
		errs = append(errs, err)
	}
	for _, f := range [][2]string{
		{"scheduler.trip_base_delay", c.Scheduler.TripBaseDelay},
		{"scheduler.trip_max_delay", c.Scheduler.TripMaxDelay},
		{"scheduler.trip_reset_after", c.Scheduler.TripResetAfter},
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f[0], f[1]); err != nil {
			errs = append(errs, err)
		}
	}
	if n := c.Processor.MaxWaitHandles; n != 0 && n < 3 {
		errs = append(errs, fmt.Errorf("processor.max_wait_handles: must be >= 3, got %d", n))
	}
	if c.Storage != nil {
		switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", d))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Schedules))
	for i, s := range c.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(s.Spec) == "" {
			errs = append(errs, fmt.Errorf("%s.spec: required", path))
		}
		if _, err := ParseDurationField(path+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
		switch s.Kind {
		case KindCommand:
			if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
				errs = append(errs, fmt.Errorf("%s.command: required for kind %q", path, s.Kind))
			}
		case KindLog:
		case KindSystemctl, KindUnit:
			if strings.TrimSpace(s.Unit) == "" {
				errs = append(errs, fmt.Errorf("%s.unit: required for kind %q", path, s.Kind))
			}
			if !systemd.ValidAction(s.Action) {
				errs = append(errs, fmt.Errorf("%s.action: unsupported %q", path, s.Action))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q", path, s.Kind))
		}
	}
	return errors.Join(errs...)
}
