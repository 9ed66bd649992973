package app

import (
	"fmt"
	"strings"
	"time"

	"asyncproc/internal/config"
	"asyncproc/internal/observability/debugsrv"
	"asyncproc/internal/storage"
	"asyncproc/internal/task/engine"
	"asyncproc/internal/task/scheduler"
	logx "asyncproc/pkg/logx"
)

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapProcessorConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.DefaultConfig()
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Processor
	if name := strings.TrimSpace(pc.Name); name != "" {
		out.Name = name
	}
	idle, err := config.ParseDurationOrDefault("processor.idle_period", pc.IdlePeriod, engine.DefaultIdlePeriod)
	if err != nil {
		return engine.Config{}, err
	}
	out.IdlePeriod = idle
	if pc.AllowReentrancy != nil {
		out.AllowReentrancy = *pc.AllowReentrancy
	}
	out.PumpMessages = pc.PumpMessages
	out.LockOSThread = pc.LockOSThread
	if pc.MaxWaitHandles != 0 {
		if pc.MaxWaitHandles < 3 {
			return engine.Config{}, fmt.Errorf("processor.max_wait_handles must be >= 3")
		}
		out.MaxWaitHandles = pc.MaxWaitHandles
	}
	if pc.FaultLogPerSec != 0 {
		out.FaultLogPerSec = pc.FaultLogPerSec
	}
	if pc.HistorySize > 0 {
		out.HistorySize = pc.HistorySize
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:  sc.Enabled,
		Timezone: strings.TrimSpace(sc.Timezone),
		Breaker:  scheduler.BreakerConfig{TripFailures: sc.TripFailures},
	}
	var err error
	if out.Breaker.BaseDelay, err = config.ParseDurationField("scheduler.trip_base_delay", sc.TripBaseDelay); err != nil {
		return scheduler.Config{}, err
	}
	if out.Breaker.MaxDelay, err = config.ParseDurationField("scheduler.trip_max_delay", sc.TripMaxDelay); err != nil {
		return scheduler.Config{}, err
	}
	if out.Breaker.ResetAfter, err = config.ParseDurationField("scheduler.trip_reset_after", sc.TripResetAfter); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapDebugConfig(c config.DebugConfig) (debugsrv.Config, error) {
	out := debugsrv.Config{
		Enabled:              c.Enabled,
		Addr:                 strings.TrimSpace(c.Addr),
		Prefix:               strings.TrimSpace(c.Prefix),
		Token:                strings.TrimSpace(c.Token),
		AllowInsecure:        c.AllowInsecure,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
		MemProfileRate:       c.MemProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", c.WriteTimeout); err != nil {
		return debugsrv.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", c.IdleTimeout, time.Minute); err != nil {
		return debugsrv.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
