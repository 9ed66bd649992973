package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "asyncproc/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, fields for a log line
// and the names of schedules that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Processor, newCfg.Processor) {
		changed = append(changed, "processor")
		p := newCfg.Processor
		attrs = append(attrs,
			logx.String("processor.idle_period", strings.TrimSpace(p.IdlePeriod)),
			logx.Int("processor.max_wait_handles", p.MaxWaitHandles),
			logx.Bool("processor.pump_messages", p.PumpMessages),
			logx.Int("processor.history_size", p.HistorySize),
		)
	}

	if was, ns := oldCfg.Scheduler, newCfg.Scheduler; was.Enabled != ns.Enabled ||
		strings.TrimSpace(was.Timezone) != strings.TrimSpace(ns.Timezone) ||
		was.TripFailures != ns.TripFailures ||
		was.TripBaseDelay != ns.TripBaseDelay ||
		was.TripMaxDelay != ns.TripMaxDelay ||
		was.TripResetAfter != ns.TripResetAfter {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", ns.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(ns.Timezone)),
			logx.Int("scheduler.trip_failures", ns.TripFailures),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	// The token value is never logged.
	if od, nd := oldCfg.Debug, newCfg.Debug; od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.String("debug.prefix", strings.TrimSpace(nd.Prefix)),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.enabled_count", countEnabled(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func countEnabled(list []ScheduleConfig) int {
	n := 0
	for _, s := range list {
		if s.IsEnabled() {
			n++
		}
	}
	return n
}

func diffSchedules(oldL, newL []ScheduleConfig) []string {
	index := func(l []ScheduleConfig) map[string]uint64 {
		m := make(map[string]uint64, len(l))
		for _, s := range l {
			m[strings.TrimSpace(s.Name)] = hashJSON(s)
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)

	out := make([]string, 0)
	for name, h := range newM {
		if oh, ok := oldM[name]; !ok || oh != h {
			out = append(out, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// hashJSON fingerprints v by its JSON form. Unencodable values hash to 0.
func hashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
