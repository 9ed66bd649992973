package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

func (k SpecKind) String() string {
	if k == SpecInterval {
		return "interval"
	}
	return "cron"
}

// ParsedSpec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 2 * * *" (seconds optional), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Daily at a wall-clock time: "at:02:30"
//
// Prefixes "cron:", "interval:" and "every:" force the kind.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm" | "daily"
}

// Normalized is the spec as shown in snapshots.
func (p ParsedSpec) Normalized() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var forcedPrefixes = []struct {
	prefix string
	parse  func(string) (ParsedSpec, error)
}{
	{"cron:", parseCronBody},
	{"interval:", parseIntervalSpec},
	{"every:", parseIntervalSpec},
	{"at:", parseDailyAt},
}

// ParseSchedule parses a schedule string into either a cron expression or an interval.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	for _, fp := range forcedPrefixes {
		if strings.HasPrefix(low, fp.prefix) {
			return fp.parse(strings.TrimSpace(s[len(fp.prefix):]))
		}
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if reHHMM.MatchString(s) {
		return parseIntervalSpec(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

// ValidateSpec checks that raw parses and, for cron specs, that the
// expression itself is valid.
func ValidateSpec(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	_, _, err = ps.build(cronParser, time.Now(), "")
	return err
}

func parseCronBody(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		h, m, err := splitHHMM(v, 999)
		if err != nil {
			return ParsedSpec{}, err
		}
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func parseDailyAt(v string) (ParsedSpec, error) {
	h, m, err := splitHHMM(v, 23)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "daily"}, nil
}

// splitHHMM parses "H:MM"/"HH:MM" with hours bounded by maxHour.
func splitHHMM(v string, maxHour int) (int, int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > maxHour {
		return 0, 0, fmt.Errorf("invalid hours in %q", v)
	}
	if mm > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return hh, mm, nil
}

// build turns the spec into a cron.Schedule. Intervals get a startup offset
// keyed by tag.
func (p ParsedSpec) build(parser cron.Parser, now time.Time, tag string) (cron.Schedule, time.Duration, error) {
	if p.Kind == SpecInterval {
		sched, spread := intervalSchedule(p.Every, now, tag)
		return sched, spread, nil
	}
	sched, err := parser.Parse(p.Cron)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
	}
	return sched, 0, nil
}
