package engine

import (
	"fmt"
	"strings"
)

// Priority orders ready jobs. Immediate is serviced first, Lowest last.
// The zero value is Normal.
type Priority int

const (
	Normal Priority = iota
	Immediate
	AboveNormal
	BelowNormal
	Lowest
)

// queueKey maps a priority to its queue position; lower runs first.
func (p Priority) queueKey() int {
	switch p {
	case Immediate:
		return 0
	case AboveNormal:
		return 1
	case Normal:
		return 2
	case BelowNormal:
		return 3
	case Lowest:
		return 4
	default:
		return 2
	}
}

func (p Priority) String() string {
	switch p {
	case Immediate:
		return "immediate"
	case AboveNormal:
		return "above_normal"
	case Normal:
		return "normal"
	case BelowNormal:
		return "below_normal"
	case Lowest:
		return "lowest"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses the names produced by Priority.String. Empty input is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "normal":
		return Normal, nil
	case "immediate":
		return Immediate, nil
	case "above_normal", "abovenormal", "high":
		return AboveNormal, nil
	case "below_normal", "belownormal", "low":
		return BelowNormal, nil
	case "lowest":
		return Lowest, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}
