// Package systemd builds systemctl invocations for unit actions.
package systemd

import (
	"fmt"
	"slices"
	"strings"
)

const systemctl = "systemctl"

// Actions lists the supported unit actions. "recover" restarts the unit only
// when it is not active.
var Actions = []string{"start", "stop", "restart", "reload", "recover"}

func ValidAction(action string) bool { return slices.Contains(Actions, action) }

// Argv returns the command line performing action on unit.
func Argv(action, unit string) ([]string, error) {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.ContainsAny(unit, " \t\n'\"") {
		return nil, fmt.Errorf("invalid unit %q", unit)
	}
	switch action {
	case "start", "stop", "restart", "reload":
		return []string{systemctl, action, unit}, nil
	case "recover":
		script := fmt.Sprintf("%s is-active --quiet '%s' || %s restart '%s'", systemctl, unit, systemctl, unit)
		return []string{"sh", "-c", script}, nil
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
}
