// Package systemdmanager submits unit jobs to systemd over D-Bus.
package systemdmanager

import (
	"errors"
	"path"
	"strings"
)

var (
	ErrClosed      = errors.New("systemd connection is closed")
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
)

// Unit states reported by ActiveState besides systemd's own.
const (
	StateNotFound = "not-found"
)

// Job results systemd reports for a finished unit job.
const (
	ResultDone       = "done"
	ResultCanceled   = "canceled"
	ResultTimeout    = "timeout"
	ResultFailed     = "failed"
	ResultDependency = "dependency"
	ResultSkipped    = "skipped"
)

// UnitName appends ".service" to bare names ("nginx" -> "nginx.service").
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || path.Ext(name) != "" {
		return name
	}
	return name + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
