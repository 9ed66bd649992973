//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one system bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect dials the system bus. If ctx is nil, context.Background() is used.
func Connect(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Submit queues action ("start", "stop", "restart" or "reload") for unit in
// "replace" mode. It returns once systemd accepted the job; the job result
// is sent on result later.
func (m *Manager) Submit(ctx context.Context, action, unit string, result chan<- string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return ErrClosed
	}

	name := UnitName(unit)
	var err error
	switch action {
	case "start":
		_, err = m.conn.StartUnitContext(ctx, name, "replace", result)
	case "stop":
		_, err = m.conn.StopUnitContext(ctx, name, "replace", result)
	case "restart":
		_, err = m.conn.RestartUnitContext(ctx, name, "replace", result)
	case "reload":
		_, err = m.conn.ReloadUnitContext(ctx, name, "replace", result)
	default:
		return fmt.Errorf("unsupported unit action %q", action)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, name, err)
	}
	return nil
}

// ActiveState returns the unit's ActiveState ("active", "failed", ...), or
// StateNotFound when systemd does not know the unit.
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return "", ErrClosed
	}
	name := UnitName(unit)

	// Fast path: core state without pulling the full unit property map.
	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{name})
	if err == nil {
		for _, u := range units {
			if u.Name != name {
				continue
			}
			if u.LoadState == StateNotFound {
				return StateNotFound, nil
			}
			return u.ActiveState, nil
		}
	}

	// Units that are not loaded are missing from the list.
	prop, err := conn.GetUnitPropertyContext(ctx, name, "ActiveState")
	if err != nil {
		if isNoSuchUnitErr(err) {
			return StateNotFound, nil
		}
		return "", fmt.Errorf("failed to get status for %s: %w", name, err)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState for %s: %v", name, prop.Value)
	}
	return state, nil
}
