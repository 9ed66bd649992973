package app

import (
	"context"
	"sync"

	"asyncproc/pkg/systemdmanager"
)

// unitConn dials the system bus on first use so hosts without "unit"
// schedules never need D-Bus access.
type unitConn struct {
	mu   sync.Mutex
	mgr  *systemdmanager.Manager
	dial func(context.Context) (*systemdmanager.Manager, error)
}

func newUnitConn() *unitConn { return &unitConn{dial: systemdmanager.Connect} }

func (u *unitConn) get(ctx context.Context) (*systemdmanager.Manager, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.mgr != nil {
		return u.mgr, nil
	}
	m, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.mgr = m
	return m, nil
}

func (u *unitConn) Submit(ctx context.Context, action, unit string, result chan<- string) error {
	m, err := u.get(ctx)
	if err != nil {
		return err
	}
	return m.Submit(ctx, action, unit, result)
}

func (u *unitConn) ActiveState(ctx context.Context, unit string) (string, error) {
	m, err := u.get(ctx)
	if err != nil {
		return "", err
	}
	return m.ActiveState(ctx, unit)
}

func (u *unitConn) Close() error {
	u.mu.Lock()
	m := u.mgr
	u.mgr = nil
	u.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}
