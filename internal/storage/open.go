package storage

import (
	"context"
	"fmt"
	"strings"

	logx "asyncproc/pkg/logx"
)

// Store is the persistence API used by the history recorder.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	// RecentJobs returns up to limit records, newest first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
