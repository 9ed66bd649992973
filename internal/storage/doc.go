// Package storage persists job history: one record per finished, failed or
// cancelled job. It is a log for diagnostics, not a durable queue.
//
// Drivers:
//   - "file": JSON Lines, no dependencies
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
