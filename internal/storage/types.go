package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, dependency-free
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention bounds the number of kept runs; 0 means 10000.
	Retention int
}

const defaultRetention = 10000

// RunRecord is one finished job. It is history only: queued jobs are
// never persisted.
type RunRecord struct {
	JobID    string        `json:"job_id"`
	Name     string        `json:"name,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
}

// Store is the run history API.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}
