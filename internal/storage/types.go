package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one fired or failed task execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	Elapsed   int       `json:"elapsed"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at"`
	TookMS    int64     `json:"took_ms"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Panicked  bool      `json:"panicked,omitempty"`
}

// Store is the minimal persistence API used by the history recorder.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}
