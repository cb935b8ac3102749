// Package storage persists per-job last-run timestamps so interval spacing
// and the restart gate survive a daemon restart. It deliberately keeps no run
// history beyond that.
package storage

import (
	"context"
	"strings"
	"time"

	logx "warden/pkg/logx"
)

// Config configures storage. An empty Path disables persistence.
type Config struct {
	Path        string
	BusyTimeout time.Duration // sqlite busy_timeout; 0 means default
}

type Store interface {
	// LastRun returns the persisted timestamp for a job, ok=false when none.
	LastRun(ctx context.Context, name string) (time.Time, bool, error)
	SetLastRun(ctx context.Context, name string, watched bool, at time.Time) error
	// Delete forgets a job removed from config.
	Delete(ctx context.Context, name string) error
	Close() error
}

// Open returns the sqlite store, or a no-op store when no path is configured.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nopStore{}, nil
	}
	return openSQLite(cfg, log)
}

type nopStore struct{}

func (nopStore) LastRun(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (nopStore) SetLastRun(context.Context, string, bool, time.Time) error { return nil }
func (nopStore) Delete(context.Context, string) error                      { return nil }
func (nopStore) Close() error                                              { return nil }
