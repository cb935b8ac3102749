package engine

import (
	"io"
	"os"
	"time"
)

// outputFile is the single owned output handle a job may hold. It is opened
// append-mode so a path change or restart never truncates earlier output.
type outputFile struct {
	path string
	f    *os.File
}

func openOutput(path string) (*outputFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &outputFile{path: path, f: f}, nil
}

func (o *outputFile) Close() error {
	if o == nil || o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}

// ScheduledState is the mutable runtime state of one scheduled job.
// All fields are owned by the engine loop goroutine; no locking.
type ScheduledState struct {
	handle  Handle
	pid     int
	lastRun time.Time
	out     *outputFile
}

func (st *ScheduledState) Running() bool { return st.handle != nil }

// LastRun returns the last successful spawn time (zero = never ran).
func (st *ScheduledState) LastRun() time.Time { return st.lastRun }

// WatchedState is the mutable runtime state of one watched job.
type WatchedState struct {
	handle  Handle
	pid     int
	lastRun time.Time

	// retryPending marks a scheduled deferred restart, preventing duplicate
	// timers for the same job.
	retryPending bool

	out *outputFile
}

func (st *WatchedState) Running() bool      { return st.handle != nil }
func (st *WatchedState) LastRun() time.Time { return st.lastRun }

// ensureOutput gives the job's current output writer for the configured path,
// closing a previously owned handle first whenever the path changed.
// An empty path means discard (nil writer).
func ensureOutput(out **outputFile, path string) (io.Writer, error) {
	cur := *out
	if cur != nil && cur.path != path {
		_ = cur.Close()
		*out = nil
		cur = nil
	}
	if path == "" {
		return nil, nil
	}
	if cur == nil {
		o, err := openOutput(path)
		if err != nil {
			return nil, err
		}
		*out = o
		cur = o
	}
	return cur.f, nil
}

// Store holds per-job runtime state keyed by job name. It is created at
// initial load and reconciled on every reload; entries for retained names are
// never touched by a reload.
type Store struct {
	scheduled map[string]*ScheduledState
	watched   map[string]*WatchedState
}

func NewStore() *Store {
	return &Store{
		scheduled: map[string]*ScheduledState{},
		watched:   map[string]*WatchedState{},
	}
}

// Seed provides a persisted last-run timestamp for a job that is new to the
// state store. Returning ok=false leaves the "never ran" sentinel in place.
type Seed func(name string) (lastRun time.Time, ok bool)

// Apply reconciles the store against a new spec generation:
//   - names retained keep their entries untouched (handle, last_run, timers)
//   - removed watched jobs have their live process killed via killWatched and
//     their entries dropped
//   - removed scheduled jobs have their entries dropped (a live process keeps
//     running; its exit event will find no state and be ignored)
//   - new names get fresh entries, seeded from persisted last-run if available
//
// Removed returns the names dropped from state, so callers can prune
// persistence.
func (s *Store) Apply(set *SpecSet, seed Seed, killWatched func(name string, h Handle)) (removed []string) {
	for name, st := range s.watched {
		if _, ok := set.WatchedByName(name); ok {
			continue
		}
		if st.handle != nil && killWatched != nil {
			killWatched(name, st.handle)
		}
		_ = st.out.Close()
		delete(s.watched, name)
		removed = append(removed, name)
	}
	for name, st := range s.scheduled {
		if _, ok := set.ScheduledByName(name); ok {
			continue
		}
		_ = st.out.Close()
		delete(s.scheduled, name)
		removed = append(removed, name)
	}

	for i := range set.Scheduled {
		name := set.Scheduled[i].Name
		if _, ok := s.scheduled[name]; ok {
			continue
		}
		st := &ScheduledState{}
		if seed != nil {
			if t, ok := seed(name); ok {
				st.lastRun = t
			}
		}
		s.scheduled[name] = st
	}
	for i := range set.Watched {
		name := set.Watched[i].Name
		if _, ok := s.watched[name]; ok {
			continue
		}
		st := &WatchedState{}
		if seed != nil {
			if t, ok := seed(name); ok {
				st.lastRun = t
			}
		}
		s.watched[name] = st
	}
	return removed
}

// CloseAll releases every owned output handle. Used at shutdown.
func (s *Store) CloseAll() {
	for _, st := range s.scheduled {
		_ = st.out.Close()
		st.out = nil
	}
	for _, st := range s.watched {
		_ = st.out.Close()
		st.out = nil
	}
}
