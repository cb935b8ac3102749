package engine

import (
	"syscall"
	"time"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

// reconcile diffs the configured watch-set against running state: kills
// processes whose config entry disappeared and restarts missing ones through
// the rate gate. Runs synchronously at the end of every dispatch tick.
func (e *Engine) reconcile(now time.Time) {
	// Normally a reload already dropped stale entries; this sweep is the
	// reconciler's half of the contract and catches any drift between them.
	for name, st := range e.store.watched {
		if _, ok := e.set.WatchedByName(name); ok {
			continue
		}
		if st.handle != nil {
			e.log.Info("killing removed watched job", logx.String("job", name), logx.Int("pid", st.pid))
			if err := st.handle.Kill(syscall.SIGTERM); err != nil {
				e.log.Warn("kill failed", logx.String("job", name), logx.Err(err))
			}
			e.publish(eventbus.Event{Type: eventbus.WatchKilled, Job: name, Watched: true, PID: st.pid})
		}
		_ = st.out.Close()
		delete(e.store.watched, name)
		e.publish(eventbus.Event{Type: eventbus.JobRemoved, Job: name})
	}

	for i := range e.set.Watched {
		sp := &e.set.Watched[i]
		st := e.store.watched[sp.Name]
		if st.Running() || st.retryPending {
			continue
		}
		e.restartWatched(sp, st, now)
	}
}

// restartWatched attempts one (re)start of a watched job through the rate
// gate: if the global minimum spacing since the last start has not elapsed,
// the restart is deferred for exactly the remaining wait and marked pending
// so no duplicate timer is armed.
func (e *Engine) restartWatched(sp *WatchedSpec, st *WatchedState, now time.Time) {
	if limit := e.settings.RateLimit; limit > 0 && !st.lastRun.IsZero() {
		if wait := limit - now.Sub(st.lastRun); wait > 0 {
			st.retryPending = true
			e.deferRetry(sp.Name, wait)
			e.log.Info("restart deferred", logx.String("job", sp.Name), logx.Duration("wait", wait))
			e.publish(eventbus.Event{Type: eventbus.WatchDeferred, Job: sp.Name, Watched: true})
			return
		}
	}

	envList, envMap := ComposeEnv(sp.Env)
	out, err := ensureOutput(&st.out, sp.Output)
	if err != nil {
		e.log.Warn("output open failed; discarding output",
			logx.String("job", sp.Name), logx.String("path", sp.Output), logx.Err(err))
		out = nil
	}

	h, err := e.launcher.Spawn(Command{
		Job:    sp.Name,
		Line:   sp.Command,
		Env:    envList,
		EnvMap: envMap,
		Dir:    sp.Dir,
		Output: out,
	})
	if err != nil {
		// State stays not-running; the next tick (or retry timer) tries again.
		e.log.Error("spawn failed", logx.String("job", sp.Name), logx.Err(err))
		e.notify(KindError, sp.Name, 0, spawnErrBody(sp.Output, err))
		e.publish(eventbus.Event{Type: eventbus.SpawnFailed, Job: sp.Name, Watched: true, Err: err.Error()})
		return
	}

	st.handle = h
	st.pid = h.PID()
	st.lastRun = now
	st.retryPending = false
	e.log.Info("watched job started", logx.String("job", sp.Name), logx.Int("pid", st.pid))
	e.publish(eventbus.Event{Type: eventbus.WatchRestarted, Job: sp.Name, Watched: true, PID: st.pid, Time: now})
	e.awaitExit(sp.Name, true, h)
}

// onWatchedExit handles a watched process going away: clean or not, the job
// should be running, so a restart is attempted immediately (subject to the
// rate gate).
func (e *Engine) onWatchedExit(name string, res ExitResult) {
	st, ok := e.store.watched[name]
	if !ok {
		e.log.Debug("exit for unconfigured watched job ignored", logx.String("job", name))
		return
	}
	pid := st.pid
	st.handle = nil
	st.pid = 0
	_ = st.out.Close()
	st.out = nil

	e.log.Warn("watched job exited", logx.String("job", name), logx.Int("pid", pid), logx.String("result", res.String()))
	e.publish(eventbus.Event{Type: eventbus.JobExited, Job: name, Watched: true, PID: pid, ExitCode: res.Code})

	sp, ok := e.set.WatchedByName(name)
	if !ok {
		return
	}
	e.restartWatched(sp, st, e.now())
}

// onRetryDue fires when a deferred-restart timer elapses.
func (e *Engine) onRetryDue(name string) {
	st, ok := e.store.watched[name]
	if !ok {
		// Removed from config while the timer was pending.
		return
	}
	st.retryPending = false
	if st.Running() {
		return
	}
	sp, ok := e.set.WatchedByName(name)
	if !ok {
		return
	}
	e.restartWatched(sp, st, e.now())
}
