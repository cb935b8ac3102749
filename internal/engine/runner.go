package engine

import (
	"fmt"
	"time"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

// lastRunToken is the only dynamic-argument substitution defined today.
const lastRunToken = "last_run"

const timestampLayout = "2006-01-02 15:04:05"

// runScheduled starts one scheduled job, guarding against re-entrant runs.
// A job already running is skipped, never queued.
func (e *Engine) runScheduled(sp *ScheduledSpec, st *ScheduledState, now time.Time) {
	if st.Running() {
		e.log.Debug("job still running; skipping", logx.String("job", sp.Name), logx.Int("pid", st.pid))
		return
	}

	args := e.resolveArgs(sp, st)
	envList, envMap := ComposeEnv(sp.Env)

	out, err := ensureOutput(&st.out, sp.Output)
	if err != nil {
		// The job still runs; its output is discarded for this run.
		e.log.Warn("output open failed; discarding output",
			logx.String("job", sp.Name), logx.String("path", sp.Output), logx.Err(err))
		out = nil
	}

	h, err := e.launcher.Spawn(Command{
		Job:       sp.Name,
		Line:      sp.Command,
		ExtraArgs: args,
		Env:       envList,
		EnvMap:    envMap,
		Dir:       sp.Dir,
		Output:    out,
	})
	if err != nil {
		e.log.Error("spawn failed", logx.String("job", sp.Name), logx.Err(err))
		e.notify(KindError, sp.Name, 0, spawnErrBody(sp.Output, err))
		e.publish(eventbus.Event{Type: eventbus.SpawnFailed, Job: sp.Name, Err: err.Error()})
		return
	}

	st.handle = h
	st.pid = h.PID()
	st.lastRun = now
	e.log.Info("job started", logx.String("job", sp.Name), logx.Int("pid", st.pid))
	e.publish(eventbus.Event{Type: eventbus.JobSpawned, Job: sp.Name, PID: st.pid, Time: now})
	e.awaitExit(sp.Name, false, h)
}

// resolveArgs substitutes the job's dynamic-argument tokens. Unrecognized
// tokens are logged and passed through unexpanded.
func (e *Engine) resolveArgs(sp *ScheduledSpec, st *ScheduledState) []string {
	if len(sp.Args) == 0 {
		return nil
	}
	out := make([]string, 0, len(sp.Args))
	for _, tok := range sp.Args {
		switch tok {
		case lastRunToken:
			out = append(out, st.lastRun.Format(timestampLayout))
		default:
			e.log.Warn("unrecognized dynamic argument", logx.String("job", sp.Name), logx.String("arg", tok))
			out = append(out, tok)
		}
	}
	return out
}

// onScheduledExit handles the asynchronous completion of a scheduled job:
// clear the handle, release the output handle, alert on abnormal exits, and
// scan for chained dependents.
func (e *Engine) onScheduledExit(name string, res ExitResult) {
	st, ok := e.store.scheduled[name]
	if !ok {
		// Removed by a reload while running; nothing to update and nothing
		// chains off a name absent from the current config.
		e.log.Debug("exit for unconfigured job ignored", logx.String("job", name))
		return
	}
	pid := st.pid
	st.handle = nil
	st.pid = 0
	_ = st.out.Close()
	st.out = nil

	sp, _ := e.set.ScheduledByName(name)
	if res.Success() {
		e.log.Info("job finished", logx.String("job", name), logx.Int("pid", pid))
	} else {
		e.log.Warn("job failed", logx.String("job", name), logx.Int("pid", pid), logx.String("result", res.String()))
		e.notify(KindNonzeroExit, name, pid, exitBody(sp.Output, res))
	}
	e.publish(eventbus.Event{Type: eventbus.JobExited, Job: name, PID: pid, ExitCode: res.Code})

	// Chaining scan. Dependents fire per their chain policy (default: after
	// every completion, success or failure alike); the run guard applies at
	// every step, so a dependent already running is skipped, not queued.
	for _, dep := range e.set.Dependents(name) {
		dsp, ok := e.set.ScheduledByName(dep)
		if !ok {
			continue
		}
		if dsp.Chain == ChainOnSuccess && !res.Success() {
			e.log.Debug("dependent skipped (predecessor failed)",
				logx.String("job", dep), logx.String("after", name))
			continue
		}
		e.runScheduled(dsp, e.store.scheduled[dep], e.now())
	}
}

func spawnErrBody(output string, err error) string {
	body := fmt.Sprintf("could not start: %v", err)
	if output != "" {
		body += "\nsee " + output
	}
	return body
}

func exitBody(output string, res ExitResult) string {
	body := res.String()
	if output != "" {
		body += "\nsee " + output
	}
	return body
}
