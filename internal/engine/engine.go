// Package engine implements the scheduling/watchdog core: the per-job state
// machine, dependency chaining, the rate-limited restart policy, and
// reload reconciliation.
//
// Concurrency model: a single goroutine (Run) owns every piece of mutable
// state. Process waits, deferred-restart timers, and reloads communicate with
// it exclusively through the internal event channel, so no state needs locks.
// A full dispatch tick (schedule sweep + watchdog reconciliation) runs to
// completion before the next tick or event is taken.
package engine

import (
	"context"
	"syscall"
	"time"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

// Notification kinds handed to the sink.
const (
	KindError       = "error"
	KindNonzeroExit = "nonzero exit"
)

// Notifier is the fire-and-forget alerting collaborator. Implementations must
// never block; delivery failures are theirs to log.
type Notifier interface {
	Notify(kind, job string, pid int, body string)
}

type envKind int

const (
	evExit envKind = iota
	evRetry
	evApply
)

type envelope struct {
	kind    envKind
	name    string
	watched bool
	res     ExitResult

	// evApply payload
	set      *SpecSet
	settings Settings
	done     chan struct{}
}

type Engine struct {
	log      logx.Logger
	launcher Launcher
	notifier Notifier
	bus      eventbus.Bus

	now   func() time.Time
	after func(d time.Duration, fn func()) // schedules a deferred-restart fire

	settings Settings
	set      *SpecSet
	store    *Store
	seed     Seed

	events chan envelope
	runCtx context.Context
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option     { return func(e *Engine) { e.log = log } }
func WithLauncher(l Launcher) Option        { return func(e *Engine) { e.launcher = l } }
func WithNotifier(n Notifier) Option        { return func(e *Engine) { e.notifier = n } }
func WithBus(b eventbus.Bus) Option         { return func(e *Engine) { e.bus = b } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithSeed installs a persisted last-run lookup applied to jobs entering the
// state store for the first time.
func WithSeed(s Seed) Option { return func(e *Engine) { e.seed = s } }

// WithTimerFunc replaces the deferred-restart timer source (tests).
func WithTimerFunc(fn func(d time.Duration, f func())) Option {
	return func(e *Engine) { e.after = fn }
}

func New(set *SpecSet, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		log:      logx.Nop(),
		launcher: NewExecLauncher(),
		now:      time.Now,
		settings: normalize(settings),
		set:      set,
		store:    NewStore(),
		events:   make(chan envelope, 64),
	}
	e.after = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	for _, o := range opts {
		o(e)
	}
	e.store.Apply(set, e.seed, nil)
	return e
}

func normalize(s Settings) Settings {
	if s.CheckInterval <= 0 {
		s.CheckInterval = DefaultCheckInterval
	}
	if s.RateLimit < 0 {
		s.RateLimit = 0
	}
	return s
}

// Run drives the engine until ctx is canceled. It owns all engine state; no
// other goroutine may touch it.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	ticker := time.NewTicker(e.settings.CheckInterval)
	defer ticker.Stop()

	e.log.Info("engine started",
		logx.Duration("check_interval", e.settings.CheckInterval),
		logx.Duration("rate_limit", e.settings.RateLimit),
		logx.Int("scheduled", len(e.set.Scheduled)),
		logx.Int("watched", len(e.set.Watched)))

	// First sweep immediately so fresh jobs don't wait a full period.
	e.tick(e.now())

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-ticker.C:
			e.tick(e.now())
		case ev := <-e.events:
			e.handle(ev, ticker)
		}
	}
}

// ApplySpecs swaps in a new configuration generation. It blocks until the
// engine loop has reconciled state against it (or ctx expires).
func (e *Engine) ApplySpecs(ctx context.Context, set *SpecSet, settings Settings) error {
	done := make(chan struct{})
	ev := envelope{kind: evApply, set: set, settings: normalize(settings), done: done}
	select {
	case e.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick is one dispatch pass: schedule sweep in declaration order, then
// watchdog reconciliation. Due jobs fire exactly once; there is no catch-up
// of missed intervals.
func (e *Engine) tick(now time.Time) {
	for i := range e.set.Scheduled {
		sp := &e.set.Scheduled[i]
		if sp.Trigger.Kind == TriggerAfter {
			continue
		}
		st := e.store.scheduled[sp.Name]
		if sp.Trigger.Due(st.lastRun, now) {
			e.runScheduled(sp, st, now)
		}
	}
	e.reconcile(now)
}

func (e *Engine) handle(ev envelope, ticker *time.Ticker) {
	switch ev.kind {
	case evExit:
		if ev.watched {
			e.onWatchedExit(ev.name, ev.res)
		} else {
			e.onScheduledExit(ev.name, ev.res)
		}
	case evRetry:
		e.onRetryDue(ev.name)
	case evApply:
		e.applySpecs(ev.set, ev.settings, ticker)
		close(ev.done)
	}
}

func (e *Engine) applySpecs(set *SpecSet, settings Settings, ticker *time.Ticker) {
	if settings.CheckInterval != e.settings.CheckInterval && ticker != nil {
		ticker.Reset(settings.CheckInterval)
	}
	e.settings = settings
	e.set = set

	removed := e.store.Apply(set, e.seed, func(name string, h Handle) {
		e.log.Info("killing removed watched job", logx.String("job", name), logx.Int("pid", h.PID()))
		if err := h.Kill(syscall.SIGTERM); err != nil {
			e.log.Warn("kill failed", logx.String("job", name), logx.Err(err))
		}
		e.publish(eventbus.Event{Type: eventbus.WatchKilled, Job: name, Watched: true, PID: h.PID()})
	})
	for _, name := range removed {
		e.publish(eventbus.Event{Type: eventbus.JobRemoved, Job: name})
	}

	e.log.Info("config applied",
		logx.Int("scheduled", len(set.Scheduled)),
		logx.Int("watched", len(set.Watched)),
		logx.Int("removed", len(removed)))
}

// awaitExit watches one live process and posts its exit back to the loop.
func (e *Engine) awaitExit(name string, watched bool, h Handle) {
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		res := h.Wait()
		select {
		case e.events <- envelope{kind: evExit, name: name, watched: watched, res: res}:
		case <-ctx.Done():
		}
	}()
}

// deferRetry arms the pending-restart timer for a watched job.
func (e *Engine) deferRetry(name string, wait time.Duration) {
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	e.after(wait, func() {
		select {
		case e.events <- envelope{kind: evRetry, name: name}:
		case <-ctx.Done():
		}
	})
}

// shutdown terminates watched processes (they are our children; orphaning
// them would double-spawn after the next start) and releases output handles.
// Scheduled jobs in flight are left to finish on their own.
func (e *Engine) shutdown() {
	for name, st := range e.store.watched {
		if st.handle == nil {
			continue
		}
		e.log.Info("stopping watched job", logx.String("job", name), logx.Int("pid", st.pid))
		if err := st.handle.Kill(syscall.SIGTERM); err != nil {
			e.log.Warn("kill failed", logx.String("job", name), logx.Err(err))
		}
	}
	e.store.CloseAll()
	e.log.Info("engine stopped")
}

func (e *Engine) notify(kind, job string, pid int, body string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(kind, job, pid, body)
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.bus.Publish(ev)
}
