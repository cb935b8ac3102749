package engine

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// The engine loop is single-threaded, so tests drive it directly: call tick
// and feed completed waits back through handle, no Run goroutine involved.

type fakeHandle struct {
	pid int
	res chan ExitResult

	mu   sync.Mutex
	sigs []os.Signal
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Kill(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sigs = append(h.sigs, sig)
	return nil
}

func (h *fakeHandle) Wait() ExitResult { return <-h.res }

func (h *fakeHandle) exit(r ExitResult) { h.res <- r }

func (h *fakeHandle) killed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sigs)
}

type spawnRec struct {
	job  string
	args []string
	h    *fakeHandle
}

type fakeLauncher struct {
	mu      sync.Mutex
	spawns  []spawnRec
	fail    map[string]error
	nextPID int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{fail: map[string]error{}, nextPID: 100}
}

func (l *fakeLauncher) Spawn(cmd Command) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[cmd.Job]; err != nil {
		return nil, err
	}
	l.nextPID++
	h := &fakeHandle{pid: l.nextPID, res: make(chan ExitResult, 1)}
	l.spawns = append(l.spawns, spawnRec{job: cmd.Job, args: cmd.ExtraArgs, h: h})
	return h, nil
}

func (l *fakeLauncher) count(job string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.spawns {
		if s.job == job {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) last(t *testing.T, job string) spawnRec {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.spawns) - 1; i >= 0; i-- {
		if l.spawns[i].job == job {
			return l.spawns[i]
		}
	}
	t.Fatalf("no spawn recorded for %q", job)
	return spawnRec{}
}

type notifyCall struct {
	kind, job, body string
	pid             int
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) Notify(kind, job string, pid int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{kind: kind, job: job, pid: pid, body: body})
}

func (n *fakeNotifier) all() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

type timerRec struct {
	d  time.Duration
	fn func()
}

// pump delivers the next async engine event (process exit, retry fire) back
// into the loop, as Run's select would.
func pump(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case ev := <-e.events:
		e.handle(ev, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine event")
	}
}

func interval(name, every string) ScheduledSpec {
	tr, err := ParseWhen("every " + every)
	if err != nil {
		panic(err)
	}
	return ScheduledSpec{Name: name, Command: "/bin/true", Trigger: tr}
}

func chained(name, after string, policy ChainPolicy) ScheduledSpec {
	return ScheduledSpec{
		Name:    name,
		Command: "/bin/true",
		Trigger: Trigger{Kind: TriggerAfter, After: after, Expr: "after " + after},
		Chain:   policy,
	}
}

func TestIntervalDispatch(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	set := NewSpecSet([]ScheduledSpec{interval("job", "30s")}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(set, Settings{CheckInterval: time.Second}, WithLauncher(l))

	e.tick(base)
	if got := l.count("job"); got != 1 {
		t.Fatalf("spawns after first tick = %d, want 1", got)
	}

	l.last(t, "job").h.exit(ExitResult{Code: 0})
	pump(t, e)

	e.tick(base.Add(29 * time.Second))
	if got := l.count("job"); got != 1 {
		t.Fatalf("fired before the interval elapsed: %d spawns", got)
	}
	e.tick(base.Add(30 * time.Second))
	if got := l.count("job"); got != 2 {
		t.Fatalf("spawns at the interval boundary = %d, want 2", got)
	}
}

func TestRunGuardSkipsLiveJob(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	set := NewSpecSet([]ScheduledSpec{interval("slow", "30s")}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(set, Settings{}, WithLauncher(l))

	e.tick(base)
	e.tick(base.Add(time.Minute))
	e.tick(base.Add(10 * time.Minute))
	if got := l.count("slow"); got != 1 {
		t.Fatalf("live job re-spawned: %d spawns, want 1", got)
	}
	if lr := e.store.scheduled["slow"].LastRun(); !lr.Equal(base) {
		t.Fatalf("lastRun = %v, want spawn time %v", lr, base)
	}
}

func TestChainingPolicies(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	set := NewSpecSet([]ScheduledSpec{
		interval("a", "30s"),
		chained("b", "a", ChainAlways),
		chained("c", "b", ChainOnSuccess),
	}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(set, Settings{}, WithLauncher(l), WithClock(func() time.Time { return base }))

	e.tick(base)
	if got := l.count("a") + l.count("b") + l.count("c"); got != 1 {
		t.Fatalf("only the root should fire on a tick, got %d spawns", got)
	}

	// a fails; b chains anyway (ChainAlways), c does not exist yet.
	l.last(t, "a").h.exit(ExitResult{Code: 1})
	pump(t, e)
	if got := l.count("b"); got != 1 {
		t.Fatalf("b spawns after failed a = %d, want 1", got)
	}

	// b fails; c requires success and is skipped.
	l.last(t, "b").h.exit(ExitResult{Code: 1})
	pump(t, e)
	if got := l.count("c"); got != 0 {
		t.Fatalf("c spawned despite failed predecessor: %d", got)
	}

	// Second round: everything succeeds, so the whole chain fires.
	e.tick(base.Add(time.Minute))
	l.last(t, "a").h.exit(ExitResult{Code: 0})
	pump(t, e)
	l.last(t, "b").h.exit(ExitResult{Code: 0})
	pump(t, e)
	if got := l.count("c"); got != 1 {
		t.Fatalf("c spawns after clean chain = %d, want 1", got)
	}
}

func TestChainSkipsRunningDependent(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	set := NewSpecSet([]ScheduledSpec{
		interval("a", "30s"),
		chained("b", "a", ChainAlways),
	}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(set, Settings{}, WithLauncher(l), WithClock(func() time.Time { return base }))

	e.tick(base)
	l.last(t, "a").h.exit(ExitResult{Code: 0})
	pump(t, e) // b starts and keeps running

	e.tick(base.Add(time.Minute)) // a again
	l.last(t, "a").h.exit(ExitResult{Code: 0})
	pump(t, e) // b still live: chain must skip, not queue

	if got := l.count("b"); got != 1 {
		t.Fatalf("running dependent re-spawned: %d spawns, want 1", got)
	}
}

func TestLastRunArgument(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	sp := interval("sync", "30s")
	sp.Args = []string{"last_run"}
	set := NewSpecSet([]ScheduledSpec{sp}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(set, Settings{}, WithLauncher(l))

	e.tick(base)
	first := l.last(t, "sync")
	if len(first.args) != 1 || first.args[0] != (time.Time{}).Format(timestampLayout) {
		t.Fatalf("first run args = %v, want zero-time sentinel", first.args)
	}

	first.h.exit(ExitResult{Code: 0})
	pump(t, e)

	e.tick(base.Add(time.Minute))
	second := l.last(t, "sync")
	want := base.Format(timestampLayout)
	if len(second.args) != 1 || second.args[0] != want {
		t.Fatalf("second run args = %v, want [%q]", second.args, want)
	}
}

func TestSeededLastRunDefersFirstFire(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	set := NewSpecSet([]ScheduledSpec{interval("job", "30s")}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := func(name string) (time.Time, bool) { return base.Add(-10 * time.Second), true }
	e := New(set, Settings{}, WithLauncher(l), WithSeed(seed))

	e.tick(base)
	if got := l.count("job"); got != 0 {
		t.Fatalf("seeded job fired early: %d spawns", got)
	}
	e.tick(base.Add(20 * time.Second))
	if got := l.count("job"); got != 1 {
		t.Fatalf("seeded job did not fire when due: %d spawns", got)
	}
}

func TestNonzeroExitNotifies(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	n := &fakeNotifier{}
	sp := interval("job", "30s")
	sp.Output = "/var/log/job.log"
	set := NewSpecSet([]ScheduledSpec{sp}, nil)
	e := New(set, Settings{}, WithLauncher(l), WithNotifier(n))

	e.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := l.last(t, "job")
	rec.h.exit(ExitResult{Code: 2})
	pump(t, e)

	calls := n.all()
	if len(calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.kind != KindNonzeroExit || c.job != "job" || c.pid != rec.h.pid {
		t.Fatalf("unexpected notification: %+v", c)
	}
	if !strings.Contains(c.body, "exit 2") || !strings.Contains(c.body, "/var/log/job.log") {
		t.Fatalf("notification body = %q", c.body)
	}
}

func TestSpawnFailureNotifies(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	l.fail["job"] = os.ErrNotExist
	n := &fakeNotifier{}
	set := NewSpecSet([]ScheduledSpec{interval("job", "30s")}, nil)
	e := New(set, Settings{}, WithLauncher(l), WithNotifier(n))

	e.tick(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	calls := n.all()
	if len(calls) != 1 || calls[0].kind != KindError {
		t.Fatalf("notifications = %+v, want one %q", calls, KindError)
	}
}

func TestWatchdogRestartAndRateGate(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	var (
		mu     sync.Mutex
		timers []timerRec
	)
	after := func(d time.Duration, fn func()) {
		mu.Lock()
		defer mu.Unlock()
		timers = append(timers, timerRec{d: d, fn: fn})
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }

	set := NewSpecSet(nil, []WatchedSpec{{Name: "svc", Command: "/bin/svc"}})
	e := New(set, Settings{RateLimit: time.Minute},
		WithLauncher(l), WithClock(clock), WithTimerFunc(after))

	e.tick(base)
	if got := l.count("svc"); got != 1 {
		t.Fatalf("initial spawns = %d, want 1", got)
	}

	// Dies 10s in: restart must be deferred for the remaining 50s.
	now = base.Add(10 * time.Second)
	l.last(t, "svc").h.exit(ExitResult{Code: -1, Signal: "killed"})
	pump(t, e)
	if got := l.count("svc"); got != 1 {
		t.Fatalf("restarted inside the rate window: %d spawns", got)
	}
	mu.Lock()
	if len(timers) != 1 || timers[0].d != 50*time.Second {
		t.Fatalf("timers = %+v, want one 50s deferral", timers)
	}
	fire := timers[0].fn
	mu.Unlock()

	// Ticks while the retry is pending must not double-arm or spawn.
	e.tick(base.Add(20 * time.Second))
	e.tick(base.Add(40 * time.Second))
	mu.Lock()
	if len(timers) != 1 {
		t.Fatalf("duplicate deferral timers: %d", len(timers))
	}
	mu.Unlock()
	if got := l.count("svc"); got != 1 {
		t.Fatalf("spawned while deferred: %d", got)
	}

	// Timer fires at exactly last_run + limit.
	now = base.Add(time.Minute)
	fire()
	pump(t, e)
	if got := l.count("svc"); got != 2 {
		t.Fatalf("spawns after deferral elapsed = %d, want 2", got)
	}
	if lr := e.store.watched["svc"].LastRun(); !lr.Equal(now) {
		t.Fatalf("lastRun = %v, want %v", lr, now)
	}
}

func TestWatchdogImmediateRestartOutsideWindow(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	set := NewSpecSet(nil, []WatchedSpec{{Name: "svc", Command: "/bin/svc"}})
	e := New(set, Settings{RateLimit: time.Minute},
		WithLauncher(l), WithClock(func() time.Time { return now }))

	e.tick(base)
	now = base.Add(2 * time.Minute)
	l.last(t, "svc").h.exit(ExitResult{Code: 1})
	pump(t, e)
	if got := l.count("svc"); got != 2 {
		t.Fatalf("spawns = %d, want immediate restart", got)
	}
}

func TestReloadReconciliation(t *testing.T) {
	t.Parallel()
	l := newFakeLauncher()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := NewSpecSet(
		[]ScheduledSpec{interval("s1", "30s")},
		[]WatchedSpec{{Name: "w1", Command: "/bin/w1"}, {Name: "w2", Command: "/bin/w2"}},
	)
	e := New(old, Settings{}, WithLauncher(l))

	e.tick(base)
	s1 := l.last(t, "s1").h
	w1 := l.last(t, "w1").h
	w2 := l.last(t, "w2").h

	// New generation: s1 and w2 gone, s2 added, w1 retained.
	next := NewSpecSet(
		[]ScheduledSpec{interval("s2", "30s")},
		[]WatchedSpec{{Name: "w1", Command: "/bin/w1"}},
	)
	e.applySpecs(next, normalize(Settings{}), nil)

	if got := w2.killed(); got != 1 {
		t.Fatalf("removed watched job kill count = %d, want 1", got)
	}
	if got := w1.killed(); got != 0 {
		t.Fatal("retained watched job was killed")
	}
	if got := s1.killed(); got != 0 {
		t.Fatal("removed scheduled job was killed; it should finish on its own")
	}
	if _, ok := e.store.scheduled["s1"]; ok {
		t.Fatal("removed scheduled state retained")
	}
	if _, ok := e.store.watched["w2"]; ok {
		t.Fatal("removed watched state retained")
	}
	if st, ok := e.store.scheduled["s2"]; !ok || !st.LastRun().IsZero() {
		t.Fatalf("new job state = %+v, want fresh never-ran entry", st)
	}

	// The orphaned s1 exit is ignored without state.
	s1.exit(ExitResult{Code: 0})
	pump(t, e)

	e.tick(base.Add(time.Second))
	if got := l.count("s2"); got != 1 {
		t.Fatalf("new scheduled job spawns = %d, want 1", got)
	}
	if got := l.count("w1"); got != 1 {
		t.Fatalf("retained watched job re-spawned: %d", got)
	}
}
