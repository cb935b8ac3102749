package config

import (
	"fmt"
	"sort"
	"time"

	"warden/internal/engine"
)

// Settings resolves the engine-wide knobs. Bare integers keep their historic
// units: check_interval in milliseconds, rate_limit in seconds.
func Settings(cfg *Config) (engine.Settings, error) {
	ci, err := cfg.CheckInterval.Duration("check_interval", time.Millisecond, engine.DefaultCheckInterval)
	if err != nil {
		return engine.Settings{}, err
	}
	rl, err := cfg.RateLimit.Duration("rate_limit", time.Second, 0)
	if err != nil {
		return engine.Settings{}, err
	}
	return engine.Settings{CheckInterval: ci, RateLimit: rl}, nil
}

// BuildSpecs validates the schedule/watch sections and produces the immutable
// spec set. An invalid entry is skipped — never spawned with an undefined
// command — and reported in the returned error list; valid entries are
// unaffected. Jobs keep their declaration order.
func BuildSpecs(cfg *Config) (*engine.SpecSet, []error) {
	var errs []error

	var scheduled []engine.ScheduledSpec
	names := map[string]bool{}
	for _, name := range orderedNames(cfg.Schedule, cfg.scheduleOrder) {
		jc := cfg.Schedule[name]
		if jc == nil {
			errs = append(errs, fmt.Errorf("schedule %q: empty entry; skipping", name))
			continue
		}
		if jc.Cmd == "" {
			errs = append(errs, fmt.Errorf("schedule %q: missing cmd; skipping", name))
			continue
		}
		trig, err := engine.ParseWhen(jc.When)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w; skipping", name, err))
			continue
		}
		var chain engine.ChainPolicy
		switch jc.ChainOn {
		case "", "always":
			chain = engine.ChainAlways
		case "success":
			chain = engine.ChainOnSuccess
		default:
			errs = append(errs, fmt.Errorf("schedule %q: invalid chain_on %q; skipping", name, jc.ChainOn))
			continue
		}
		scheduled = append(scheduled, engine.ScheduledSpec{
			Name:    name,
			Command: jc.Cmd,
			Trigger: trig,
			Args:    jc.Args,
			Dir:     jc.Cwd,
			Env:     jc.Env,
			Output:  jc.Output,
			Chain:   chain,
		})
		names[name] = true
	}

	// "after" references must point at a surviving schedule entry and never
	// at the job itself. Removing an entry can orphan its dependents, so
	// iterate to a fixpoint.
	for {
		kept := scheduled[:0]
		removed := false
		for _, sp := range scheduled {
			if sp.Trigger.Kind == engine.TriggerAfter {
				pred := sp.Trigger.After
				if pred == sp.Name {
					errs = append(errs, fmt.Errorf("schedule %q: after references itself; skipping", sp.Name))
					delete(names, sp.Name)
					removed = true
					continue
				}
				if !names[pred] {
					errs = append(errs, fmt.Errorf("schedule %q: after references unknown job %q; skipping", sp.Name, pred))
					delete(names, sp.Name)
					removed = true
					continue
				}
			}
			kept = append(kept, sp)
		}
		scheduled = kept
		if !removed {
			break
		}
	}

	var watched []engine.WatchedSpec
	for _, name := range orderedNames(cfg.Watch, cfg.watchOrder) {
		wc := cfg.Watch[name]
		if wc == nil {
			errs = append(errs, fmt.Errorf("watch %q: empty entry; skipping", name))
			continue
		}
		if wc.Cmd == "" {
			errs = append(errs, fmt.Errorf("watch %q: missing cmd; skipping", name))
			continue
		}
		if names[name] {
			// Name is the state key; it cannot be both scheduled and watched.
			errs = append(errs, fmt.Errorf("watch %q: name already used by a schedule entry; skipping", name))
			continue
		}
		watched = append(watched, engine.WatchedSpec{
			Name:    name,
			Command: wc.Cmd,
			Dir:     wc.Cwd,
			Env:     wc.Env,
			Output:  wc.Output,
		})
	}

	return engine.NewSpecSet(scheduled, watched), errs
}

// orderedNames returns the section's keys in declaration order, falling back
// to a sorted sweep for any key the order scan missed.
func orderedNames[T any](m map[string]*T, order []string) []string {
	out := make([]string, 0, len(m))
	seen := map[string]bool{}
	for _, name := range order {
		if _, ok := m[name]; !ok || seen[name] {
			continue
		}
		out = append(out, name)
		seen[name] = true
	}
	var rest []string
	for name := range m {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
