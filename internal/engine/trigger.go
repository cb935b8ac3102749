package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind describes the normalized kind of a "when" string.
type TriggerKind int

const (
	// TriggerInterval fires whenever now - last_run >= Every.
	TriggerInterval TriggerKind = iota
	// TriggerAfter fires when the named predecessor completes; never tick-driven.
	TriggerAfter
	// TriggerCron fires when the cron schedule has a fire time in (last_run, now].
	TriggerCron
)

// Trigger is the parsed form of a schedule's "when" field.
//
// Supported forms:
//   - "every <number><unit>" with unit in s/m/h/d
//   - "after <schedule-name>"
//   - "cron <standard 5-field expression>"
//
// Parsing happens once at config load; the dispatcher only ever sees the
// tagged variant.
type Trigger struct {
	Kind  TriggerKind
	Every time.Duration // TriggerInterval
	After string        // TriggerAfter
	Cron  cron.Schedule // TriggerCron
	Expr  string        // original text, for logging
}

var reEvery = regexp.MustCompile(`^every\s+(\d+)\s*([smhd])$`)

var unitSeconds = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseWhen parses a schedule trigger string into its tagged variant.
func ParseWhen(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("when required")
	}

	if m := reEvery.FindStringSubmatch(s); m != nil {
		var n int64
		for i := 0; i < len(m[1]); i++ {
			n = n*10 + int64(m[1][i]-'0')
		}
		if n <= 0 {
			return Trigger{}, fmt.Errorf("interval must be > 0 in %q", raw)
		}
		return Trigger{Kind: TriggerInterval, Every: time.Duration(n) * unitSeconds[m[2]], Expr: s}, nil
	}

	if rest, ok := strings.CutPrefix(s, "after "); ok {
		name := strings.TrimSpace(rest)
		if name == "" {
			return Trigger{}, fmt.Errorf("job name required after 'after'")
		}
		return Trigger{Kind: TriggerAfter, After: name, Expr: s}, nil
	}

	if rest, ok := strings.CutPrefix(s, "cron "); ok {
		expr := strings.TrimSpace(rest)
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return Trigger{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return Trigger{Kind: TriggerCron, Cron: sched, Expr: s}, nil
	}

	return Trigger{}, fmt.Errorf(
		"invalid when %q (use 'every 30s', 'after <name>', or 'cron */5 * * * *')",
		raw,
	)
}

// Due reports whether a tick at now should fire the trigger, given the job's
// last successful spawn time. A zero lastRun is the "never ran" sentinel and
// is always due. TriggerAfter is never due on a tick.
func (t Trigger) Due(lastRun, now time.Time) bool {
	switch t.Kind {
	case TriggerInterval:
		return lastRun.IsZero() || now.Sub(lastRun) >= t.Every
	case TriggerCron:
		if lastRun.IsZero() {
			return true
		}
		// Exactly one fire per tick, never a catch-up replay: a late tick sees
		// Next(last_run) in the past and fires once.
		return !now.Before(t.Cron.Next(lastRun))
	default:
		return false
	}
}

func (t Trigger) String() string { return t.Expr }
