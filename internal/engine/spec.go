package engine

import "time"

// ChainPolicy controls when a job with an "after" trigger runs relative to its
// predecessor's outcome.
type ChainPolicy int

const (
	// ChainAlways runs the dependent after every completion of the
	// predecessor, success or failure alike.
	ChainAlways ChainPolicy = iota
	// ChainOnSuccess runs the dependent only after a clean (exit 0) completion.
	ChainOnSuccess
)

// ScheduledSpec is a validated one-shot job definition. Instances are
// immutable once loaded; a reload swaps whole SpecSets.
type ScheduledSpec struct {
	Name    string
	Command string
	Trigger Trigger

	// Args are dynamic-argument tokens appended to the argv after
	// substitution (currently only "last_run" is recognized).
	Args []string

	Dir    string
	Env    map[string]string // layered over the ambient environment
	Output string            // append-mode stdout+stderr path; empty discards
	Chain  ChainPolicy
}

// WatchedSpec is a validated keep-alive process definition.
type WatchedSpec struct {
	Name    string
	Command string
	Dir     string
	Env     map[string]string
	Output  string
}

// Settings are the engine-wide knobs.
type Settings struct {
	// CheckInterval is the dispatch tick period.
	CheckInterval time.Duration
	// RateLimit is the global minimum spacing between successive (re)starts
	// of the same watched job. Zero disables the gate.
	RateLimit time.Duration
}

const DefaultCheckInterval = 5 * time.Second

// SpecSet is one immutable generation of configuration: scheduled and watched
// specs in declaration order, plus lookup indexes.
type SpecSet struct {
	Scheduled []ScheduledSpec
	Watched   []WatchedSpec

	scheduledByName map[string]int
	watchedByName   map[string]int
	dependents      map[string][]string // predecessor -> dependent names, declaration order
}

func NewSpecSet(scheduled []ScheduledSpec, watched []WatchedSpec) *SpecSet {
	s := &SpecSet{
		Scheduled:       scheduled,
		Watched:         watched,
		scheduledByName: make(map[string]int, len(scheduled)),
		watchedByName:   make(map[string]int, len(watched)),
		dependents:      map[string][]string{},
	}
	for i := range scheduled {
		s.scheduledByName[scheduled[i].Name] = i
	}
	for i := range watched {
		s.watchedByName[watched[i].Name] = i
	}
	for i := range scheduled {
		sp := &scheduled[i]
		if sp.Trigger.Kind == TriggerAfter {
			pred := sp.Trigger.After
			s.dependents[pred] = append(s.dependents[pred], sp.Name)
		}
	}
	return s
}

func (s *SpecSet) ScheduledByName(name string) (*ScheduledSpec, bool) {
	i, ok := s.scheduledByName[name]
	if !ok {
		return nil, false
	}
	return &s.Scheduled[i], true
}

func (s *SpecSet) WatchedByName(name string) (*WatchedSpec, bool) {
	i, ok := s.watchedByName[name]
	if !ok {
		return nil, false
	}
	return &s.Watched[i], true
}

// Dependents returns the names of scheduled jobs chained after the given job,
// in declaration order.
func (s *SpecSet) Dependents(name string) []string {
	return s.dependents[name]
}
