// Package notify delivers engine alerts ("error", "nonzero exit") to the
// configured sinks. Delivery is fire-and-forget: the engine never waits on it
// and failures only get logged.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "warden/pkg/logx"
)

type Notification struct {
	Kind string
	Job  string
	PID  int
	Body string
	At   time.Time
}

// Subject is the one-line summary used by sinks.
func (n Notification) Subject() string {
	if n.PID > 0 {
		return fmt.Sprintf("%s: %s (pid %d)", n.Kind, n.Job, n.PID)
	}
	return fmt.Sprintf("%s: %s", n.Kind, n.Job)
}

type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type Config struct {
	RatePerSec int // default 3
	QueueSize  int // default 256
}

// Service is the async pipeline: bounded queue + delivery worker + token
// bucket so a flapping job cannot flood the sinks.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sinks   []Sink

	log   logx.Logger
	queue chan Notification
}

func New(cfg Config, sinks []Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	s := &Service{
		log:   log,
		queue: make(chan Notification, cfg.QueueSize),
	}
	s.applyLocked(cfg, sinks)
	return s
}

// Apply swaps rate limit and sinks at reload. The queue keeps its size.
func (s *Service) Apply(cfg Config, sinks []Sink) {
	s.mu.Lock()
	s.applyLocked(cfg, sinks)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config, sinks []Sink) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.sinks = sinks
}

// Notify implements the engine's notification collaborator. It never blocks;
// a full queue drops the notification with a log line.
func (s *Service) Notify(kind, job string, pid int, body string) {
	n := Notification{Kind: kind, Job: job, PID: pid, Body: body, At: time.Now()}
	select {
	case s.queue <- n:
	default:
		s.log.Warn("notification dropped (queue full)",
			logx.String("kind", kind), logx.String("job", job))
	}
}

// Run delivers queued notifications until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-s.queue:
			s.mu.Lock()
			lim := s.limiter
			sinks := s.sinks
			s.mu.Unlock()

			if err := lim.Wait(ctx); err != nil {
				return nil
			}
			for _, sink := range sinks {
				if err := sink.Send(ctx, n); err != nil {
					// Delivery failure is logged locally, never retried,
					// never escalated.
					s.log.Warn("notification delivery failed",
						logx.String("sink", sink.Name()),
						logx.String("kind", n.Kind),
						logx.String("job", n.Job),
						logx.Err(err))
				}
			}
			if len(sinks) == 0 {
				s.log.Info("notification (no sinks configured)",
					logx.String("kind", n.Kind),
					logx.String("job", n.Job),
					logx.String("body", n.Body))
			}
		}
	}
}
