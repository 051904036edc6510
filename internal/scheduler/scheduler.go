package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is a background runner that can be toggled at runtime.
type Loop interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Status() Status
}

// Scheduler runs tickFn immediately on Start and then every interval until
// stopped. Each tick gets its own deadline so a slow tick cannot spill
// into the next one; a tick still running when the ticker fires makes the
// loop skip that firing.
type Scheduler struct {
	name        string
	interval    time.Duration
	tickTimeout time.Duration
	tickFn      func(context.Context)
	logger      *slog.Logger

	running atomic.Bool
	stats   runStats

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Loop = (*Scheduler)(nil)

type Option func(*Scheduler)

func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithTickTimeout bounds a single tick. It defaults to the interval.
func WithTickTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.tickTimeout = d }
}

func New(interval time.Duration, tickFn func(context.Context), opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	s := &Scheduler{
		name:     "scheduler",
		interval: interval,
		tickFn:   tickFn,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tickTimeout <= 0 {
		s.tickTimeout = interval
	}
	s.logger = s.logger.With("loop", s.name)
	return s, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, s.done)

	return true
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("loop started", "interval", s.interval.String(), "tick_timeout", s.tickTimeout.String())

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("loop stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	s.stats.run(s.logger, func() { s.tickFn(tctx) })
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info("loop stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	st := Status{Name: s.name, Running: s.running.Load()}
	s.stats.fill(&st)
	if st.Running && st.LastRunAt != nil {
		next := st.LastRunAt.Add(s.interval)
		st.NextRunAt = &next
	}
	return st
}
