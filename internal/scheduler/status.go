package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Status is a point-in-time view of a loop, served by the admin API.
type Status struct {
	Name         string     `json:"name"`
	Running      bool       `json:"running"`
	Runs         int64      `json:"runs"`
	Panics       int64      `json:"panics"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
	NextRunAt    *time.Time `json:"nextRunAt,omitempty"`
}

// runStats records finished runs. It is shared by both loop kinds.
type runStats struct {
	mu      sync.Mutex
	runs    int64
	panics  int64
	lastAt  time.Time
	lastDur time.Duration
}

// run executes fn, recovering a panic so the loop survives it.
func (s *runStats) run(logger *slog.Logger, fn func()) {
	start := time.Now()
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logger.Error("loop run panic recovered", "panic", r)
		}
		dur := time.Since(start)

		s.mu.Lock()
		s.runs++
		if panicked {
			s.panics++
		}
		s.lastAt = start.UTC()
		s.lastDur = dur
		s.mu.Unlock()

		logger.Debug("loop run completed", "duration_ms", dur.Milliseconds())
	}()

	fn()
}

func (s *runStats) fill(st *Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Runs = s.runs
	st.Panics = s.panics
	if !s.lastAt.IsZero() {
		at := s.lastAt
		st.LastRunAt = &at
		st.LastDuration = s.lastDur.String()
	}
}
