package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// CronLoop runs a job on a cron schedule ("@every 5m", "*/10 * * * *").
// Runs never overlap: a firing that finds the previous run still busy is
// skipped.
type CronLoop struct {
	schedule cron.Schedule
	jobFn    func(context.Context)
	logger   *slog.Logger
	loc      *time.Location

	running atomic.Bool
	stats   runStats

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Loop = (*CronLoop)(nil)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewCron(spec string, jobFn func(context.Context), loc *time.Location, logger *slog.Logger) (*CronLoop, error) {
	if jobFn == nil {
		return nil, errors.New("jobFn must not be nil")
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CronLoop{
		schedule: sched,
		jobFn:    jobFn,
		logger:   logger.With("loop", "cron", "schedule", spec),
		loc:      loc,
	}, nil
}

func (l *CronLoop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return false
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.c = cron.New(
		cron.WithLocation(l.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	ctx := l.ctx
	l.c.Schedule(l.schedule, cron.FuncJob(func() { l.safeRun(ctx) }))
	l.c.Start()
	l.running.Store(true)

	l.logger.Info("cron loop started")
	return true
}

func (l *CronLoop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return false
	}

	l.cancel()
	<-l.c.Stop().Done()
	l.c = nil
	l.running.Store(false)

	l.logger.Info("cron loop stopped")
	return true
}

func (l *CronLoop) IsRunning() bool {
	return l.running.Load()
}

// Next reports when the schedule fires next after t.
func (l *CronLoop) Next(t time.Time) time.Time {
	return l.schedule.Next(t.In(l.loc))
}

// RunNow executes the job synchronously, outside of the schedule.
func (l *CronLoop) RunNow(ctx context.Context) {
	l.safeRun(ctx)
}

func (l *CronLoop) safeRun(ctx context.Context) {
	l.stats.run(l.logger, func() { l.jobFn(ctx) })
}

func (l *CronLoop) Status() Status {
	st := Status{Name: "cron", Running: l.running.Load()}
	l.stats.fill(&st)
	if st.Running {
		next := l.Next(time.Now()).UTC()
		st.NextRunAt = &next
	}
	return st
}
