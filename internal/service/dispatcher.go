package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/outreach-scheduler/internal/allocator"
	"github.com/LeventeLantos/outreach-scheduler/internal/cache"
	"github.com/LeventeLantos/outreach-scheduler/internal/client"
	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
)

var errNotAttempted = errors.New("channel call not attempted")

// JobObserver receives job outcomes that affect the recipient.
type JobObserver interface {
	OnJobSent(ctx context.Context, job model.Job) error
	Fail(ctx context.Context, recipientID uuid.UUID, reason string) error
}

type DispatcherConfig struct {
	// BatchSize bounds the due jobs fetched per account and tick.
	BatchSize int
	// Workers bounds concurrent channel calls.
	Workers int
	// CallTimeout bounds a single channel call.
	CallTimeout time.Duration
	// SendsPerSecond is a process-wide ceiling on channel calls; zero
	// disables it.
	SendsPerSecond float64
	Retry          RetryPolicy
}

// TickStats summarises one dispatcher tick.
type TickStats struct {
	Claimed     int64
	Sent        int64
	Retried     int64
	RateLimited int64
	Failed      int64
	Cancelled   int64
}

// Dispatcher claims due jobs and runs them through the channel. It never
// returns errors: every outcome becomes a job transition and a log line.
type Dispatcher struct {
	options
	store    repo.Store
	channel  client.Channel
	content  ContentProvider
	ledger   cache.SendLedger
	observer JobObserver
	cfg      DispatcherConfig
	limiter  *rate.Limiter
}

func NewDispatcher(store repo.Store, channel client.Channel, content ContentProvider, ledger cache.SendLedger, observer JobObserver, cfg DispatcherConfig, opts ...Option) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if ledger == nil {
		ledger = cache.NopLedger{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendsPerSecond > 0 {
		burst := max(int(cfg.SendsPerSecond), 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), burst)
	}

	return &Dispatcher{
		options:  buildOptions(opts),
		store:    store,
		channel:  channel,
		content:  content,
		ledger:   ledger,
		observer: observer,
		cfg:      cfg,
		limiter:  limiter,
	}
}

// Tick dispatches every job that is due now across all dispatchable
// accounts that are inside their business hours.
func (d *Dispatcher) Tick(ctx context.Context) TickStats {
	ctx, span := d.tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	var stats TickStats
	now := d.clock()

	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		d.logger.Error("list accounts failed", "error", err)
		span.SetStatus(codes.Error, err.Error())
		return stats
	}

	var due []model.Job
	for _, acc := range accounts {
		if !acc.Dispatchable(now) || !acc.InBusinessHours(now) {
			continue
		}
		jobs, err := d.store.ListDue(ctx, acc.ID, now, d.cfg.BatchSize)
		if err != nil {
			d.logger.Error("list due jobs failed", "account_id", acc.ID, "error", err)
			continue
		}
		due = append(due, jobs...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, job := range due {
		g.Go(func() error {
			d.process(gctx, job, &stats)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("dispatcher.due", len(due)),
		attribute.Int64("dispatcher.claimed", stats.Claimed),
		attribute.Int64("dispatcher.sent", stats.Sent),
	)
	if stats.Claimed > 0 {
		d.logger.Info("dispatcher tick completed",
			"due", len(due),
			"claimed", stats.Claimed,
			"sent", stats.Sent,
			"retried", stats.Retried,
			"rate_limited", stats.RateLimited,
			"failed", stats.Failed,
			"cancelled", stats.Cancelled,
		)
	}
	return stats
}

func (d *Dispatcher) process(ctx context.Context, due model.Job, stats *TickStats) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.job", trace.WithAttributes(
		attribute.String("job.id", due.ID.String()),
		attribute.String("job.action", string(due.Action)),
		attribute.String("account.id", due.AccountID),
	))
	defer span.End()

	job, err := d.store.Claim(ctx, due.ID, d.clock())
	if errors.Is(err, repo.ErrNotClaimable) || errors.Is(err, repo.ErrNotFound) {
		span.SetAttributes(attribute.Bool("job.claimed", false))
		return
	}
	if err != nil {
		d.logger.Error("claim failed", "job_id", due.ID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	atomic.AddInt64(&stats.Claimed, 1)
	log := d.logger.With("job_id", job.ID, "account_id", job.AccountID, "recipient_id", job.RecipientID, "action", job.Action)

	r, err := d.store.GetRecipient(ctx, job.RecipientID)
	if err != nil {
		log.Error("load recipient failed", "error", err)
		d.release(ctx, job, "recipient unavailable")
		return
	}
	if r.Terminal {
		d.release(ctx, job, "recipient terminal")
		if err := d.store.CancelJob(ctx, job.ID, "recipient "+r.Lifecycle.String(), d.clock()); err != nil {
			log.Error("cancel job failed", "error", err)
			return
		}
		atomic.AddInt64(&stats.Cancelled, 1)
		log.Info("job cancelled before send", "lifecycle", r.Lifecycle.String())
		return
	}

	acc, err := d.store.GetAccount(ctx, job.AccountID)
	if err != nil {
		log.Error("load account failed", "error", err)
		d.release(ctx, job, "account unavailable")
		return
	}

	sent, err := d.ledger.WasSent(ctx, job.ID)
	if err != nil {
		log.Warn("send ledger lookup failed", "error", err)
	}
	if sent {
		log.Info("job already delivered, recording without resend")
		d.apply(ctx, log, job, acc, Decision{Verdict: VerdictSent, Attempts: job.AttemptCount}, "", stats)
		return
	}

	remoteID, callErr := d.call(ctx, job, r, acc)
	if errors.Is(callErr, errNotAttempted) {
		log.Info("dispatch interrupted before send", "error", callErr)
		d.release(ctx, job, "interrupted before send")
		return
	}
	decision := d.cfg.Retry.Decide(job, callErr, d.clock())
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, string(decision.Verdict))
	}
	d.apply(ctx, log, job, acc, decision, remoteID, stats)
}

// call validates the binding, resolves content and performs the channel
// call. Configuration problems come back as permanent errors.
func (d *Dispatcher) call(ctx context.Context, job model.Job, r model.Recipient, acc model.Account) (string, error) {
	if acc.Channel != r.Channel {
		return "", client.Permanent(fmt.Errorf("account %s on %s, recipient on %s: %w", acc.ID, acc.Channel, r.Channel, ErrBindingBroken))
	}
	if r.AccountID != acc.ID {
		return "", client.Permanent(fmt.Errorf("recipient not linked to account %s: %w", acc.ID, ErrBindingBroken))
	}

	var content string
	if job.Action.NeedsContent() {
		c, err := d.store.GetCampaign(ctx, job.CampaignID)
		if errors.Is(err, repo.ErrNotFound) {
			return "", client.Permanent(fmt.Errorf("campaign %s missing: %w", job.CampaignID, ErrBindingBroken))
		}
		if err != nil {
			return "", client.Transient(err)
		}
		content, err = d.content.Content(ctx, job, r, c)
		if err != nil {
			if errors.Is(err, ErrNoContent) {
				return "", client.Permanent(err)
			}
			return "", client.Transient(err)
		}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", errNotAttempted, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	if job.Action == model.ActionInvite {
		return d.channel.Invite(callCtx, r, acc)
	}
	return d.channel.Message(callCtx, r, acc, content)
}

func (d *Dispatcher) apply(ctx context.Context, log *slog.Logger, job model.Job, acc model.Account, dec Decision, remoteID string, stats *TickStats) {
	// Outcomes are recorded even when the tick is being cancelled.
	ctx = context.WithoutCancel(ctx)
	now := d.clock()

	switch dec.Verdict {
	case VerdictSent:
		if remoteID != "" {
			if err := d.ledger.MarkSent(ctx, job.ID, remoteID, now); err != nil {
				log.Warn("send ledger write failed", "error", err)
			}
		}
		if err := d.store.MarkSent(ctx, job.ID, now); err != nil {
			log.Error("mark sent failed", "error", err)
			return
		}
		atomic.AddInt64(&stats.Sent, 1)
		log.Info("job sent", "remote_id", remoteID)

		job.Status = model.JobSent
		job.CompletedAt = &now
		if d.observer != nil {
			if err := d.observer.OnJobSent(ctx, job); err != nil {
				log.Warn("advance recipient failed", "error", err)
			}
		}

	case VerdictRetry:
		at, err := allocator.NextLegalInstant(dec.RetryAt, allocator.HoursOf(acc))
		if err != nil {
			at = dec.RetryAt
		}
		if err := d.store.Reschedule(ctx, job.ID, at, dec.Attempts, dec.Reason, now); err != nil {
			log.Error("reschedule failed", "error", err)
			return
		}
		atomic.AddInt64(&stats.Retried, 1)
		log.Warn("job rescheduled after transient error", "attempts", dec.Attempts, "retry_at", at, "reason", dec.Reason)

	case VerdictRateLimited:
		if err := d.store.SetRateLimited(ctx, acc.ID, dec.CooldownUntil); err != nil {
			log.Error("set rate limited failed", "error", err)
		}
		d.release(ctx, job, dec.Reason)
		atomic.AddInt64(&stats.RateLimited, 1)
		log.Warn("account rate limited", "until", dec.CooldownUntil, "reason", dec.Reason)

	case VerdictFail:
		if err := d.store.MarkFailed(ctx, job.ID, dec.Reason, dec.Attempts, now); err != nil {
			log.Error("mark failed failed", "error", err)
			return
		}
		atomic.AddInt64(&stats.Failed, 1)
		log.Error("job failed", "attempts", dec.Attempts, "reason", dec.Reason)
		if d.observer != nil {
			if err := d.observer.Fail(ctx, job.RecipientID, dec.Reason); err != nil {
				log.Warn("fail recipient failed", "error", err)
			}
		}
	}
}

// release returns a claimed job to pending and refunds its quota unit.
func (d *Dispatcher) release(ctx context.Context, job model.Job, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := d.store.RefundDispatch(ctx, job.ID, reason, d.clock()); err != nil {
		d.logger.Error("refund dispatch failed", "job_id", job.ID, "error", err)
	}
}
