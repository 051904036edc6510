package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/outreach-scheduler/internal/allocator"
	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
)

const autoSuspendPrefix = "auto: "

type ReconcilerConfig struct {
	// DispatchTimeout after which a dispatched job counts as abandoned.
	DispatchTimeout time.Duration
	// ErrorRateWindow is the trailing window for the account error rate.
	ErrorRateWindow time.Duration
	// SuspendThreshold suspends an account once its error rate exceeds it.
	SuspendThreshold float64
	// ResumeThreshold lifts an automatic suspension once the rate drops
	// to or below it.
	ResumeThreshold float64
	// MinSample is the number of finished jobs needed before the error
	// rate is trusted.
	MinSample int
	// AckSLA bounds how long a recipient may wait for an acknowledgment
	// before an alert is raised.
	AckSLA time.Duration
	// ScanLimit bounds recipients and pending jobs inspected per pass.
	ScanLimit int
	// Workers bounds concurrent per-account checks.
	Workers int
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		DispatchTimeout:  15 * time.Minute,
		ErrorRateWindow:  24 * time.Hour,
		SuspendThreshold: 0.5,
		ResumeThreshold:  0.2,
		MinSample:        10,
		AckSLA:           14 * 24 * time.Hour,
		ScanLimit:        5000,
		Workers:          4,
	}
}

type AlertKind string

const (
	AlertErrorRate        AlertKind = "account_error_rate"
	AlertSuspensionLifted AlertKind = "account_resumed"
	AlertNeedsAttention   AlertKind = "recipient_needs_attention"
	AlertAckOverdue       AlertKind = "ack_overdue"
	AlertJobExhausted     AlertKind = "job_retries_exhausted"
)

type Alert struct {
	Kind        AlertKind `json:"kind"`
	AccountID   string    `json:"accountId,omitempty"`
	RecipientID uuid.UUID `json:"recipientId,omitempty"`
	Message     string    `json:"message"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	StartedAt           time.Time `json:"startedAt"`
	StuckReset          int       `json:"stuckReset"`
	StuckFailed         int       `json:"stuckFailed"`
	DuplicatesCancelled int       `json:"duplicatesCancelled"`
	Recovered           int       `json:"recovered"`
	Replayed            int       `json:"replayed"`
	Healed              int       `json:"healed"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	Flagged             int       `json:"flagged"`
	Rescheduled         int       `json:"rescheduled"`
	OrphansCancelled    int       `json:"orphansCancelled"`
	QuotaCorrected      int       `json:"quotaCorrected"`
	Suspended           []string  `json:"suspended,omitempty"`
	Resumed             []string  `json:"resumed,omitempty"`
	Alerts              []Alert   `json:"alerts,omitempty"`
	Errors              int       `json:"errors"`
}

// Reconciler is the periodic repair pass. Job status is treated as the
// source of truth and recipient state is re-projected from it.
type Reconciler struct {
	options
	store repo.Store
	seq   *Sequencer
	alloc SlotAllocator
	cfg   ReconcilerConfig

	// pass serialises Pass; mu guards report inside one pass.
	pass   sync.Mutex
	mu     sync.Mutex
	report *Report
}

func NewReconciler(store repo.Store, seq *Sequencer, alloc SlotAllocator, cfg ReconcilerConfig, opts ...Option) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = def.ErrorRateWindow
	}
	if cfg.SuspendThreshold <= 0 {
		cfg.SuspendThreshold = def.SuspendThreshold
	}
	if cfg.ResumeThreshold <= 0 || cfg.ResumeThreshold > cfg.SuspendThreshold {
		cfg.ResumeThreshold = min(def.ResumeThreshold, cfg.SuspendThreshold)
	}
	if cfg.MinSample <= 0 {
		cfg.MinSample = def.MinSample
	}
	if cfg.AckSLA <= 0 {
		cfg.AckSLA = def.AckSLA
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Reconciler{
		options: buildOptions(opts),
		store:   store,
		seq:     seq,
		alloc:   alloc,
		cfg:     cfg,
	}
}

// Run is the loop entry point; it discards the report.
func (rc *Reconciler) Run(ctx context.Context) {
	rc.Pass(ctx)
}

// Pass runs every repair step once. Failures of single items are logged
// and counted; the pass always completes.
func (rc *Reconciler) Pass(ctx context.Context) Report {
	rc.pass.Lock()
	defer rc.pass.Unlock()

	ctx, span := rc.tracer.Start(ctx, "reconciler.pass")
	defer span.End()

	now := rc.clock()
	report := &Report{StartedAt: now}
	rc.mu.Lock()
	rc.report = report
	rc.mu.Unlock()

	rc.resetStuck(ctx, now)
	rc.collapseDuplicates(ctx, now)
	rc.recoverFailed(ctx)
	rc.projectActive(ctx)
	rc.verifySlots(ctx, now)
	rc.auditAccounts(ctx, now)

	for _, a := range report.Alerts {
		rc.logger.Warn("reconciler alert",
			"kind", a.Kind,
			"account_id", a.AccountID,
			"recipient_id", a.RecipientID,
			"message", a.Message,
		)
	}
	rc.logger.Info("reconciler pass completed",
		"stuck_reset", report.StuckReset,
		"stuck_failed", report.StuckFailed,
		"duplicates_cancelled", report.DuplicatesCancelled,
		"recovered", report.Recovered,
		"replayed", report.Replayed,
		"healed", report.Healed,
		"completed", report.Completed,
		"flagged", report.Flagged,
		"rescheduled", report.Rescheduled,
		"alerts", len(report.Alerts),
		"errors", report.Errors,
		"duration_ms", time.Since(now).Milliseconds(),
	)
	span.SetAttributes(
		attribute.Int("reconciler.alerts", len(report.Alerts)),
		attribute.Int("reconciler.errors", report.Errors),
	)
	return *report
}

func (rc *Reconciler) record(fn func(r *Report)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	fn(rc.report)
}

func (rc *Reconciler) fail(msg string, err error, args ...any) {
	rc.logger.Error(msg, append(args, "error", err)...)
	rc.record(func(r *Report) { r.Errors++ })
}

func (rc *Reconciler) alert(a Alert) {
	rc.record(func(r *Report) { r.Alerts = append(r.Alerts, a) })
}

// resetStuck returns abandoned claims to pending exactly once, on the next
// legal instant of their account, or fails them when the retry budget is
// spent. Both updates only apply to the claim that was listed.
func (rc *Reconciler) resetStuck(ctx context.Context, now time.Time) {
	stuck, err := rc.store.ListStuckDispatched(ctx, now.Add(-rc.cfg.DispatchTimeout))
	if err != nil {
		rc.fail("list stuck jobs failed", err)
		return
	}

	hours := map[string]allocator.BusinessHours{}
	for _, j := range stuck {
		if j.DispatchedAt == nil {
			continue
		}
		if j.RetriesExhausted() {
			reason := "dispatch timeout, retries exhausted"
			ok, err := rc.store.FailStuck(ctx, j.ID, *j.DispatchedAt, reason, min(j.AttemptCount+1, j.MaxRetries), now)
			if err != nil {
				rc.fail("fail stuck job failed", err, "job_id", j.ID)
				continue
			}
			if !ok {
				continue
			}
			if err := rc.seq.Fail(ctx, j.RecipientID, reason); err != nil {
				rc.fail("fail recipient failed", err, "recipient_id", j.RecipientID)
			}
			rc.record(func(r *Report) { r.StuckFailed++ })
			rc.alert(Alert{Kind: AlertJobExhausted, AccountID: j.AccountID, RecipientID: j.RecipientID, Message: fmt.Sprintf("job %s failed after %d attempts", j.ID, j.MaxRetries)})
			continue
		}

		h, ok := hours[j.AccountID]
		if !ok {
			acc, err := rc.store.GetAccount(ctx, j.AccountID)
			if err != nil {
				rc.fail("load account failed", err, "account_id", j.AccountID)
				continue
			}
			h = allocator.HoursOf(acc)
			hours[j.AccountID] = h
		}
		at, err := allocator.NextLegalInstant(now, h)
		if err != nil {
			at = now
		}

		ok, err = rc.store.ResetStuck(ctx, j.ID, *j.DispatchedAt, at, now)
		if err != nil {
			rc.fail("reset stuck job failed", err, "job_id", j.ID)
			continue
		}
		if ok {
			rc.logger.Info("stuck job reset", "job_id", j.ID, "attempts", j.AttemptCount+1, "scheduled_for", at)
			rc.record(func(r *Report) { r.StuckReset++ })
		}
	}
}

// collapseDuplicates keeps one open job per (recipient, action): the
// dispatched one if any, otherwise the oldest.
func (rc *Reconciler) collapseDuplicates(ctx context.Context, now time.Time) {
	groups, err := rc.store.ListDuplicateOpen(ctx)
	if err != nil {
		rc.fail("list duplicate jobs failed", err)
		return
	}

	for _, group := range groups {
		keep := slices.IndexFunc(group, func(j model.Job) bool { return j.Status == model.JobDispatched })
		if keep < 0 {
			keep = 0
			for i, j := range group {
				if j.CreatedAt.Before(group[keep].CreatedAt) {
					keep = i
				}
			}
		}
		for i, j := range group {
			if i == keep {
				continue
			}
			if err := rc.store.CancelJob(ctx, j.ID, "duplicate open job", now); err != nil {
				rc.fail("cancel duplicate failed", err, "job_id", j.ID)
				continue
			}
			rc.logger.Info("duplicate job cancelled", "job_id", j.ID, "kept_job_id", group[keep].ID)
			rc.record(func(r *Report) { r.DuplicatesCancelled++ })
		}
	}
}

// recoverFailed revives failed recipients that still own a live job.
func (rc *Reconciler) recoverFailed(ctx context.Context) {
	failed, err := rc.store.ListRecipients(ctx, repo.RecipientFilter{
		Phases: []model.Phase{model.PhaseFailed},
		Limit:  rc.cfg.ScanLimit,
	})
	if err != nil {
		rc.fail("list failed recipients failed", err)
		return
	}

	for _, r := range failed {
		jobs, err := rc.store.ListJobsByRecipient(ctx, r.ID)
		if err != nil {
			rc.fail("list recipient jobs failed", err, "recipient_id", r.ID)
			continue
		}
		c, err := rc.store.GetCampaign(ctx, r.CampaignID)
		if err != nil {
			continue
		}
		p := Project(r, c, jobs)
		if p.Open == nil {
			continue
		}

		if err := rc.store.ReviveRecipient(ctx, r.ID, p.Lifecycle, rc.clock()); err != nil {
			rc.fail("revive recipient failed", err, "recipient_id", r.ID)
			continue
		}
		rc.logger.Info("failed recipient recovered", "recipient_id", r.ID, "lifecycle", p.Lifecycle.String(), "job_id", p.Open.ID)
		rc.record(func(r *Report) { r.Recovered++ })
	}
}

// projectActive replays sent jobs the recipient has not caught up with and
// heals recipients left without an open job.
func (rc *Reconciler) projectActive(ctx context.Context) {
	active, err := rc.store.ListRecipients(ctx, repo.RecipientFilter{
		NonTerminal: true,
		Limit:       rc.cfg.ScanLimit,
	})
	if err != nil {
		rc.fail("list active recipients failed", err)
		return
	}

	for _, r := range active {
		if r.Lifecycle.Phase == model.PhasePending || r.Attention != "" {
			continue
		}
		if err := rc.projectOne(ctx, r); err != nil {
			rc.fail("reconcile recipient failed", err, "recipient_id", r.ID)
		}
	}
}

func (rc *Reconciler) projectOne(ctx context.Context, r model.Recipient) error {
	c, err := rc.store.GetCampaign(ctx, r.CampaignID)
	if errors.Is(err, repo.ErrNotFound) {
		return rc.flag(ctx, r, fmt.Sprintf("campaign %s missing", r.CampaignID))
	}
	if err != nil {
		return err
	}
	jobs, err := rc.store.ListJobsByRecipient(ctx, r.ID)
	if err != nil {
		return err
	}

	p := Project(r, c, jobs)
	if p.LastSent != nil && r.Lifecycle.Before(p.Lifecycle) {
		if err := rc.seq.OnJobSent(ctx, *p.LastSent); err != nil && !errors.Is(err, ErrAccountSuspended) {
			if errors.Is(err, ErrBindingBroken) {
				return rc.flag(ctx, r, err.Error())
			}
			return err
		}
		rc.logger.Info("recipient replayed from job log", "recipient_id", r.ID, "job_id", p.LastSent.ID)
		rc.record(func(r *Report) { r.Replayed++ })
		return nil
	}

	if p.Open != nil {
		return nil
	}

	switch {
	case p.Failed != nil:
		if err := rc.seq.Fail(ctx, r.ID, "job failed: "+p.Failed.LastError); err != nil {
			return err
		}
		rc.record(func(r *Report) { r.Failed++ })

	case p.Next.Complete:
		if err := rc.seq.Complete(ctx, r.ID); err != nil {
			return err
		}
		rc.record(func(r *Report) { r.Completed++ })

	case p.Next.Step >= 0:
		notBefore := time.Time{}
		if st, ok := c.StepAt(p.Next.Step); ok && r.LastActionAt != nil {
			notBefore = r.LastActionAt.Add(st.Delay)
		}
		_, err := rc.seq.EnqueueStep(ctx, r.ID, p.Next.Step, notBefore)
		switch {
		case err == nil:
			rc.logger.Info("recipient healed", "recipient_id", r.ID, "step", p.Next.Step+1)
			rc.record(func(r *Report) { r.Healed++ })
		case errors.Is(err, ErrBindingBroken):
			return rc.flag(ctx, r, err.Error())
		case errors.Is(err, ErrAccountSuspended), errors.Is(err, repo.ErrRecipientTerminal):
		default:
			return err
		}
	}
	return nil
}

// flag marks a recipient as needing manual requeue.
func (rc *Reconciler) flag(ctx context.Context, r model.Recipient, reason string) error {
	if r.Attention == model.AttentionManualRequeue {
		return nil
	}
	_, err := rc.seq.updateRecipient(ctx, r.ID, func(r *model.Recipient) (bool, error) {
		r.Attention = model.AttentionManualRequeue
		r.Reason = reason
		return true, nil
	})
	if errors.Is(err, repo.ErrRecipientTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	rc.record(func(rep *Report) { rep.Flagged++ })
	rc.alert(Alert{Kind: AlertNeedsAttention, AccountID: r.AccountID, RecipientID: r.ID, Message: reason})
	return nil
}

// verifySlots moves pending jobs that sit outside business hours and
// cancels pending jobs of terminal recipients.
func (rc *Reconciler) verifySlots(ctx context.Context, now time.Time) {
	pending, err := rc.store.ListPending(ctx, "", rc.cfg.ScanLimit)
	if err != nil {
		rc.fail("list pending jobs failed", err)
		return
	}

	accounts := map[string]*model.Account{}
	for _, j := range pending {
		r, err := rc.store.GetRecipient(ctx, j.RecipientID)
		if err != nil {
			rc.fail("load recipient failed", err, "job_id", j.ID)
			continue
		}
		if r.Terminal {
			if err := rc.store.CancelJob(ctx, j.ID, "recipient "+r.Lifecycle.String(), now); err != nil {
				rc.fail("cancel orphan job failed", err, "job_id", j.ID)
				continue
			}
			rc.record(func(r *Report) { r.OrphansCancelled++ })
			continue
		}

		acc, ok := accounts[j.AccountID]
		if !ok {
			a, err := rc.store.GetAccount(ctx, j.AccountID)
			if err != nil {
				rc.fail("load account failed", err, "account_id", j.AccountID)
				accounts[j.AccountID] = nil
				continue
			}
			acc = &a
			accounts[j.AccountID] = acc
		}
		if acc == nil {
			continue
		}

		hours := allocator.HoursOf(*acc)
		if hours.Validate() != nil || hours.Contains(j.ScheduledFor) {
			continue
		}
		at, err := rc.alloc.Allocate(ctx, acc.ID, now, j.ScheduledFor)
		if err != nil {
			rc.fail("reallocate job failed", err, "job_id", j.ID)
			continue
		}
		if err := rc.store.MoveJob(ctx, j.ID, at, now); err != nil {
			if !errors.Is(err, repo.ErrInvalidTransition) {
				rc.fail("move job failed", err, "job_id", j.ID)
			}
			continue
		}
		rc.logger.Info("job moved into business hours", "job_id", j.ID, "from", j.ScheduledFor, "to", at)
		rc.record(func(r *Report) { r.Rescheduled++ })
	}
}

// auditAccounts enforces error-rate suspension, re-derives the quota
// counter and raises acknowledgment SLA alerts.
func (rc *Reconciler) auditAccounts(ctx context.Context, now time.Time) {
	accounts, err := rc.store.ListAccounts(ctx)
	if err != nil {
		rc.fail("list accounts failed", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.cfg.Workers)
	for _, acc := range accounts {
		g.Go(func() error {
			rc.auditAccount(gctx, acc, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (rc *Reconciler) auditAccount(ctx context.Context, acc model.Account, now time.Time) {
	stats, err := rc.store.JobStats(ctx, acc.ID, now.Add(-rc.cfg.ErrorRateWindow))
	if err != nil {
		rc.fail("job stats failed", err, "account_id", acc.ID)
	} else {
		rc.applyErrorRate(ctx, acc, stats)
	}

	day := acc.LocalDay(now)
	dispatched, err := rc.store.CountDispatchedSince(ctx, acc.ID, acc.DayStart(now))
	if err != nil {
		rc.fail("count dispatched failed", err, "account_id", acc.ID)
	} else if acc.QuotaUsedOn(day) != dispatched {
		if err := rc.store.SetQuotaUsed(ctx, acc.ID, day, dispatched); err != nil {
			rc.fail("set quota used failed", err, "account_id", acc.ID)
		} else {
			rc.logger.Info("quota counter corrected", "account_id", acc.ID, "day", day, "from", acc.QuotaUsedOn(day), "to", dispatched)
			rc.record(func(r *Report) { r.QuotaCorrected++ })
		}
	}

	waiting, err := rc.store.ListRecipients(ctx, repo.RecipientFilter{
		Phases:      []model.Phase{model.PhaseSent},
		NonTerminal: true,
		AccountID:   acc.ID,
		Limit:       rc.cfg.ScanLimit,
	})
	if err != nil {
		rc.fail("list waiting recipients failed", err, "account_id", acc.ID)
		return
	}
	for _, r := range waiting {
		if r.LastActionAt == nil || now.Sub(*r.LastActionAt) <= rc.cfg.AckSLA {
			continue
		}
		rc.alert(Alert{
			Kind:        AlertAckOverdue,
			AccountID:   acc.ID,
			RecipientID: r.ID,
			Message:     fmt.Sprintf("waiting for acknowledgment of step %d since %s", r.Lifecycle.Step+1, r.LastActionAt.Format(time.RFC3339)),
		})
	}
}

func (rc *Reconciler) applyErrorRate(ctx context.Context, acc model.Account, stats repo.JobStats) {
	rate := stats.ErrorRate()
	trusted := stats.Total >= rc.cfg.MinSample

	switch {
	case !acc.Suspended && trusted && rate > rc.cfg.SuspendThreshold:
		reason := fmt.Sprintf("%serror rate %.2f over %d jobs", autoSuspendPrefix, rate, stats.Total)
		if err := rc.store.SetSuspended(ctx, acc.ID, true, reason); err != nil {
			rc.fail("suspend account failed", err, "account_id", acc.ID)
			return
		}
		rc.record(func(r *Report) { r.Suspended = append(r.Suspended, acc.ID) })
		rc.alert(Alert{Kind: AlertErrorRate, AccountID: acc.ID, Message: reason})

	case acc.Suspended && strings.HasPrefix(acc.SuspendReason, autoSuspendPrefix) && (!trusted || rate <= rc.cfg.ResumeThreshold):
		if err := rc.store.SetSuspended(ctx, acc.ID, false, ""); err != nil {
			rc.fail("resume account failed", err, "account_id", acc.ID)
			return
		}
		rc.record(func(r *Report) { r.Resumed = append(r.Resumed, acc.ID) })
		rc.alert(Alert{Kind: AlertSuspensionLifted, AccountID: acc.ID, Message: fmt.Sprintf("error rate %.2f over %d jobs", rate, stats.Total)})
	}
}
