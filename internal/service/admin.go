package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
)

// AccountHealth is the operator view of one account.
type AccountHealth struct {
	AccountID        string       `json:"accountId"`
	Health           model.Health `json:"health"`
	DailyQuota       int          `json:"dailyQuota"`
	QuotaUsed        int          `json:"quotaUsed"`
	ErrorRate24h     float64      `json:"errorRate24h"`
	Jobs24h          int          `json:"jobs24h"`
	RateLimitedUntil *time.Time   `json:"rateLimitedUntil,omitempty"`
	Suspended        bool         `json:"suspended"`
	SuspendReason    string       `json:"suspendReason,omitempty"`
}

// RecipientView is a recipient with its jobs and projected next step.
type RecipientView struct {
	Recipient model.Recipient `json:"recipient"`
	Jobs      []model.Job     `json:"jobs"`
	Next      Next            `json:"next"`
}

// Admin holds the operator actions.
type Admin struct {
	options
	store repo.Store
	seq   *Sequencer
	alloc SlotAllocator
}

func NewAdmin(store repo.Store, seq *Sequencer, alloc SlotAllocator, opts ...Option) *Admin {
	return &Admin{
		options: buildOptions(opts),
		store:   store,
		seq:     seq,
		alloc:   alloc,
	}
}

func (a *Admin) EnqueueFirstStep(ctx context.Context, recipientID uuid.UUID) (model.Job, error) {
	return a.seq.EnqueueFirstStep(ctx, recipientID)
}

// CancelAllPending cancels every pending job of the recipient and puts it
// on hold so the reconciler does not enqueue a replacement. A job that is
// already dispatched is left to finish.
func (a *Admin) CancelAllPending(ctx context.Context, recipientID uuid.UUID) (int, error) {
	if _, err := a.seq.updateRecipient(ctx, recipientID, func(r *model.Recipient) (bool, error) {
		if r.Attention == model.AttentionOperatorHold {
			return false, nil
		}
		r.Attention = model.AttentionOperatorHold
		r.Reason = "cancelled by operator"
		r.NextDueAt = nil
		return true, nil
	}); err != nil && !errors.Is(err, repo.ErrRecipientTerminal) {
		return 0, err
	}

	jobs, err := a.store.ListJobsByRecipient(ctx, recipientID)
	if err != nil {
		return 0, err
	}

	now := a.clock()
	cancelled := 0
	for _, j := range jobs {
		if j.Status != model.JobPending {
			continue
		}
		err := a.store.CancelJob(ctx, j.ID, "cancelled by operator", now)
		if errors.Is(err, repo.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}

	a.logger.Info("pending jobs cancelled", "recipient_id", recipientID, "cancelled", cancelled)
	return cancelled, nil
}

// Resume clears an attention flag and enqueues the next step if one is due.
func (a *Admin) Resume(ctx context.Context, recipientID uuid.UUID) (*model.Job, error) {
	r, err := a.seq.updateRecipient(ctx, recipientID, func(r *model.Recipient) (bool, error) {
		if r.Attention == "" {
			return false, nil
		}
		r.Attention = ""
		r.Reason = ""
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	view, err := a.Recipient(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if view.Next.Step < 0 {
		return nil, nil
	}
	for _, j := range view.Jobs {
		if j.Status.Open() {
			return &j, nil
		}
	}

	job, err := a.seq.EnqueueStep(ctx, r.ID, view.Next.Step, time.Time{})
	if err != nil {
		return nil, err
	}
	a.logger.Info("recipient resumed", "recipient_id", r.ID, "job_id", job.ID)
	return &job, nil
}

func (a *Admin) Recipient(ctx context.Context, recipientID uuid.UUID) (RecipientView, error) {
	r, err := a.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return RecipientView{}, err
	}
	jobs, err := a.store.ListJobsByRecipient(ctx, r.ID)
	if err != nil {
		return RecipientView{}, err
	}

	view := RecipientView{Recipient: r, Jobs: jobs, Next: Next{Step: -1}}
	if r.Terminal {
		return view, nil
	}
	c, err := a.store.GetCampaign(ctx, r.CampaignID)
	if errors.Is(err, repo.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return RecipientView{}, err
	}
	view.Next = Project(r, c, jobs).Next
	return view, nil
}

// Health reports quota consumption and the trailing 24h error rate.
func (a *Admin) Health(ctx context.Context, accountID string) (AccountHealth, error) {
	acc, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return AccountHealth{}, err
	}

	now := a.clock()
	stats, err := a.store.JobStats(ctx, acc.ID, now.Add(-24*time.Hour))
	if err != nil {
		return AccountHealth{}, fmt.Errorf("job stats: %w", err)
	}

	h := AccountHealth{
		AccountID:     acc.ID,
		Health:        acc.Health,
		DailyQuota:    acc.DailyQuota,
		QuotaUsed:     acc.QuotaUsedOn(acc.LocalDay(now)),
		ErrorRate24h:  stats.ErrorRate(),
		Jobs24h:       stats.Total,
		Suspended:     acc.Suspended,
		SuspendReason: acc.SuspendReason,
	}
	if acc.RateLimited(now) {
		h.RateLimitedUntil = acc.RateLimitedUntil
	}
	return h, nil
}

// ForceRequeue puts a dispatched or failed job back to pending on a fresh
// slot. A recipient failed by that job is revived.
func (a *Admin) ForceRequeue(ctx context.Context, jobID uuid.UUID) (model.Job, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status == model.JobSent || job.Status == model.JobCancelled {
		return model.Job{}, fmt.Errorf("requeue %s job: %w", job.Status, ErrInvalidState)
	}

	now := a.clock()
	at, err := a.alloc.Allocate(ctx, job.AccountID, now, now)
	if err != nil {
		return model.Job{}, fmt.Errorf("allocate slot: %w", err)
	}

	if job.Status == model.JobPending {
		if err := a.store.MoveJob(ctx, job.ID, at, now); err != nil {
			return model.Job{}, err
		}
		job.ScheduledFor = at
		a.logger.Info("job moved", "job_id", job.ID, "scheduled_for", at)
		return job, nil
	}

	job, err = a.store.Requeue(ctx, job.ID, at, now)
	if err != nil {
		return model.Job{}, err
	}

	r, err := a.store.GetRecipient(ctx, job.RecipientID)
	if err == nil && r.Lifecycle.Phase == model.PhaseFailed {
		c, cerr := a.store.GetCampaign(ctx, r.CampaignID)
		if cerr == nil {
			jobs, jerr := a.store.ListJobsByRecipient(ctx, r.ID)
			if jerr == nil {
				lc := Project(r, c, jobs).Lifecycle
				if rerr := a.store.ReviveRecipient(ctx, r.ID, lc, now); rerr != nil {
					a.logger.Warn("revive recipient failed", "recipient_id", r.ID, "error", rerr)
				}
			}
		}
	}

	a.logger.Info("job requeued", "job_id", job.ID, "recipient_id", job.RecipientID, "scheduled_for", at)
	return job, nil
}

// PurgeJob deletes a finished job. Open jobs must be cancelled first.
func (a *Admin) PurgeJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Open() {
		return fmt.Errorf("purge job %s: %w", job.ID, ErrJobOpen)
	}
	if err := a.store.PurgeJob(ctx, job.ID); err != nil {
		return err
	}
	a.logger.Info("job purged", "job_id", job.ID, "status", job.Status)
	return nil
}

func (a *Admin) PendingJobs(ctx context.Context, accountID string, limit int) ([]model.Job, error) {
	return a.store.ListPending(ctx, accountID, limit)
}
