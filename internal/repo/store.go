package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

var (
	ErrNotFound          = errors.New("repo: not found")
	ErrConflict          = errors.New("repo: version conflict")
	ErrDuplicateOpenJob  = errors.New("repo: open job already exists for recipient action")
	ErrRecipientTerminal = errors.New("repo: recipient is terminal")
	ErrRecipientExists   = errors.New("repo: recipient already enrolled")
	ErrNotClaimable      = errors.New("repo: job not claimable")
	ErrInvalidTransition = errors.New("repo: invalid job transition")
)

// JobStats summarises job outcomes for an account over a window.
type JobStats struct {
	Total  int
	Failed int
}

// ErrorRate is failed/total, zero when nothing ran.
func (s JobStats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

type RecipientFilter struct {
	Phases      []model.Phase
	NonTerminal bool
	AccountID   string
	Limit       int
}

type JobRepository interface {
	// CreateJob inserts a pending job. It fails with ErrDuplicateOpenJob
	// when an open job exists for the same (recipient, action) and with
	// ErrRecipientTerminal when the recipient can no longer receive jobs.
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)

	// ListDue returns pending jobs of the account with ScheduledFor <= now,
	// oldest first.
	ListDue(ctx context.Context, accountID string, now time.Time, limit int) ([]model.Job, error)

	// Claim moves a pending job to dispatched. The update is conditional on
	// the job still being pending and due, its account being dispatchable,
	// paced, inside business hours and under quota, and its recipient being
	// non-terminal. One unit of the account quota is consumed on success.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (model.Job, error)

	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, attempts int, now time.Time) error
	// Reschedule returns a dispatched job to pending.
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time, attempts int, lastErr string, now time.Time) error
	// RefundDispatch returns a dispatched job to pending without counting an
	// attempt and gives the quota unit back to the account.
	RefundDispatch(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	CancelJob(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	// MoveJob changes ScheduledFor of a pending job.
	MoveJob(ctx context.Context, id uuid.UUID, at time.Time, now time.Time) error
	// Requeue forces a dispatched or failed job back to pending at the given time.
	Requeue(ctx context.Context, id uuid.UUID, at time.Time, now time.Time) (model.Job, error)

	// ResetStuck moves a dispatched job back to pending at the given time
	// with AttemptCount+1, conditional on DispatchedAt still matching. It
	// returns false when the job moved on in the meantime.
	ResetStuck(ctx context.Context, id uuid.UUID, dispatchedAt, at, now time.Time) (bool, error)

	// FailStuck fails a dispatched job, conditional on DispatchedAt still
	// matching. It returns false when the job moved on in the meantime.
	FailStuck(ctx context.Context, id uuid.UUID, dispatchedAt time.Time, reason string, attempts int, now time.Time) (bool, error)

	ListStuckDispatched(ctx context.Context, olderThan time.Time) ([]model.Job, error)
	ListPending(ctx context.Context, accountID string, limit int) ([]model.Job, error)
	ListJobsByRecipient(ctx context.Context, recipientID uuid.UUID) ([]model.Job, error)
	// ListDuplicateOpen returns groups of open jobs sharing (recipient, action).
	ListDuplicateOpen(ctx context.Context) ([][]model.Job, error)
	JobStats(ctx context.Context, accountID string, since time.Time) (JobStats, error)
	CountDispatchedSince(ctx context.Context, accountID string, since time.Time) (int, error)
	PurgeJob(ctx context.Context, id uuid.UUID) error
}

type RecipientRepository interface {
	// CreateRecipient fails with ErrRecipientExists when the identity
	// (channel, external ref, campaign) is already enrolled.
	CreateRecipient(ctx context.Context, r *model.Recipient) error
	GetRecipient(ctx context.Context, id uuid.UUID) (model.Recipient, error)
	FindRecipient(ctx context.Context, channel, externalRef, campaignID string) (model.Recipient, error)

	// UpdateRecipient persists r if its Version still matches the stored
	// one and bumps the version. Terminal recipients are never updated
	// through this path.
	UpdateRecipient(ctx context.Context, r *model.Recipient) error

	// TerminateRecipient moves a non-terminal recipient to a terminal phase
	// and cancels its pending jobs in the same transaction.
	TerminateRecipient(ctx context.Context, id uuid.UUID, phase model.Phase, reason string, now time.Time) (cancelled int, err error)

	// ReviveRecipient clears the terminal flag of a failed recipient.
	ReviveRecipient(ctx context.Context, id uuid.UUID, lc model.Lifecycle, now time.Time) error

	ListRecipients(ctx context.Context, f RecipientFilter) ([]model.Recipient, error)
}

type AccountRepository interface {
	UpsertAccount(ctx context.Context, a model.Account) error
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	SwapCursor(ctx context.Context, id string, expectVersion int64, next model.Cursor) error
	SetRateLimited(ctx context.Context, id string, until time.Time) error
	SetSuspended(ctx context.Context, id string, suspended bool, reason string) error
	SetQuotaUsed(ctx context.Context, id string, day string, used int) error
}

type CampaignRepository interface {
	UpsertCampaign(ctx context.Context, c model.Campaign) error
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
}

type Store interface {
	JobRepository
	RecipientRepository
	AccountRepository
	CampaignRepository
}
