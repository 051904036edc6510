package model

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobDispatched JobStatus = "dispatched"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Open reports whether a job still occupies its (recipient, action) slot.
func (s JobStatus) Open() bool {
	return s == JobPending || s == JobDispatched
}

// Final reports whether no further transition is allowed.
func (s JobStatus) Final() bool {
	return s == JobSent || s == JobFailed || s == JobCancelled
}

type ActionKind string

const (
	ActionInvite        ActionKind = "invite"
	ActionAcceptMessage ActionKind = "accept_message"
	ActionFollowUp      ActionKind = "follow_up"
)

// Valid reports whether k is one of the known action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionInvite, ActionAcceptMessage, ActionFollowUp:
		return true
	}
	return false
}

// NeedsContent reports whether the channel call carries message text.
func (k ActionKind) NeedsContent() bool {
	return k != ActionInvite
}

type Job struct {
	ID           uuid.UUID
	RecipientID  uuid.UUID
	AccountID    string
	CampaignID   string
	Action       ActionKind
	Step         int
	ScheduledFor time.Time
	Status       JobStatus
	AttemptCount int
	MaxRetries   int
	LastError    string
	DispatchedAt *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewJob returns a pending job with a fresh id.
func NewJob(r Recipient, step int, action ActionKind, at time.Time, maxRetries int, now time.Time) Job {
	return Job{
		ID:           uuid.New(),
		RecipientID:  r.ID,
		AccountID:    r.AccountID,
		CampaignID:   r.CampaignID,
		Action:       action,
		Step:         step,
		ScheduledFor: at.UTC(),
		Status:       JobPending,
		MaxRetries:   maxRetries,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// RetriesExhausted reports whether one more failed attempt would exceed
// the job's retry budget.
func (j Job) RetriesExhausted() bool {
	return j.AttemptCount+1 >= j.MaxRetries
}
