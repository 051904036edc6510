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

// SlotAllocator assigns a legal send time on an account.
type SlotAllocator interface {
	Allocate(ctx context.Context, accountID string, now, notBefore time.Time) (time.Time, error)
}

// Enrollment identifies a recipient joining a campaign.
type Enrollment struct {
	Channel     string
	ExternalRef string
	CampaignID  string
}

// RecipientEvent is an external signal about a recipient (reply,
// acknowledgment, rejection).
type RecipientEvent struct {
	Channel     string
	ExternalRef string
	CampaignID  string
	At          time.Time
}

const updateAttempts = 8

// Sequencer drives the per-recipient state machine. Jobs are only ever
// created here; every transition is forward-only so replays are no-ops.
type Sequencer struct {
	options
	store      repo.Store
	alloc      SlotAllocator
	maxRetries int
}

func NewSequencer(store repo.Store, alloc SlotAllocator, defaultMaxRetries int, opts ...Option) *Sequencer {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 5
	}
	return &Sequencer{
		options:    buildOptions(opts),
		store:      store,
		alloc:      alloc,
		maxRetries: defaultMaxRetries,
	}
}

// Enroll creates the recipient in pending. Enrolling the same identity
// twice returns the existing recipient.
func (s *Sequencer) Enroll(ctx context.Context, e Enrollment) (model.Recipient, error) {
	if e.Channel == "" || e.ExternalRef == "" || e.CampaignID == "" {
		return model.Recipient{}, errors.New("enroll: channel, external ref and campaign are required")
	}

	if r, err := s.store.FindRecipient(ctx, e.Channel, e.ExternalRef, e.CampaignID); err == nil {
		return r, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return model.Recipient{}, err
	}

	c, err := s.store.GetCampaign(ctx, e.CampaignID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Recipient{}, fmt.Errorf("campaign %s: %w", e.CampaignID, ErrBindingBroken)
	}
	if err != nil {
		return model.Recipient{}, err
	}

	now := s.clock()
	r := model.Recipient{
		ID:          uuid.New(),
		Channel:     e.Channel,
		ExternalRef: e.ExternalRef,
		CampaignID:  e.CampaignID,
		AccountID:   c.AccountID,
		Lifecycle:   model.Pending(),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.store.CreateRecipient(ctx, &r)
	if errors.Is(err, repo.ErrRecipientExists) {
		return s.store.FindRecipient(ctx, e.Channel, e.ExternalRef, e.CampaignID)
	}
	if err != nil {
		return model.Recipient{}, err
	}

	s.logger.Info("recipient enrolled", "recipient_id", r.ID, "campaign_id", r.CampaignID, "account_id", r.AccountID)
	return r, nil
}

// Approve moves a pending recipient to approved and enqueues the first
// step. Approving an already approved recipient only re-attempts the
// enqueue.
func (s *Sequencer) Approve(ctx context.Context, recipientID uuid.UUID) (model.Job, error) {
	r, err := s.updateRecipient(ctx, recipientID, func(r *model.Recipient) (bool, error) {
		switch r.Lifecycle.Phase {
		case model.PhasePending:
			r.Lifecycle = model.Approved()
			return true, nil
		case model.PhaseApproved:
			return false, nil
		default:
			return false, fmt.Errorf("approve from %s: %w", r.Lifecycle, ErrInvalidState)
		}
	})
	if err != nil {
		return model.Job{}, err
	}
	s.logger.Info("recipient approved", "recipient_id", r.ID)

	return s.EnqueueFirstStep(ctx, recipientID)
}

// EnqueueFirstStep creates the job for the first campaign step of an
// approved recipient.
func (s *Sequencer) EnqueueFirstStep(ctx context.Context, recipientID uuid.UUID) (model.Job, error) {
	r, err := s.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return model.Job{}, err
	}
	if r.Terminal {
		return model.Job{}, repo.ErrRecipientTerminal
	}
	if r.Lifecycle.Phase != model.PhaseApproved {
		return model.Job{}, fmt.Errorf("enqueue first step from %s: %w", r.Lifecycle, ErrInvalidState)
	}
	return s.EnqueueStep(ctx, recipientID, 0, time.Time{})
}

// EnqueueStep creates the job for the given campaign step, not earlier than
// notBefore. When an open job for the same action already exists it is
// returned and nothing is created. Recipients carrying an attention flag
// get nothing until Resume clears it.
func (s *Sequencer) EnqueueStep(ctx context.Context, recipientID uuid.UUID, step int, notBefore time.Time) (model.Job, error) {
	r, err := s.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return model.Job{}, err
	}
	if r.Terminal {
		return model.Job{}, repo.ErrRecipientTerminal
	}
	if r.Attention != "" {
		return model.Job{}, fmt.Errorf("recipient %s (%s): %w", r.ID, r.Attention, ErrOnHold)
	}

	c, acc, err := s.binding(ctx, r)
	if err != nil {
		return model.Job{}, err
	}
	if acc.Suspended {
		return model.Job{}, fmt.Errorf("account %s (%s): %w", acc.ID, acc.SuspendReason, ErrAccountSuspended)
	}
	st, ok := c.StepAt(step)
	if !ok {
		return model.Job{}, fmt.Errorf("campaign %s has no step %d: %w", c.ID, step+1, ErrBindingBroken)
	}

	if open, ok, err := s.openJob(ctx, r.ID, st.Action); err != nil {
		return model.Job{}, err
	} else if ok {
		return open, nil
	}

	now := s.clock()
	at, err := s.alloc.Allocate(ctx, acc.ID, now, notBefore)
	if err != nil {
		return model.Job{}, fmt.Errorf("allocate slot: %w", err)
	}

	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	job := model.NewJob(r, step, st.Action, at, maxRetries, now)

	err = s.store.CreateJob(ctx, &job)
	if errors.Is(err, repo.ErrDuplicateOpenJob) {
		// Lost a race with a concurrent enqueue; the slot stays unused.
		if open, ok, ferr := s.openJob(ctx, r.ID, st.Action); ferr == nil && ok {
			return open, nil
		}
		return model.Job{}, err
	}
	if err != nil {
		return model.Job{}, err
	}

	if _, err := s.updateRecipient(ctx, r.ID, func(r *model.Recipient) (bool, error) {
		r.NextDueAt = &at
		return true, nil
	}); err != nil && !errors.Is(err, repo.ErrRecipientTerminal) {
		s.logger.Warn("record next due failed", "recipient_id", r.ID, "error", err)
	}

	s.logger.Info("job enqueued",
		"job_id", job.ID,
		"recipient_id", r.ID,
		"account_id", acc.ID,
		"action", job.Action,
		"step", step+1,
		"scheduled_for", at,
	)
	return job, nil
}

// OnJobSent advances the recipient after a successful job. Replaying it for
// an older job is a no-op.
func (s *Sequencer) OnJobSent(ctx context.Context, job model.Job) error {
	c, err := s.store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("campaign %s: %w", job.CampaignID, err)
	}
	st, ok := c.StepAt(job.Step)
	if !ok {
		return fmt.Errorf("campaign %s has no step %d: %w", c.ID, job.Step+1, ErrBindingBroken)
	}

	at := s.clock()
	if job.CompletedAt != nil {
		at = *job.CompletedAt
	}

	target := model.StepSent(job.Step)
	if !st.AwaitAck {
		target = model.StepAcked(job.Step)
	}

	advanced := false
	r, err := s.updateRecipient(ctx, job.RecipientID, func(r *model.Recipient) (bool, error) {
		if !r.Lifecycle.Before(target) {
			return false, nil
		}
		r.Lifecycle = target
		r.LastActionAt = &at
		r.NextDueAt = nil
		advanced = true
		return true, nil
	})
	if errors.Is(err, repo.ErrRecipientTerminal) {
		s.logger.Info("job sent for terminal recipient", "job_id", job.ID, "recipient_id", job.RecipientID)
		return nil
	}
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	s.logger.Info("recipient advanced", "recipient_id", r.ID, "lifecycle", r.Lifecycle.String())
	if st.AwaitAck {
		return nil
	}
	return s.afterAck(ctx, r, c, job.Step, at)
}

// OnAcknowledged handles the external acknowledgment of the current step.
func (s *Sequencer) OnAcknowledged(ctx context.Context, ev RecipientEvent) error {
	r, err := s.store.FindRecipient(ctx, ev.Channel, ev.ExternalRef, ev.CampaignID)
	if err != nil {
		return err
	}
	if r.Terminal {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = s.clock()
	}

	var step int
	switch r.Lifecycle.Phase {
	case model.PhaseSent:
		step = r.Lifecycle.Step
	case model.PhaseAcked:
		return nil
	default:
		return fmt.Errorf("acknowledgment in %s: %w", r.Lifecycle, ErrOutOfOrder)
	}

	advanced := false
	r, err = s.updateRecipient(ctx, r.ID, func(r *model.Recipient) (bool, error) {
		target := model.StepAcked(step)
		if !r.Lifecycle.Before(target) {
			return false, nil
		}
		r.Lifecycle = target
		r.LastActionAt = &at
		advanced = true
		return true, nil
	})
	if errors.Is(err, repo.ErrRecipientTerminal) {
		return nil
	}
	if err != nil || !advanced {
		return err
	}

	c, err := s.store.GetCampaign(ctx, r.CampaignID)
	if err != nil {
		return fmt.Errorf("campaign %s: %w", r.CampaignID, err)
	}
	s.logger.Info("step acknowledged", "recipient_id", r.ID, "step", step+1)
	return s.afterAck(ctx, r, c, step, at)
}

// OnReply terminates the recipient as replied and cancels its pending jobs.
func (s *Sequencer) OnReply(ctx context.Context, ev RecipientEvent) error {
	return s.terminateByEvent(ctx, ev, model.PhaseReplied, "reply received")
}

func (s *Sequencer) OnRejected(ctx context.Context, ev RecipientEvent) error {
	return s.terminateByEvent(ctx, ev, model.PhaseRejected, "rejected")
}

// Fail moves a recipient to failed. It is a no-op for terminal recipients.
func (s *Sequencer) Fail(ctx context.Context, recipientID uuid.UUID, reason string) error {
	return s.terminate(ctx, recipientID, model.PhaseFailed, reason)
}

// Complete ends an exhausted sequence.
func (s *Sequencer) Complete(ctx context.Context, recipientID uuid.UUID) error {
	return s.terminate(ctx, recipientID, model.PhaseCompleted, "sequence completed")
}

func (s *Sequencer) terminateByEvent(ctx context.Context, ev RecipientEvent, phase model.Phase, reason string) error {
	r, err := s.store.FindRecipient(ctx, ev.Channel, ev.ExternalRef, ev.CampaignID)
	if err != nil {
		return err
	}
	return s.terminate(ctx, r.ID, phase, reason)
}

func (s *Sequencer) terminate(ctx context.Context, recipientID uuid.UUID, phase model.Phase, reason string) error {
	cancelled, err := s.store.TerminateRecipient(ctx, recipientID, phase, reason, s.clock())
	if errors.Is(err, repo.ErrRecipientTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("recipient terminated",
		"recipient_id", recipientID,
		"phase", phase,
		"reason", reason,
		"cancelled_jobs", cancelled,
	)
	return nil
}

// afterAck enqueues the step following step, or completes the sequence.
func (s *Sequencer) afterAck(ctx context.Context, r model.Recipient, c model.Campaign, step int, at time.Time) error {
	if c.Last(step) {
		return s.Complete(ctx, r.ID)
	}
	next, _ := c.StepAt(step + 1)
	_, err := s.EnqueueStep(ctx, r.ID, step+1, at.Add(next.Delay))
	if errors.Is(err, repo.ErrRecipientTerminal) {
		return nil
	}
	if errors.Is(err, ErrOnHold) {
		s.logger.Info("next step held", "recipient_id", r.ID, "step", step+2, "error", err)
		return nil
	}
	return err
}

// binding resolves the campaign and account of r and checks they still
// belong together.
func (s *Sequencer) binding(ctx context.Context, r model.Recipient) (model.Campaign, model.Account, error) {
	c, err := s.store.GetCampaign(ctx, r.CampaignID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Campaign{}, model.Account{}, fmt.Errorf("campaign %s missing: %w", r.CampaignID, ErrBindingBroken)
	}
	if err != nil {
		return model.Campaign{}, model.Account{}, err
	}
	if c.AccountID != r.AccountID {
		return model.Campaign{}, model.Account{}, fmt.Errorf("recipient bound to %s, campaign to %s: %w", r.AccountID, c.AccountID, ErrBindingBroken)
	}

	acc, err := s.store.GetAccount(ctx, c.AccountID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Campaign{}, model.Account{}, fmt.Errorf("account %s missing: %w", c.AccountID, ErrBindingBroken)
	}
	if err != nil {
		return model.Campaign{}, model.Account{}, err
	}
	if acc.Channel != r.Channel {
		return model.Campaign{}, model.Account{}, fmt.Errorf("account %s on %s, recipient on %s: %w", acc.ID, acc.Channel, r.Channel, ErrBindingBroken)
	}
	if acc.Identity == "" || acc.Health != model.HealthActive {
		return model.Campaign{}, model.Account{}, fmt.Errorf("account %s not linked (health %s): %w", acc.ID, acc.Health, ErrBindingBroken)
	}
	return c, acc, nil
}

func (s *Sequencer) openJob(ctx context.Context, recipientID uuid.UUID, action model.ActionKind) (model.Job, bool, error) {
	jobs, err := s.store.ListJobsByRecipient(ctx, recipientID)
	if err != nil {
		return model.Job{}, false, err
	}
	for _, j := range jobs {
		if j.Action == action && j.Status.Open() {
			return j, true, nil
		}
	}
	return model.Job{}, false, nil
}

// updateRecipient applies fn under optimistic locking, reloading on
// version conflicts. fn reports whether it changed anything.
func (s *Sequencer) updateRecipient(ctx context.Context, id uuid.UUID, fn func(r *model.Recipient) (bool, error)) (model.Recipient, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		r, err := s.store.GetRecipient(ctx, id)
		if err != nil {
			return model.Recipient{}, err
		}
		if r.Terminal {
			return r, repo.ErrRecipientTerminal
		}

		changed, err := fn(&r)
		if err != nil || !changed {
			return r, err
		}
		r.UpdatedAt = s.clock()

		err = s.store.UpdateRecipient(ctx, &r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return r, err
		}
	}
	return model.Recipient{}, fmt.Errorf("recipient %s: %w", id, repo.ErrConflict)
}

// Next describes what should happen after the recipient's current state.
type Next struct {
	// Step to enqueue, -1 when nothing is due.
	Step int `json:"step"`
	// Wait is set while an acknowledgment is outstanding.
	Wait bool `json:"wait"`
	// Complete is set when the sequence is exhausted.
	Complete bool `json:"complete"`
}

// Projection is the recipient state implied by its job history.
type Projection struct {
	// Lifecycle implied by the jobs; the zero value when no job ran.
	Lifecycle model.Lifecycle
	// LastSent is the highest-step sent job.
	LastSent *model.Job
	// Open is an open job of the recipient, if any.
	Open *model.Job
	// Failed is set when the job for the step that should run next ended
	// failed and nothing replaced it.
	Failed *model.Job
	Next   Next
}

// Project derives the lifecycle from the job log. It is pure and safe to
// call with any snapshot.
func Project(r model.Recipient, c model.Campaign, jobs []model.Job) Projection {
	p := Projection{Lifecycle: model.Pending()}
	if r.Lifecycle.Phase != model.PhasePending {
		p.Lifecycle = model.Approved()
	}

	for i := range jobs {
		j := jobs[i]
		switch {
		case j.Status == model.JobSent:
			if p.LastSent == nil || j.Step > p.LastSent.Step {
				p.LastSent = &j
			}
		case j.Status.Open():
			if p.Open == nil || j.Step > p.Open.Step {
				p.Open = &j
			}
		}
	}

	if p.LastSent != nil {
		k := p.LastSent.Step
		p.Lifecycle = model.StepSent(k)
		if st, ok := c.StepAt(k); ok && !st.AwaitAck {
			p.Lifecycle = model.StepAcked(k)
		}
	}
	if p.Open != nil && p.Open.Step > 0 {
		if prior := model.StepAcked(p.Open.Step - 1); p.Lifecycle.Before(prior) {
			p.Lifecycle = prior
		}
	}

	// Explicit acknowledgments are only recorded on the recipient.
	effective := p.Lifecycle
	if !r.Lifecycle.Phase.Terminal() && effective.Before(r.Lifecycle) {
		effective = r.Lifecycle
	}
	p.Next = nextAfter(effective, c)

	if p.Open == nil && p.Next.Step >= 0 {
		for i := range jobs {
			j := jobs[i]
			if j.Step != p.Next.Step || j.Status != model.JobFailed {
				continue
			}
			if p.Failed == nil || j.UpdatedAt.After(p.Failed.UpdatedAt) {
				p.Failed = &j
			}
		}
	}
	return p
}

func nextAfter(lc model.Lifecycle, c model.Campaign) Next {
	none := Next{Step: -1}
	switch lc.Phase {
	case model.PhaseApproved:
		if len(c.Steps) == 0 {
			return Next{Step: -1, Complete: true}
		}
		return Next{Step: 0}
	case model.PhaseSent:
		if st, ok := c.StepAt(lc.Step); ok && st.AwaitAck {
			return Next{Step: -1, Wait: true}
		}
		fallthrough
	case model.PhaseAcked:
		if c.Last(lc.Step) || lc.Step >= len(c.Steps) {
			return Next{Step: -1, Complete: true}
		}
		return Next{Step: lc.Step + 1}
	}
	return none
}
