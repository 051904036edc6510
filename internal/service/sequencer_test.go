package service_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
	"github.com/LeventeLantos/outreach-scheduler/internal/service"
)

func TestSequencer_EnrollIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	en := service.Enrollment{Channel: "linkedin", ExternalRef: "alice", CampaignID: e.campaign.ID}
	a, err := e.seq.Enroll(e.ctx, en)
	if err != nil {
		t.Fatalf("Enroll() error: %v", err)
	}
	b, err := e.seq.Enroll(e.ctx, en)
	if err != nil {
		t.Fatalf("second Enroll() error: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected same recipient, got %s and %s", a.ID, b.ID)
	}
	if a.Lifecycle != model.Pending() || a.AccountID != e.account.ID {
		t.Fatalf("unexpected recipient: %+v", a)
	}

	_, err = e.seq.Enroll(e.ctx, service.Enrollment{Channel: "linkedin", ExternalRef: "bob", CampaignID: "missing"})
	if !errors.Is(err, service.ErrBindingBroken) {
		t.Fatalf("expected ErrBindingBroken for unknown campaign, got %v", err)
	}
}

func TestSequencer_ApproveEnqueuesFirstStep(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, job := e.approved("alice")
	if r.Lifecycle != model.Approved() {
		t.Fatalf("expected approved, got %s", r.Lifecycle)
	}
	if job.Action != model.ActionInvite || job.Step != 0 || job.Status != model.JobPending {
		t.Fatalf("unexpected first job: %+v", job)
	}
	if r.NextDueAt == nil || !r.NextDueAt.Equal(job.ScheduledFor) {
		t.Fatalf("expected NextDueAt %v, got %v", job.ScheduledFor, r.NextDueAt)
	}

	again, err := e.seq.Approve(e.ctx, r.ID)
	if err != nil {
		t.Fatalf("second Approve() error: %v", err)
	}
	if again.ID != job.ID {
		t.Fatalf("expected re-approve to return the open job")
	}
	if n := len(e.jobs(r.ID)); n != 1 {
		t.Fatalf("expected 1 job, got %d", n)
	}
}

func TestSequencer_ApproveFromWrongState(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, _ := e.approved("alice")
	if err := e.seq.OnReply(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("OnReply() error: %v", err)
	}
	if _, err := e.seq.Approve(e.ctx, r.ID); !errors.Is(err, repo.ErrRecipientTerminal) {
		t.Fatalf("expected ErrRecipientTerminal, got %v", err)
	}

	p, err := e.seq.Enroll(e.ctx, service.Enrollment{Channel: "linkedin", ExternalRef: "bob", CampaignID: e.campaign.ID})
	if err != nil {
		t.Fatalf("Enroll() error: %v", err)
	}
	if _, err := e.seq.EnqueueFirstStep(e.ctx, p.ID); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for pending recipient, got %v", err)
	}
}

func TestSequencer_FullSequence(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, invite := e.approved("alice")
	e.runUntilDue(invite)

	r = e.recipient(r.ID)
	if r.Lifecycle != model.StepSent(0) {
		t.Fatalf("expected step_1_sent, got %s", r.Lifecycle)
	}
	if got := e.job(invite.ID); got.Status != model.JobSent {
		t.Fatalf("expected invite sent, got %s", got.Status)
	}

	if err := e.seq.OnAcknowledged(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("OnAcknowledged() error: %v", err)
	}
	if err := e.seq.OnAcknowledged(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("duplicate OnAcknowledged() error: %v", err)
	}

	jobs := e.jobs(r.ID)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs after ack, got %d", len(jobs))
	}
	accept := jobs[1]
	if accept.Action != model.ActionAcceptMessage || accept.ScheduledFor.Before(e.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected accept job: %+v", accept)
	}

	e.runUntilDue(accept)
	follow := e.jobs(r.ID)[2]
	if follow.Action != model.ActionFollowUp {
		t.Fatalf("expected follow up enqueued, got %s", follow.Action)
	}
	if r := e.recipient(r.ID); r.Lifecycle != model.StepAcked(1) {
		t.Fatalf("expected step_2_acked, got %s", r.Lifecycle)
	}

	e.runUntilDue(follow)
	r = e.recipient(r.ID)
	if r.Lifecycle.Phase != model.PhaseCompleted || !r.Terminal {
		t.Fatalf("expected completed, got %s", r.Lifecycle)
	}

	calls := e.channel.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 channel calls, got %d", len(calls))
	}
	if calls[1].Content != "Hi alice, thanks for connecting." {
		t.Fatalf("unexpected rendered content %q", calls[1].Content)
	}
	if calls[2].Content != "Following up on Spring." {
		t.Fatalf("unexpected rendered content %q", calls[2].Content)
	}
}

func TestSequencer_ReplyBeforeNextStepStopsSequence(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, invite := e.approved("alice")
	e.runUntilDue(invite)

	if err := e.seq.OnReply(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("OnReply() error: %v", err)
	}
	if err := e.seq.OnAcknowledged(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("late OnAcknowledged() error: %v", err)
	}
	if _, err := e.seq.EnqueueStep(e.ctx, r.ID, 1, time.Time{}); !errors.Is(err, repo.ErrRecipientTerminal) {
		t.Fatalf("expected ErrRecipientTerminal, got %v", err)
	}

	for _, j := range e.jobs(r.ID) {
		if j.Step > 0 {
			t.Fatalf("unexpected job for step %d after reply", j.Step+1)
		}
	}
	if r := e.recipient(r.ID); r.Lifecycle.Phase != model.PhaseReplied {
		t.Fatalf("expected replied, got %s", r.Lifecycle)
	}
}

func TestSequencer_ReplyCancelsRacingPendingJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, invite := e.approved("alice")
	e.runUntilDue(invite)
	if err := e.seq.OnAcknowledged(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("OnAcknowledged() error: %v", err)
	}
	pending := e.jobs(r.ID)[1]

	if err := e.seq.OnReply(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("OnReply() error: %v", err)
	}
	if got := e.job(pending.ID); got.Status != model.JobCancelled {
		t.Fatalf("expected step 2 job cancelled, got %s", got.Status)
	}

	e.clock.Advance(48 * time.Hour)
	e.dispatcher.Tick(e.ctx)
	if n := len(e.channel.Calls()); n != 1 {
		t.Fatalf("expected only the invite to be sent, got %d calls", n)
	}
}

func TestSequencer_ConcurrentEnqueueCreatesOneJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, err := e.seq.Enroll(e.ctx, service.Enrollment{Channel: "linkedin", ExternalRef: "alice", CampaignID: e.campaign.ID})
	if err != nil {
		t.Fatalf("Enroll() error: %v", err)
	}
	p := e.recipient(r.ID)
	p.Lifecycle = model.Approved()
	if err := e.store.UpdateRecipient(e.ctx, &p); err != nil {
		t.Fatalf("UpdateRecipient() error: %v", err)
	}

	const n = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := e.seq.EnqueueFirstStep(e.ctx, r.ID)
			if err != nil {
				t.Errorf("EnqueueFirstStep() error: %v", err)
				return
			}
			mu.Lock()
			ids[job.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected every caller to see the same job, got %d ids", len(ids))
	}
	if jobs := e.jobs(r.ID); len(jobs) != 1 {
		t.Fatalf("expected exactly 1 job, got %d", len(jobs))
	}
}

func TestSequencer_OnJobSentReplayIsNoop(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, invite := e.approved("alice")
	e.runUntilDue(invite)
	if err := e.seq.OnAcknowledged(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("OnAcknowledged() error: %v", err)
	}
	before := e.recipient(r.ID)

	if err := e.seq.OnJobSent(e.ctx, e.job(invite.ID)); err != nil {
		t.Fatalf("OnJobSent() replay error: %v", err)
	}
	after := e.recipient(r.ID)
	if after.Lifecycle != before.Lifecycle || after.Version != before.Version {
		t.Fatalf("replay changed recipient: %s v%d -> %s v%d", before.Lifecycle, before.Version, after.Lifecycle, after.Version)
	}
	if n := len(e.jobs(r.ID)); n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}
}

func TestSequencer_AcknowledgmentOutOfOrder(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.approved("alice")
	if err := e.seq.OnAcknowledged(e.ctx, e.event("alice")); !errors.Is(err, service.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestSequencer_SuspendedAccountRejectsEnqueue(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	if err := e.store.SetSuspended(e.ctx, e.account.ID, true, "manual"); err != nil {
		t.Fatalf("SetSuspended() error: %v", err)
	}
	r, err := e.seq.Enroll(e.ctx, service.Enrollment{Channel: "linkedin", ExternalRef: "alice", CampaignID: e.campaign.ID})
	if err != nil {
		t.Fatalf("Enroll() error: %v", err)
	}
	if _, err := e.seq.Approve(e.ctx, r.ID); !errors.Is(err, service.ErrAccountSuspended) {
		t.Fatalf("expected ErrAccountSuspended, got %v", err)
	}
	if n := len(e.jobs(r.ID)); n != 0 {
		t.Fatalf("expected no jobs, got %d", n)
	}
}

func TestProject(t *testing.T) {
	t.Parallel()

	c := model.Campaign{Steps: []model.Step{
		{Action: model.ActionInvite, AwaitAck: true},
		{Action: model.ActionAcceptMessage},
	}}
	r := model.Recipient{Lifecycle: model.Approved()}
	sentAt := start

	sent := model.Job{Step: 0, Action: model.ActionInvite, Status: model.JobSent, CompletedAt: &sentAt}
	open := model.Job{Step: 1, Action: model.ActionAcceptMessage, Status: model.JobPending}
	failed := model.Job{Step: 1, Action: model.ActionAcceptMessage, Status: model.JobFailed, LastError: "gone"}

	tests := []struct {
		name      string
		r         model.Recipient
		jobs      []model.Job
		lifecycle model.Lifecycle
		next      service.Next
		failed    bool
	}{
		{
			name:      "approved without jobs needs first step",
			r:         r,
			lifecycle: model.Approved(),
			next:      service.Next{Step: 0},
		},
		{
			name:      "sent step awaiting ack",
			r:         r,
			jobs:      []model.Job{sent},
			lifecycle: model.StepSent(0),
			next:      service.Next{Step: -1, Wait: true},
		},
		{
			name:      "explicit ack on recipient drives next step",
			r:         model.Recipient{Lifecycle: model.StepAcked(0)},
			jobs:      []model.Job{sent},
			lifecycle: model.StepSent(0),
			next:      service.Next{Step: 1},
		},
		{
			name:      "open job implies prior ack",
			r:         r,
			jobs:      []model.Job{sent, open},
			lifecycle: model.StepAcked(0),
			next:      service.Next{Step: 1},
		},
		{
			name:      "failed job for next step",
			r:         model.Recipient{Lifecycle: model.StepAcked(0)},
			jobs:      []model.Job{sent, failed},
			lifecycle: model.StepSent(0),
			next:      service.Next{Step: 1},
			failed:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := service.Project(tt.r, c, tt.jobs)
			if p.Lifecycle != tt.lifecycle {
				t.Fatalf("expected lifecycle %s, got %s", tt.lifecycle, p.Lifecycle)
			}
			if p.Next != tt.next {
				t.Fatalf("expected next %+v, got %+v", tt.next, p.Next)
			}
			if (p.Failed != nil) != tt.failed {
				t.Fatalf("expected failed=%v, got %+v", tt.failed, p.Failed)
			}
		})
	}
}
