package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/LeventeLantos/outreach-scheduler/internal/client"
	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
	"github.com/LeventeLantos/outreach-scheduler/internal/service"
)

func TestAdmin_CancelAllPendingHoldsRecipient(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, job := e.approved("alice")
	n, err := e.admin.CancelAllPending(e.ctx, r.ID)
	if err != nil {
		t.Fatalf("CancelAllPending() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled job, got %d", n)
	}
	if got := e.job(job.ID); got.Status != model.JobCancelled {
		t.Fatalf("expected job cancelled, got %s", got.Status)
	}
	if got := e.recipient(r.ID); got.Attention != model.AttentionOperatorHold {
		t.Fatalf("expected operator hold, got %q", got.Attention)
	}

	if report := e.reconciler.Pass(e.ctx); report.Healed != 0 {
		t.Fatalf("expected held recipient left alone, got %+v", report)
	}
	if jobs := e.jobs(r.ID); len(jobs) != 1 {
		t.Fatalf("expected no replacement job, got %d jobs", len(jobs))
	}

	resumed, err := e.admin.Resume(e.ctx, r.ID)
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if resumed == nil || resumed.Step != 0 || resumed.Status != model.JobPending {
		t.Fatalf("expected new first step job, got %+v", resumed)
	}
	if got := e.recipient(r.ID); got.Attention != "" {
		t.Fatalf("expected attention cleared, got %q", got.Attention)
	}
}

func TestAdmin_HoldSurvivesAcknowledgment(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, invite := e.approved("alice")
	if stats := e.runUntilDue(invite); stats.Sent != 1 {
		t.Fatalf("expected invite sent, got %+v", stats)
	}
	if _, err := e.admin.CancelAllPending(e.ctx, r.ID); err != nil {
		t.Fatalf("CancelAllPending() error: %v", err)
	}

	if err := e.seq.OnAcknowledged(e.ctx, e.event("alice")); err != nil {
		t.Fatalf("OnAcknowledged() error: %v", err)
	}
	got := e.recipient(r.ID)
	if got.Attention != model.AttentionOperatorHold {
		t.Fatalf("expected hold kept, got %q", got.Attention)
	}
	if got.Lifecycle != model.StepAcked(0) {
		t.Fatalf("expected acknowledgment recorded, got %s", got.Lifecycle)
	}
	for _, j := range e.jobs(r.ID) {
		if j.Status.Open() {
			t.Fatalf("expected no open job while held, got %+v", j)
		}
	}

	if _, err := e.seq.EnqueueStep(e.ctx, r.ID, 1, time.Time{}); !errors.Is(err, service.ErrOnHold) {
		t.Fatalf("expected ErrOnHold, got %v", err)
	}

	resumed, err := e.admin.Resume(e.ctx, r.ID)
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if resumed == nil || resumed.Step != 1 || resumed.Action != model.ActionAcceptMessage {
		t.Fatalf("expected accept message enqueued on resume, got %+v", resumed)
	}
}

func TestAdmin_Health(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.channel.SetRespond(func(c call) (string, error) {
		if c.Recipient == "bob" {
			return "", client.Permanent(errBoom)
		}
		return "ok-1", nil
	})
	_, j1 := e.approved("alice")
	_, j2 := e.approved("bob")
	e.runUntilDue(j1)
	e.runUntilDue(j2)

	h, err := e.admin.Health(e.ctx, e.account.ID)
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if h.QuotaUsed != 2 || h.DailyQuota != 50 {
		t.Fatalf("unexpected quota: %+v", h)
	}
	if h.ErrorRate24h != 0.5 || h.Jobs24h != 2 {
		t.Fatalf("expected error rate 0.5 over 2 jobs, got %+v", h)
	}
	if h.RateLimitedUntil != nil || h.Suspended {
		t.Fatalf("unexpected account state: %+v", h)
	}

	if _, err := e.admin.Health(e.ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdmin_ForceRequeueRevivesRecipient(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.channel.SetRespond(func(c call) (string, error) { return "", client.Permanent(errBoom) })
	r, job := e.approved("alice")
	e.runUntilDue(job)
	if got := e.recipient(r.ID); got.Lifecycle.Phase != model.PhaseFailed {
		t.Fatalf("expected failed recipient, got %s", got.Lifecycle)
	}

	e.channel.SetRespond(nil)
	requeued, err := e.admin.ForceRequeue(e.ctx, job.ID)
	if err != nil {
		t.Fatalf("ForceRequeue() error: %v", err)
	}
	if requeued.Status != model.JobPending || requeued.AttemptCount != 0 {
		t.Fatalf("expected fresh pending job, got %s/%d", requeued.Status, requeued.AttemptCount)
	}
	if got := e.recipient(r.ID); got.Terminal || got.Lifecycle != model.Approved() {
		t.Fatalf("expected recipient revived to approved, got %s", got.Lifecycle)
	}

	e.runUntilDue(requeued)
	if got := e.recipient(r.ID); got.Lifecycle != model.StepSent(0) {
		t.Fatalf("expected step_1_sent after requeue, got %s", got.Lifecycle)
	}
}

func TestAdmin_ForceRequeueRejectsFinishedJobs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, job := e.approved("alice")
	e.runUntilDue(job)
	if _, err := e.admin.ForceRequeue(e.ctx, job.ID); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for sent job, got %v", err)
	}
}

func TestAdmin_PurgeJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, job := e.approved("alice")
	if err := e.admin.PurgeJob(e.ctx, job.ID); !errors.Is(err, service.ErrJobOpen) {
		t.Fatalf("expected ErrJobOpen, got %v", err)
	}
	if _, err := e.admin.CancelAllPending(e.ctx, r.ID); err != nil {
		t.Fatalf("CancelAllPending() error: %v", err)
	}
	if err := e.admin.PurgeJob(e.ctx, job.ID); err != nil {
		t.Fatalf("PurgeJob() error: %v", err)
	}
	if _, err := e.store.GetJob(e.ctx, job.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected job gone, got %v", err)
	}
}

func TestAdmin_RecipientView(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, job := e.approved("alice")
	e.runUntilDue(job)
	e.clock.Advance(time.Minute)

	view, err := e.admin.Recipient(e.ctx, r.ID)
	if err != nil {
		t.Fatalf("Recipient() error: %v", err)
	}
	if len(view.Jobs) != 1 || !view.Next.Wait {
		t.Fatalf("expected one job and waiting for ack, got %+v", view)
	}
}
