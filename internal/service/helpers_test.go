package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/outreach-scheduler/internal/allocator"
	"github.com/LeventeLantos/outreach-scheduler/internal/client"
	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
	"github.com/LeventeLantos/outreach-scheduler/internal/service"
)

// Wednesday 10:00 UTC.
var start = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type call struct {
	Action    string
	Recipient string
	Content   string
}

// fakeChannel records calls and answers with respond, which defaults to
// success.
type fakeChannel struct {
	mu      sync.Mutex
	calls   []call
	respond func(c call) (string, error)
}

func (f *fakeChannel) Invite(ctx context.Context, r model.Recipient, a model.Account) (string, error) {
	return f.do(call{Action: "invite", Recipient: r.ExternalRef})
}

func (f *fakeChannel) Message(ctx context.Context, r model.Recipient, a model.Account, content string) (string, error) {
	return f.do(call{Action: "message", Recipient: r.ExternalRef, Content: content})
}

func (f *fakeChannel) do(c call) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	respond := f.respond
	n := len(f.calls)
	f.mu.Unlock()

	if respond != nil {
		return respond(c)
	}
	return "remote-" + string(rune('a'+n%26)), nil
}

func (f *fakeChannel) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeChannel) SetRespond(fn func(c call) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

type env struct {
	t          *testing.T
	ctx        context.Context
	clock      *manualClock
	store      *repo.MemoryStore
	alloc      *allocator.Allocator
	channel    *fakeChannel
	seq        *service.Sequencer
	dispatcher *service.Dispatcher
	reconciler *service.Reconciler
	admin      *service.Admin
	account    model.Account
	campaign   model.Campaign
}

type envOption func(e *envConfig)

type envConfig struct {
	account    func(a *model.Account)
	reconciler service.ReconcilerConfig
}

func withAccount(fn func(a *model.Account)) envOption {
	return func(c *envConfig) { c.account = fn }
}

func withReconcilerConfig(rc service.ReconcilerConfig) envOption {
	return func(c *envConfig) { c.reconciler = rc }
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	cfg := envConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	clock := &manualClock{now: start}
	store := repo.NewMemoryStore()

	acc := model.Account{
		ID:          "acc-1",
		Channel:     "linkedin",
		Identity:    "sender@example.com",
		DailyQuota:  50,
		OpenMinute:  0,
		CloseMinute: 24 * 60,
		Weekdays:    model.AllWeekdays,
		SpacingMin:  time.Second,
		SpacingMax:  2 * time.Second,
		Health:      model.HealthActive,
	}
	if cfg.account != nil {
		cfg.account(&acc)
	}
	if err := store.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("UpsertAccount() error: %v", err)
	}

	camp := model.Campaign{
		ID:         "camp-1",
		Name:       "Spring",
		AccountID:  acc.ID,
		MaxRetries: 3,
		Steps: []model.Step{
			{Action: model.ActionInvite, AwaitAck: true},
			{Action: model.ActionAcceptMessage, Delay: time.Hour, Template: "Hi {{.Recipient}}, thanks for connecting."},
			{Action: model.ActionFollowUp, Delay: 24 * time.Hour, Template: "Following up on {{.Campaign}}."},
		},
	}
	if err := store.UpsertCampaign(ctx, camp); err != nil {
		t.Fatalf("UpsertCampaign() error: %v", err)
	}

	logger := quietLogger()
	common := []service.Option{service.WithClock(clock.Now), service.WithLogger(logger)}

	alloc := allocator.New(store,
		allocator.WithJitter(0),
		allocator.WithRand(func(n int64) int64 { return 0 }),
		allocator.WithLogger(logger),
	)
	channel := &fakeChannel{}
	seq := service.NewSequencer(store, alloc, 3, common...)
	disp := service.NewDispatcher(store, channel, service.NewTemplateContent(300), nil, seq, service.DispatcherConfig{
		BatchSize: 10,
		Workers:   4,
	}, common...)
	rec := service.NewReconciler(store, seq, alloc, cfg.reconciler, common...)

	return &env{
		t:          t,
		ctx:        ctx,
		clock:      clock,
		store:      store,
		alloc:      alloc,
		channel:    channel,
		seq:        seq,
		dispatcher: disp,
		reconciler: rec,
		admin:      service.NewAdmin(store, seq, alloc, common...),
		account:    acc,
		campaign:   camp,
	}
}

// approved enrolls and approves a recipient, returning it with its first job.
func (e *env) approved(ref string) (model.Recipient, model.Job) {
	e.t.Helper()

	r, err := e.seq.Enroll(e.ctx, service.Enrollment{Channel: "linkedin", ExternalRef: ref, CampaignID: e.campaign.ID})
	if err != nil {
		e.t.Fatalf("Enroll() error: %v", err)
	}
	job, err := e.seq.Approve(e.ctx, r.ID)
	if err != nil {
		e.t.Fatalf("Approve() error: %v", err)
	}
	return e.recipient(r.ID), job
}

func (e *env) recipient(id uuid.UUID) model.Recipient {
	e.t.Helper()
	r, err := e.store.GetRecipient(e.ctx, id)
	if err != nil {
		e.t.Fatalf("GetRecipient() error: %v", err)
	}
	return r
}

func (e *env) job(id uuid.UUID) model.Job {
	e.t.Helper()
	j, err := e.store.GetJob(e.ctx, id)
	if err != nil {
		e.t.Fatalf("GetJob() error: %v", err)
	}
	return j
}

func (e *env) jobs(recipientID uuid.UUID) []model.Job {
	e.t.Helper()
	jobs, err := e.store.ListJobsByRecipient(e.ctx, recipientID)
	if err != nil {
		e.t.Fatalf("ListJobsByRecipient() error: %v", err)
	}
	return jobs
}

// runUntilDue advances the clock to the job's slot and ticks once.
func (e *env) runUntilDue(j model.Job) service.TickStats {
	e.t.Helper()
	if now := e.clock.Now(); j.ScheduledFor.After(now) {
		e.clock.Advance(j.ScheduledFor.Sub(now))
	}
	return e.dispatcher.Tick(e.ctx)
}

func (e *env) event(ref string) service.RecipientEvent {
	return service.RecipientEvent{Channel: "linkedin", ExternalRef: ref, CampaignID: e.campaign.ID}
}

var errBoom = errors.New("boom")

func transientErr() error { return client.Transient(errBoom) }
