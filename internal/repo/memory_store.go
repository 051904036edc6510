package repo

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

// MemoryStore is a process-local Store. A single mutex plays the role of
// the database row locks, so every method is atomic.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*model.Job
	recipients map[uuid.UUID]*model.Recipient
	identities map[string]uuid.UUID
	accounts   map[string]*model.Account
	campaigns  map[string]model.Campaign
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[uuid.UUID]*model.Job),
		recipients: make(map[uuid.UUID]*model.Recipient),
		identities: make(map[string]uuid.UUID),
		accounts:   make(map[string]*model.Account),
		campaigns:  make(map[string]model.Campaign),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[j.RecipientID]
	if !ok {
		return fmt.Errorf("recipient %s: %w", j.RecipientID, ErrNotFound)
	}
	if r.Terminal {
		return ErrRecipientTerminal
	}
	if j.Status != model.JobPending {
		return fmt.Errorf("create job in status %s: %w", j.Status, ErrInvalidTransition)
	}
	if s.openJobLocked(j.RecipientID, j.Action, uuid.Nil) != nil {
		return ErrDuplicateOpenJob
	}
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists: %w", j.ID, ErrConflict)
	}

	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return *j, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, accountID string, now time.Time, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collectLocked(limit, func(j *model.Job) bool {
		return j.AccountID == accountID && j.Status == model.JobPending && !j.ScheduledFor.After(now)
	}), nil
}

func (s *MemoryStore) Claim(ctx context.Context, id uuid.UUID, now time.Time) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	if j.Status != model.JobPending || j.ScheduledFor.After(now) {
		return model.Job{}, ErrNotClaimable
	}
	acc, ok := s.accounts[j.AccountID]
	if !ok || !acc.Dispatchable(now) || !acc.Paced(now) || !acc.InBusinessHours(now) {
		return model.Job{}, ErrNotClaimable
	}
	day := acc.LocalDay(now)
	used := acc.QuotaUsedOn(day)
	if used >= acc.DailyQuota {
		return model.Job{}, ErrNotClaimable
	}
	if r, ok := s.recipients[j.RecipientID]; !ok || r.Terminal {
		return model.Job{}, ErrNotClaimable
	}

	at := now.UTC()
	acc.QuotaDay = day
	acc.QuotaUsed = used + 1
	acc.LastDispatchedAt = &at
	acc.UpdatedAt = at

	j.Status = model.JobDispatched
	j.DispatchedAt = &at
	j.UpdatedAt = at
	return *j, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.mutateJob(id, func(j *model.Job) error {
		switch j.Status {
		case model.JobSent:
			return nil
		case model.JobDispatched:
		default:
			return fmt.Errorf("mark sent from %s: %w", j.Status, ErrInvalidTransition)
		}
		at := now.UTC()
		j.Status = model.JobSent
		j.CompletedAt = &at
		j.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, attempts int, now time.Time) error {
	return s.mutateJob(id, func(j *model.Job) error {
		switch j.Status {
		case model.JobFailed:
			return nil
		case model.JobPending, model.JobDispatched:
		default:
			return fmt.Errorf("mark failed from %s: %w", j.Status, ErrInvalidTransition)
		}
		at := now.UTC()
		j.Status = model.JobFailed
		j.AttemptCount = attempts
		j.LastError = reason
		j.CompletedAt = &at
		j.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, attempts int, lastErr string, now time.Time) error {
	return s.mutateJob(id, func(j *model.Job) error {
		if j.Status != model.JobDispatched {
			return fmt.Errorf("reschedule from %s: %w", j.Status, ErrInvalidTransition)
		}
		j.Status = model.JobPending
		j.ScheduledFor = at.UTC()
		j.AttemptCount = attempts
		j.LastError = lastErr
		j.UpdatedAt = now.UTC()
		return nil
	})
}

func (s *MemoryStore) RefundDispatch(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != model.JobDispatched || j.DispatchedAt == nil {
		return fmt.Errorf("refund from %s: %w", j.Status, ErrInvalidTransition)
	}
	if acc, ok := s.accounts[j.AccountID]; ok {
		if acc.QuotaDay == acc.LocalDay(*j.DispatchedAt) && acc.QuotaUsed > 0 {
			acc.QuotaUsed--
		}
	}
	j.Status = model.JobPending
	j.DispatchedAt = nil
	j.LastError = reason
	j.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) CancelJob(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	return s.mutateJob(id, func(j *model.Job) error {
		switch {
		case j.Status == model.JobCancelled:
			return nil
		case !j.Status.Open():
			return fmt.Errorf("cancel from %s: %w", j.Status, ErrInvalidTransition)
		}
		at := now.UTC()
		j.Status = model.JobCancelled
		j.LastError = reason
		j.CompletedAt = &at
		j.UpdatedAt = at
		return nil
	})
}

func (s *MemoryStore) MoveJob(ctx context.Context, id uuid.UUID, at time.Time, now time.Time) error {
	return s.mutateJob(id, func(j *model.Job) error {
		if j.Status != model.JobPending {
			return fmt.Errorf("move from %s: %w", j.Status, ErrInvalidTransition)
		}
		j.ScheduledFor = at.UTC()
		j.UpdatedAt = now.UTC()
		return nil
	})
}

func (s *MemoryStore) Requeue(ctx context.Context, id uuid.UUID, at time.Time, now time.Time) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	if j.Status != model.JobDispatched && j.Status != model.JobFailed {
		return model.Job{}, fmt.Errorf("requeue from %s: %w", j.Status, ErrInvalidTransition)
	}
	r, ok := s.recipients[j.RecipientID]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	if r.Terminal && r.Lifecycle.Phase != model.PhaseFailed {
		return model.Job{}, ErrRecipientTerminal
	}
	if s.openJobLocked(j.RecipientID, j.Action, j.ID) != nil {
		return model.Job{}, ErrDuplicateOpenJob
	}

	j.Status = model.JobPending
	j.ScheduledFor = at.UTC()
	j.AttemptCount = 0
	j.CompletedAt = nil
	j.UpdatedAt = now.UTC()
	return *j, nil
}

func (s *MemoryStore) ResetStuck(ctx context.Context, id uuid.UUID, dispatchedAt, at, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != model.JobDispatched || j.DispatchedAt == nil || !j.DispatchedAt.Equal(dispatchedAt) {
		return false, nil
	}
	j.Status = model.JobPending
	j.AttemptCount++
	j.ScheduledFor = at.UTC()
	j.LastError = "dispatch timeout"
	j.UpdatedAt = now.UTC()
	return true, nil
}

func (s *MemoryStore) FailStuck(ctx context.Context, id uuid.UUID, dispatchedAt time.Time, reason string, attempts int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != model.JobDispatched || j.DispatchedAt == nil || !j.DispatchedAt.Equal(dispatchedAt) {
		return false, nil
	}
	at := now.UTC()
	j.Status = model.JobFailed
	j.AttemptCount = attempts
	j.LastError = reason
	j.CompletedAt = &at
	j.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ListStuckDispatched(ctx context.Context, olderThan time.Time) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collectLocked(0, func(j *model.Job) bool {
		return j.Status == model.JobDispatched && j.DispatchedAt != nil && j.DispatchedAt.Before(olderThan)
	}), nil
}

func (s *MemoryStore) ListPending(ctx context.Context, accountID string, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collectLocked(limit, func(j *model.Job) bool {
		return j.Status == model.JobPending && (accountID == "" || j.AccountID == accountID)
	}), nil
}

func (s *MemoryStore) ListJobsByRecipient(ctx context.Context, recipientID uuid.UUID) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.collectLocked(0, func(j *model.Job) bool { return j.RecipientID == recipientID })
	slices.SortStableFunc(out, func(a, b model.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListDuplicateOpen(ctx context.Context) ([][]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		recipient uuid.UUID
		action    model.ActionKind
	}
	groups := make(map[key][]model.Job)
	for _, j := range s.jobs {
		if j.Status.Open() {
			k := key{j.RecipientID, j.Action}
			groups[k] = append(groups[k], *j)
		}
	}

	var out [][]model.Job
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		slices.SortFunc(g, func(a, b model.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
		out = append(out, g)
	}
	return out, nil
}

func (s *MemoryStore) JobStats(ctx context.Context, accountID string, since time.Time) (JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st JobStats
	for _, j := range s.jobs {
		if j.AccountID != accountID || j.CompletedAt == nil || j.CompletedAt.Before(since) {
			continue
		}
		switch j.Status {
		case model.JobSent:
			st.Total++
		case model.JobFailed:
			st.Total++
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) CountDispatchedSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.AccountID == accountID && j.DispatchedAt != nil && !j.DispatchedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PurgeJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) CreateRecipient(ctx context.Context, r *model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.IdentityKey()
	if _, exists := s.identities[key]; exists {
		return ErrRecipientExists
	}
	if r.Version == 0 {
		r.Version = 1
	}
	cp := *r
	s.recipients[r.ID] = &cp
	s.identities[key] = r.ID
	return nil
}

func (s *MemoryStore) GetRecipient(ctx context.Context, id uuid.UUID) (model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[id]
	if !ok {
		return model.Recipient{}, ErrNotFound
	}
	return *r, nil
}

func (s *MemoryStore) FindRecipient(ctx context.Context, channel, externalRef, campaignID string) (model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.Recipient{Channel: channel, ExternalRef: externalRef, CampaignID: campaignID}.IdentityKey()
	id, ok := s.identities[key]
	if !ok {
		return model.Recipient{}, ErrNotFound
	}
	return *s.recipients[id], nil
}

func (s *MemoryStore) UpdateRecipient(ctx context.Context, r *model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.recipients[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Terminal {
		return ErrRecipientTerminal
	}
	if cur.Version != r.Version {
		return ErrConflict
	}
	r.Version++
	cp := *r
	cp.Terminal = cp.Lifecycle.Phase.Terminal()
	s.recipients[r.ID] = &cp
	r.Terminal = cp.Terminal
	return nil
}

func (s *MemoryStore) TerminateRecipient(ctx context.Context, id uuid.UUID, phase model.Phase, reason string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[id]
	if !ok {
		return 0, ErrNotFound
	}
	if r.Terminal {
		return 0, ErrRecipientTerminal
	}
	if !phase.Terminal() {
		return 0, fmt.Errorf("terminate into %s: %w", phase, ErrInvalidTransition)
	}

	at := now.UTC()
	r.Lifecycle = model.Terminal(phase)
	r.Terminal = true
	r.Reason = reason
	r.Attention = ""
	r.NextDueAt = nil
	r.Version++
	r.UpdatedAt = at

	cancelled := 0
	for _, j := range s.jobs {
		if j.RecipientID == id && j.Status == model.JobPending {
			j.Status = model.JobCancelled
			j.LastError = "recipient " + string(phase)
			j.CompletedAt = &at
			j.UpdatedAt = at
			cancelled++
		}
	}
	return cancelled, nil
}

func (s *MemoryStore) ReviveRecipient(ctx context.Context, id uuid.UUID, lc model.Lifecycle, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[id]
	if !ok {
		return ErrNotFound
	}
	if r.Lifecycle.Phase != model.PhaseFailed || lc.Phase.Terminal() {
		return fmt.Errorf("revive %s into %s: %w", r.Lifecycle, lc, ErrInvalidTransition)
	}
	r.Lifecycle = lc
	r.Terminal = false
	r.Reason = ""
	r.Version++
	r.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) ListRecipients(ctx context.Context, f RecipientFilter) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Recipient
	for _, r := range s.recipients {
		if f.NonTerminal && r.Terminal {
			continue
		}
		if f.AccountID != "" && r.AccountID != f.AccountID {
			continue
		}
		if len(f.Phases) > 0 && !slices.Contains(f.Phases, r.Lifecycle.Phase) {
			continue
		}
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b model.Recipient) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertAccount(ctx context.Context, a model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.accounts[a.ID]; ok {
		a.QuotaDay = cur.QuotaDay
		a.QuotaUsed = cur.QuotaUsed
		a.RateLimitedUntil = cur.RateLimitedUntil
		a.Suspended = cur.Suspended
		a.SuspendReason = cur.SuspendReason
		a.LastDispatchedAt = cur.LastDispatchedAt
		a.Cursor = cur.Cursor
		a.CreatedAt = cur.CreatedAt
	}
	s.accounts[a.ID] = &a
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b model.Account) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) SwapCursor(ctx context.Context, id string, expectVersion int64, next model.Cursor) error {
	return s.mutateAccount(id, func(a *model.Account) error {
		if a.Cursor.Version != expectVersion {
			return ErrConflict
		}
		next.Version = expectVersion + 1
		a.Cursor = next
		return nil
	})
}

func (s *MemoryStore) SetRateLimited(ctx context.Context, id string, until time.Time) error {
	return s.mutateAccount(id, func(a *model.Account) error {
		u := until.UTC()
		a.RateLimitedUntil = &u
		return nil
	})
}

func (s *MemoryStore) SetSuspended(ctx context.Context, id string, suspended bool, reason string) error {
	return s.mutateAccount(id, func(a *model.Account) error {
		a.Suspended = suspended
		a.SuspendReason = reason
		return nil
	})
}

func (s *MemoryStore) SetQuotaUsed(ctx context.Context, id string, day string, used int) error {
	return s.mutateAccount(id, func(a *model.Account) error {
		a.QuotaDay = day
		a.QuotaUsed = used
		return nil
	})
}

func (s *MemoryStore) UpsertCampaign(ctx context.Context, c model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Steps = slices.Clone(c.Steps)
	s.campaigns[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, ErrNotFound
	}
	c.Steps = slices.Clone(c.Steps)
	return c, nil
}

func (s *MemoryStore) mutateJob(id uuid.UUID, fn func(j *model.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	return fn(j)
}

func (s *MemoryStore) mutateAccount(id string, fn func(a *model.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	return fn(a)
}

func (s *MemoryStore) openJobLocked(recipientID uuid.UUID, action model.ActionKind, except uuid.UUID) *model.Job {
	for _, j := range s.jobs {
		if j.ID != except && j.RecipientID == recipientID && j.Action == action && j.Status.Open() {
			return j
		}
	}
	return nil
}

// collectLocked returns matching jobs ordered by ScheduledFor ascending.
func (s *MemoryStore) collectLocked(limit int, match func(j *model.Job) bool) []model.Job {
	var out []model.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
