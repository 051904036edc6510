package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
)

var (
	ErrCursorContention = errors.New("allocator: cursor contention")
	ErrNoCapacity       = errors.New("allocator: no free slot")
)

// CursorStore is the slice of the account repository the allocator needs.
type CursorStore interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	SwapCursor(ctx context.Context, id string, expectVersion int64, next model.Cursor) error
}

// Allocator hands out send slots per account. Every slot, near or
// deferred, is booked on the account cursor under the local day it falls
// on: it lands at least a random interval in [SpacingMin, SpacingMax]
// after that day's last slot, counts against the day's quota and keeps
// SpacingMin clear of the neighbouring days. The cursor is persisted with
// compare-and-swap so concurrent allocations for the same account never
// share a slot.
type Allocator struct {
	store       CursorStore
	jitter      time.Duration
	maxAttempts int
	draw        func(n int64) int64
	logger      *slog.Logger
}

type Option func(*Allocator)

// WithJitter sets the upper bound of the random delay added to now.
func WithJitter(d time.Duration) Option {
	return func(a *Allocator) { a.jitter = d }
}

// WithMaxAttempts bounds compare-and-swap retries per allocation.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) { a.maxAttempts = n }
}

// WithRand replaces the random source. draw must return a value in [0, n).
func WithRand(draw func(n int64) int64) Option {
	return func(a *Allocator) { a.draw = draw }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

func New(store CursorStore, opts ...Option) *Allocator {
	a := &Allocator{
		store:       store,
		jitter:      5 * time.Minute,
		maxAttempts: 16,
		draw:        rand.Int64N,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// maxHops bounds how often a single allocation may move its candidate
// forward looking for room.
const maxHops = 1024

// Allocate returns the next legal scheduled_for for a job on the account.
// notBefore carries the campaign step delay; the zero time means "as soon
// as possible".
func (a *Allocator) Allocate(ctx context.Context, accountID string, now, notBefore time.Time) (time.Time, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		acc, err := a.store.GetAccount(ctx, accountID)
		if err != nil {
			return time.Time{}, fmt.Errorf("load account %s: %w", accountID, err)
		}

		slot, next, err := a.plan(acc, now, notBefore)
		if err != nil {
			return time.Time{}, fmt.Errorf("account %s: %w", accountID, err)
		}

		err = a.store.SwapCursor(ctx, accountID, acc.Cursor.Version, next)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return time.Time{}, fmt.Errorf("swap cursor %s: %w", accountID, err)
		}
		a.logger.Debug("allocation cursor conflict, retrying", "account_id", accountID, "attempt", attempt+1)
	}
	return time.Time{}, fmt.Errorf("account %s: %w", accountID, ErrCursorContention)
}

// plan picks a slot for acc and returns the cursor that books it.
func (a *Allocator) plan(acc model.Account, now, notBefore time.Time) (time.Time, model.Cursor, error) {
	hours := HoursOf(acc)
	if err := hours.Validate(); err != nil {
		return time.Time{}, model.Cursor{}, err
	}
	if acc.DailyQuota <= 0 || acc.SpacingMin <= 0 || acc.SpacingMax < acc.SpacingMin {
		return time.Time{}, model.Cursor{}, fmt.Errorf("%w: quota=%d spacing=%s..%s",
			ErrInvalidPolicy, acc.DailyQuota, acc.SpacingMin, acc.SpacingMax)
	}

	cur := acc.Cursor
	gap := a.between(acc.SpacingMin, acc.SpacingMax)
	candidate := now.Add(a.between(0, a.jitter))
	if notBefore.After(candidate) {
		candidate = notBefore
	}

	for hop := 0; hop < maxHops; hop++ {
		slot, err := NextLegalInstant(candidate, hours)
		if err != nil {
			return time.Time{}, model.Cursor{}, err
		}
		day := acc.LocalDay(slot)
		load := cur.Load(day)

		if load.Count >= acc.DailyQuota {
			if candidate, err = OpeningAfterDay(slot, hours); err != nil {
				return time.Time{}, model.Cursor{}, err
			}
			continue
		}

		start := acc.DayStart(slot)
		last := load.Last
		if prev := cur.Load(acc.LocalDay(start.Add(-time.Hour))).Last; last.IsZero() && !prev.IsZero() {
			last = prev
		}
		if !last.IsZero() {
			if floor := last.Add(gap); slot.Before(floor) {
				candidate = floor
				continue
			}
		}

		// Windows touching midnight can put the next day's first slot
		// within reach.
		if next := cur.Load(acc.LocalDay(start.AddDate(0, 0, 1))); next.Count > 0 && slot.Add(acc.SpacingMin).After(next.First) {
			candidate = next.Last.Add(gap)
			continue
		}

		if load.Count == 0 {
			load.First = slot
		}
		load.Last = slot
		load.Count++
		return slot, book(acc, cur, day, load, now), nil
	}
	return time.Time{}, model.Cursor{}, fmt.Errorf("%w after %d moves", ErrNoCapacity, maxHops)
}

// book returns a copy of cur with day set to load. Days before yesterday
// can no longer receive slots and are dropped.
func book(acc model.Account, cur model.Cursor, day string, load model.DayLoad, now time.Time) model.Cursor {
	keep := acc.LocalDay(acc.DayStart(now).Add(-time.Hour))
	days := make(map[string]model.DayLoad, len(cur.Days)+1)
	for d, l := range cur.Days {
		if d >= keep {
			days[d] = l
		}
	}
	days[day] = load
	return model.Cursor{Days: days, Version: cur.Version + 1}
}

// between draws a duration uniformly from [lo, hi].
func (a *Allocator) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(a.draw(int64(hi-lo)+1))
}
