package model

import "time"

type Health string

const (
	HealthActive        Health = "active"
	HealthNeedsReattach Health = "needs_reattach"
)

// Weekdays is a bitmask indexed by time.Weekday.
type Weekdays uint8

const (
	AllWeekdays Weekdays = 0x7f
	WorkingWeek Weekdays = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
)

func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << d
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<d) != 0
}

func (w Weekdays) Empty() bool {
	return w&AllWeekdays == 0
}

// DayLoad is what the allocator has handed out on one local day. Slots
// within a day are increasing, so First and Last bound all of them.
type DayLoad struct {
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
	Count int       `json:"count"`
}

// Cursor is the per-account allocation cursor, keyed by account-local
// day. Version is bumped on every successful compare-and-swap.
type Cursor struct {
	Days    map[string]DayLoad
	Version int64
}

// Load returns the allocations recorded for a local day.
func (c Cursor) Load(day string) DayLoad {
	return c.Days[day]
}

type Account struct {
	ID       string
	Channel  string
	Identity string

	DailyQuota int
	QuotaDay   string
	QuotaUsed  int

	Timezone    string
	OpenMinute  int
	CloseMinute int
	Weekdays    Weekdays

	SpacingMin time.Duration
	SpacingMax time.Duration

	Health           Health
	RateLimitedUntil *time.Time
	Suspended        bool
	SuspendReason    string
	LastDispatchedAt *time.Time

	Cursor Cursor

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the account timezone, falling back to UTC.
func (a Account) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalDay is the account-local calendar day of t, used as the quota key.
func (a Account) LocalDay(t time.Time) string {
	return t.In(a.Location()).Format(time.DateOnly)
}

// InBusinessHours reports whether t falls inside the account's local
// window on one of its weekdays.
func (a Account) InBusinessHours(t time.Time) bool {
	loc := a.Location()
	lt := t.In(loc)
	if !a.Weekdays.Has(lt.Weekday()) {
		return false
	}
	y, m, d := lt.Date()
	open := time.Date(y, m, d, a.OpenMinute/60, a.OpenMinute%60, 0, 0, loc)
	closing := time.Date(y, m, d, a.CloseMinute/60, a.CloseMinute%60, 0, 0, loc)
	return !lt.Before(open) && lt.Before(closing)
}

// RateLimited reports whether the account is still cooling down at now.
func (a Account) RateLimited(now time.Time) bool {
	return a.RateLimitedUntil != nil && now.Before(*a.RateLimitedUntil)
}

// Dispatchable reports whether jobs for this account may be claimed.
func (a Account) Dispatchable(now time.Time) bool {
	return a.Health == HealthActive && !a.Suspended && !a.RateLimited(now)
}

// Paced reports whether enough time has passed since the last dispatch
// for another one to go out without breaking the minimum spacing.
func (a Account) Paced(now time.Time) bool {
	return a.LastDispatchedAt == nil || !now.Before(a.LastDispatchedAt.Add(a.SpacingMin))
}

// QuotaUsedOn returns the quota consumed on the given local day.
func (a Account) QuotaUsedOn(day string) int {
	if a.QuotaDay != day {
		return 0
	}
	return a.QuotaUsed
}

// DayStart returns the account-local midnight of the day containing t.
func (a Account) DayStart(t time.Time) time.Time {
	loc := a.Location()
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
