package allocator

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

var (
	ErrInvalidPolicy = errors.New("allocator: invalid business hours policy")
	ErrNoEligibleDay = errors.New("allocator: no eligible weekday")
)

const minutesPerDay = 24 * 60

// BusinessHours is the local window [Open, Close) in minutes after
// midnight, on the weekdays present in the mask.
type BusinessHours struct {
	Location    *time.Location
	OpenMinute  int
	CloseMinute int
	Weekdays    model.Weekdays
}

// HoursOf extracts the business hours policy of an account.
func HoursOf(a model.Account) BusinessHours {
	return BusinessHours{
		Location:    a.Location(),
		OpenMinute:  a.OpenMinute,
		CloseMinute: a.CloseMinute,
		Weekdays:    a.Weekdays,
	}
}

func (b BusinessHours) Validate() error {
	switch {
	case b.Location == nil:
		return fmt.Errorf("%w: missing location", ErrInvalidPolicy)
	case b.OpenMinute < 0 || b.CloseMinute > minutesPerDay || b.OpenMinute >= b.CloseMinute:
		return fmt.Errorf("%w: window %d-%d", ErrInvalidPolicy, b.OpenMinute, b.CloseMinute)
	case b.Weekdays.Empty():
		return ErrNoEligibleDay
	}
	return nil
}

// Contains reports whether t falls inside the window on an allowed day.
func (b BusinessHours) Contains(t time.Time) bool {
	local := t.In(b.Location)
	if !b.Weekdays.Has(local.Weekday()) {
		return false
	}
	return !local.Before(b.at(local, b.OpenMinute)) && local.Before(b.at(local, b.CloseMinute))
}

// NextLegalInstant returns t itself when it lies inside business hours,
// today's opening when t is earlier on an allowed day, and otherwise the
// opening of the next allowed day. The result is in UTC.
func NextLegalInstant(t time.Time, b BusinessHours) (time.Time, error) {
	if err := b.Validate(); err != nil {
		return time.Time{}, err
	}
	local := t.In(b.Location)
	for i := 0; i <= 7; i++ {
		day := local.AddDate(0, 0, i)
		if !b.Weekdays.Has(day.Weekday()) {
			continue
		}
		open := b.at(day, b.OpenMinute)
		if i > 0 {
			return open.UTC(), nil
		}
		if local.Before(open) {
			return open.UTC(), nil
		}
		if local.Before(b.at(day, b.CloseMinute)) {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrNoEligibleDay
}

// OpeningAfterDay returns the opening of the first allowed day strictly
// after the local day containing t.
func OpeningAfterDay(t time.Time, b BusinessHours) (time.Time, error) {
	if err := b.Validate(); err != nil {
		return time.Time{}, err
	}
	local := t.In(b.Location)
	for i := 1; i <= 7; i++ {
		day := local.AddDate(0, 0, i)
		if b.Weekdays.Has(day.Weekday()) {
			return b.at(day, b.OpenMinute).UTC(), nil
		}
	}
	return time.Time{}, ErrNoEligibleDay
}

// at builds the wall-clock instant minute-of-day on the local date of day.
// time.Date normalises instants that fall into a DST gap.
func (b BusinessHours) at(day time.Time, minute int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, b.Location)
}
