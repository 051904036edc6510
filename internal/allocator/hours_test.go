package allocator

import (
	"errors"
	"testing"
	"time"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

var cet = time.FixedZone("CET", 3600)

func officeHours() BusinessHours {
	return BusinessHours{
		Location:    cet,
		OpenMinute:  9 * 60,
		CloseMinute: 17 * 60,
		Weekdays:    model.WorkingWeek,
	}
}

func TestNextLegalInstant(t *testing.T) {
	t.Parallel()

	// 2026-03-04 is a Wednesday.
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "inside window is unchanged",
			in:   time.Date(2026, 3, 4, 10, 30, 0, 0, cet),
			want: time.Date(2026, 3, 4, 10, 30, 0, 0, cet),
		},
		{
			name: "before opening moves to opening",
			in:   time.Date(2026, 3, 4, 6, 0, 0, 0, cet),
			want: time.Date(2026, 3, 4, 9, 0, 0, 0, cet),
		},
		{
			name: "at closing moves to next day",
			in:   time.Date(2026, 3, 4, 17, 0, 0, 0, cet),
			want: time.Date(2026, 3, 5, 9, 0, 0, 0, cet),
		},
		{
			name: "friday evening moves to monday",
			in:   time.Date(2026, 3, 6, 18, 0, 0, 0, cet),
			want: time.Date(2026, 3, 9, 9, 0, 0, 0, cet),
		},
		{
			name: "saturday moves to monday",
			in:   time.Date(2026, 3, 7, 12, 0, 0, 0, cet),
			want: time.Date(2026, 3, 9, 9, 0, 0, 0, cet),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextLegalInstant(tt.in, officeHours())
			if err != nil {
				t.Fatalf("NextLegalInstant() error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got.In(cet))
			}
			if got.Location() != time.UTC {
				t.Fatalf("expected UTC result, got %v", got.Location())
			}
		})
	}
}

func TestOpeningAfterDay(t *testing.T) {
	t.Parallel()

	got, err := OpeningAfterDay(time.Date(2026, 3, 4, 9, 0, 0, 0, cet), officeHours())
	if err != nil {
		t.Fatalf("OpeningAfterDay() error: %v", err)
	}
	want := time.Date(2026, 3, 5, 9, 0, 0, 0, cet)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got.In(cet))
	}
}

func TestBusinessHours_Contains(t *testing.T) {
	t.Parallel()

	b := officeHours()
	if !b.Contains(time.Date(2026, 3, 4, 9, 0, 0, 0, cet)) {
		t.Fatalf("opening minute must be inside the window")
	}
	if b.Contains(time.Date(2026, 3, 4, 17, 0, 0, 0, cet)) {
		t.Fatalf("closing minute must be outside the window")
	}
	if b.Contains(time.Date(2026, 3, 7, 12, 0, 0, 0, cet)) {
		t.Fatalf("saturday must be outside the window")
	}
	// 08:30 UTC is 09:30 CET.
	if !b.Contains(time.Date(2026, 3, 4, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected UTC instant to be evaluated in local time")
	}
}

func TestBusinessHours_Validate(t *testing.T) {
	t.Parallel()

	b := officeHours()
	b.OpenMinute, b.CloseMinute = 17*60, 9*60
	if err := b.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}

	b = officeHours()
	b.Weekdays = 0
	if _, err := NextLegalInstant(time.Now(), b); !errors.Is(err, ErrNoEligibleDay) {
		t.Fatalf("expected ErrNoEligibleDay, got %v", err)
	}
}
