package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
)

func TestWindow(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w, err := Window(start, 45)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if !w.End.Equal(start.Add(45 * time.Minute)) {
		t.Fatalf("expected end 10:45, got %s", w.End.Format(time.RFC3339))
	}

	for _, d := range []int{0, -30} {
		if _, err := Window(start, d); apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("duration %d: expected validation error, got %v", d, err)
		}
	}
	if _, err := Window(time.Time{}, 30); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("zero start: expected validation error, got %v", err)
	}
}

func TestOverlaps(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }
	existing := Interval{Start: at(10, 0), End: at(11, 0)}

	cases := []struct {
		name string
		iv   Interval
		want bool
	}{
		{"inside", Interval{Start: at(10, 30), End: at(10, 45)}, true},
		{"identical", existing, true},
		{"straddles start", Interval{Start: at(9, 30), End: at(10, 30)}, true},
		{"touches end", Interval{Start: at(11, 0), End: at(12, 0)}, false},
		{"touches start", Interval{Start: at(9, 0), End: at(10, 0)}, false},
		{"strictly before", Interval{Start: at(8, 0), End: at(9, 0)}, false},
	}
	for _, tc := range cases {
		if got := tc.iv.Overlaps(existing); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got := existing.Overlaps(tc.iv); got != tc.want {
			t.Fatalf("%s (reversed): expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

type stubFinder struct {
	booked   []model.Appointment
	err      error
	statuses []model.Status
}

func (s *stubFinder) FindOverlapping(_ context.Context, staffID string, start, end time.Time, statuses []model.Status) (model.Appointment, bool, error) {
	s.statuses = statuses
	if s.err != nil {
		return model.Appointment{}, false, s.err
	}
	iv := Interval{Start: start, End: end}
	for _, a := range s.booked {
		if a.StaffID != staffID || !a.Status.Blocking() {
			continue
		}
		if iv.Overlaps(Interval{Start: a.StartTs, End: a.EndTs}) {
			return a, true, nil
		}
	}
	return model.Appointment{}, false, nil
}

func TestCheckerIsAvailable(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }
	finder := &stubFinder{booked: []model.Appointment{
		{StaffID: "s1", StartTs: at(10, 0), EndTs: at(11, 0), Status: model.StatusBooked},
		{StaffID: "s1", StartTs: at(13, 0), EndTs: at(14, 0), Status: model.StatusCancelled},
	}}
	c := NewChecker(finder)
	ctx := context.Background()

	cases := []struct {
		staff string
		iv    Interval
		want  bool
	}{
		{"s1", Interval{Start: at(10, 30), End: at(10, 45)}, false},
		{"s1", Interval{Start: at(11, 0), End: at(11, 30)}, true},
		{"s1", Interval{Start: at(9, 0), End: at(10, 0)}, true},
		{"s1", Interval{Start: at(13, 0), End: at(14, 0)}, true},
		{"s2", Interval{Start: at(10, 0), End: at(11, 0)}, true},
	}
	for _, tc := range cases {
		got, err := c.IsAvailable(ctx, tc.staff, tc.iv, nil)
		if err != nil {
			t.Fatalf("IsAvailable: %v", err)
		}
		if got != tc.want {
			t.Fatalf("%s %s-%s: expected %v, got %v", tc.staff, tc.iv.Start.Format("15:04"), tc.iv.End.Format("15:04"), tc.want, got)
		}
	}
	if len(finder.statuses) != len(model.BlockingStatuses) {
		t.Fatalf("expected default blocking statuses, got %v", finder.statuses)
	}

	finder.err = errors.New("db down")
	if _, err := c.IsAvailable(ctx, "s1", Interval{Start: at(8, 0), End: at(9, 0)}, nil); err == nil {
		t.Fatal("expected finder error to propagate")
	}
}

func TestFreeSlots(t *testing.T) {
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	workday := Interval{Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)}
	busy := []Interval{
		{Start: day.Add(9*time.Hour + 15*time.Minute), End: day.Add(9*time.Hour + 45*time.Minute)},
	}

	slots := FreeSlots(workday, 15*time.Minute, 15*time.Minute, busy, day)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Start.Format(time.RFC3339))
	}
	if !slots[1].Start.Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected second slot 09:45, got %s", slots[1].Start.Format(time.RFC3339))
	}
}

func TestFreeSlotsSkipsPast(t *testing.T) {
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	workday := Interval{Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)}

	now := day.Add(9*time.Hour + 31*time.Minute)
	slots := FreeSlots(workday, 15*time.Minute, 15*time.Minute, nil, now)
	// 09:00, 09:15 and 09:30 start before now.
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Start.Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected slot 09:45, got %s", slots[0].Start.Format(time.RFC3339))
	}
}

func TestWorkday(t *testing.T) {
	w, ok := Workday("2026-01-28", "09:00", "17:30")
	if !ok {
		t.Fatal("expected valid workday")
	}
	if w.Duration() != 8*time.Hour+30*time.Minute {
		t.Fatalf("unexpected duration %s", w.Duration())
	}
	if _, ok := Workday("2026-01-28", "17:00", "09:00"); ok {
		t.Fatal("expected inverted workday to be rejected")
	}
	if _, ok := Workday("28/01/2026", "09:00", "17:00"); ok {
		t.Fatal("expected bad date to be rejected")
	}
}
