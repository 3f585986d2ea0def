package availability

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
)

func day(h, m int) time.Time {
	return time.Date(2026, 3, 9, h, m, 0, 0, time.UTC)
}

func TestSlots_Basic(t *testing.T) {
	busy := []interval.Interval{
		{Start: day(9, 15), End: day(9, 45)},
	}

	slots := Collect(Slots(day(9, 0), day(10, 0), 15*time.Minute, 15*time.Minute, busy, time.Time{}))
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(day(9, 0)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Start.Format(time.RFC3339))
	}
	if !slots[1].Start.Equal(day(9, 45)) {
		t.Fatalf("expected second slot 09:45, got %s", slots[1].Start.Format(time.RFC3339))
	}
	if !slots[1].End.Equal(day(10, 0)) {
		t.Fatalf("expected second slot to end 10:00, got %s", slots[1].End.Format(time.RFC3339))
	}
}

// Office hours 08:00-18:00, 30-minute generation step, 60-minute treatment,
// one booking 10:00-11:00: 10:00 and 10:30 must be excluded, 09:00 and 11:00
// must be present.
func TestSlots_ExcludesOverlapsWithExistingBooking(t *testing.T) {
	busy := []interval.Interval{
		{Start: day(10, 0), End: day(11, 0)},
	}

	slots := Collect(Slots(day(8, 0), day(18, 0), 60*time.Minute, 30*time.Minute, busy, time.Time{}))

	starts := map[string]bool{}
	for _, s := range slots {
		starts[s.Start.Format("15:04")] = true
	}
	for _, want := range []string{"08:00", "09:00", "11:00", "17:00"} {
		if !starts[want] {
			t.Errorf("expected slot starting %s", want)
		}
	}
	// 09:30 starts clear but its 60 minutes run into the booking; 10:00 and
	// 10:30 start inside it.
	for _, not := range []string{"09:30", "10:00", "10:30"} {
		if starts[not] {
			t.Errorf("slot starting %s overlaps the 10:00-11:00 booking", not)
		}
	}
	if starts["17:30"] {
		t.Errorf("slot starting 17:30 would end past closing time")
	}
}

func TestSlots_TouchingBookingDoesNotBlock(t *testing.T) {
	busy := []interval.Interval{
		{Start: day(10, 0), End: day(11, 0)},
	}
	slots := Collect(Slots(day(9, 0), day(11, 0), 60*time.Minute, 30*time.Minute, busy, time.Time{}))
	if len(slots) != 1 || !slots[0].Start.Equal(day(9, 0)) {
		t.Fatalf("expected exactly the 09:00-10:00 slot, got %+v", slots)
	}
}

func TestSlots_EndsWithoutErrorWhenDurationExceedsWindow(t *testing.T) {
	slots := Collect(Slots(day(17, 30), day(18, 0), 60*time.Minute, 30*time.Minute, nil, time.Time{}))
	if len(slots) != 0 {
		t.Fatalf("expected no slots, got %d", len(slots))
	}
}

func TestSlots_SkipsPastCandidates(t *testing.T) {
	now := day(9, 31)
	slots := Collect(Slots(day(9, 0), day(10, 0), 15*time.Minute, 15*time.Minute, nil, now))
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Start.Equal(day(9, 45)) {
		t.Fatalf("expected slot 09:45, got %s", slots[0].Start.Format(time.RFC3339))
	}
}

func TestSlots_Restartable(t *testing.T) {
	seq := Slots(day(9, 0), day(12, 0), 30*time.Minute, 30*time.Minute, nil, time.Time{})
	first := Collect(seq)
	second := Collect(seq)
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("sequence not restartable: %d vs %d slots", len(first), len(second))
	}
	for i := range first {
		if !first[i].Start.Equal(second[i].Start) {
			t.Fatalf("slot %d differs between iterations", i)
		}
	}
}

func TestFindConflict(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	existing := []Booking{
		{ID: a, Span: interval.Interval{Start: day(9, 0), End: day(10, 0)}},
		{ID: b, Span: interval.Interval{Start: day(11, 0), End: day(12, 0)}},
	}

	candidate := interval.Interval{Start: day(9, 30), End: day(10, 30)}
	id, found := FindConflict(candidate, existing, uuid.Nil)
	if !found || id != a {
		t.Fatalf("got (%s,%v), want conflict with first booking", id, found)
	}

	// Excluding the conflicting booking (an edit against its own slot) clears it.
	if _, found := FindConflict(candidate, existing, a); found {
		t.Fatal("conflict reported despite excluded id")
	}

	// Touching intervals never conflict.
	touching := interval.Interval{Start: day(10, 0), End: day(11, 0)}
	if id, found := FindConflict(touching, existing, uuid.Nil); found {
		t.Fatalf("touching interval reported conflict with %s", id)
	}
}
