// Package availability computes free appointment slots and detects booking
// conflicts over half-open intervals.
package availability

import (
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
)

// TimeSlot is a candidate free interval. Generated, never persisted.
type TimeSlot struct {
	Start time.Time
	End   time.Time
}

// Booking pairs an appointment id with its occupied interval. Callers pass
// only non-cancelled bookings of a single practitioner.
type Booking struct {
	ID   uuid.UUID
	Span interval.Interval
}

// DefaultStepMinutes is the slot generation step. It is deliberately coarser
// than the 15-minute booking-alignment grid in the policy package; the two are
// configured independently.
const DefaultStepMinutes = 30

// Slots yields free slots of length duration within [windowStart, windowEnd),
// stepping candidate start times by step. A candidate is yielded iff it ends
// no later than windowEnd and overlaps none of the busy intervals. Candidates
// starting before now are skipped; pass the zero time to keep them all.
//
// The sequence is ordered by ascending start, finite, and restartable:
// ranging over it twice yields the same slots.
func Slots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []interval.Interval, now time.Time) iter.Seq[TimeSlot] {
	return func(yield func(TimeSlot) bool) {
		if duration <= 0 || step <= 0 || !windowEnd.After(windowStart) {
			return
		}
		for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
			if t.Before(now) {
				continue
			}
			end := t.Add(duration)
			if overlapsAny(t, end, busy) {
				continue
			}
			if !yield(TimeSlot{Start: t, End: end}) {
				return
			}
		}
	}
}

// Collect materializes a slot sequence.
func Collect(seq iter.Seq[TimeSlot]) []TimeSlot {
	var out []TimeSlot
	for s := range seq {
		out = append(out, s)
	}
	return out
}

// FindConflict scans existing bookings for one overlapping candidate, skipping
// the booking with id exclude (used when rescheduling an appointment against
// its own prior slot). It returns the first overlapping booking's id.
func FindConflict(candidate interval.Interval, existing []Booking, exclude uuid.UUID) (uuid.UUID, bool) {
	for _, b := range existing {
		if exclude != uuid.Nil && b.ID == exclude {
			continue
		}
		if candidate.Overlaps(b.Span) {
			return b.ID, true
		}
	}
	return uuid.Nil, false
}

func overlapsAny(start, end time.Time, busy []interval.Interval) bool {
	for _, b := range busy {
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
