// Package policy validates proposed appointment intervals against the
// clinic's business rules: open weekdays, office hours, duration bounds and
// calendar-grid alignment.
package policy

import (
	"fmt"
	"time"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
)

// Rule identifies which business rule an interval violated.
type Rule string

const (
	RuleClosedDay    Rule = "closed_day"
	RuleOutsideHours Rule = "outside_office_hours"
	RuleDuration     Rule = "duration_out_of_range"
	RuleAlignment    Rule = "slot_alignment"
)

// Violation is the error returned by Validate. It carries the first rule that
// failed; rules are checked in a fixed order (day, hours, duration, alignment)
// so the reported violation is deterministic.
type Violation struct {
	Rule   Rule
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Rule, v.Reason)
}

// WorkingHours holds the clinic's scheduling rules. OpenMinute and CloseMinute
// are minutes from local midnight in Location.
type WorkingHours struct {
	Location    *time.Location
	OpenDays    [7]bool // indexed by time.Weekday
	OpenMinute  int
	CloseMinute int
	MinDuration time.Duration
	MaxDuration time.Duration
	// Alignment is the booking grid: start and end must fall on a multiple of
	// it within the hour. Independent of the slot generation step, which the
	// availability package owns.
	Alignment time.Duration
}

// Default returns the clinic defaults: Monday-Saturday, 08:00-18:00,
// appointments between 15 minutes and 4 hours, aligned to a 15-minute grid.
func Default(loc *time.Location) WorkingHours {
	if loc == nil {
		loc = time.UTC
	}
	var days [7]bool
	for d := time.Monday; d <= time.Saturday; d++ {
		days[d] = true
	}
	return WorkingHours{
		Location:    loc,
		OpenDays:    days,
		OpenMinute:  8 * 60,
		CloseMinute: 18 * 60,
		MinDuration: 15 * time.Minute,
		MaxDuration: 240 * time.Minute,
		Alignment:   15 * time.Minute,
	}
}

// Validate checks iv against the working-hours rules and returns the first
// violation found, or nil. Fail-fast: later rules are not evaluated once one
// fails.
func (w WorkingHours) Validate(iv interval.Interval) *Violation {
	start := iv.Start.In(w.Location)
	end := iv.End.In(w.Location)

	if !w.OpenDays[start.Weekday()] {
		return &Violation{
			Rule:   RuleClosedDay,
			Reason: fmt.Sprintf("clinic is closed on %s", start.Weekday()),
		}
	}

	if minuteOfDay(start) < w.OpenMinute || minuteOfDay(end) > w.CloseMinute || !sameDate(start, end) {
		return &Violation{
			Rule: RuleOutsideHours,
			Reason: fmt.Sprintf("appointment must lie within office hours %s-%s",
				clock(w.OpenMinute), clock(w.CloseMinute)),
		}
	}

	if d := iv.Duration(); d < w.MinDuration || d > w.MaxDuration {
		return &Violation{
			Rule: RuleDuration,
			Reason: fmt.Sprintf("duration %d min outside allowed range %d-%d min",
				iv.DurationMinutes(), int(w.MinDuration/time.Minute), int(w.MaxDuration/time.Minute)),
		}
	}

	step := int(w.Alignment / time.Minute)
	if step > 0 && (start.Minute()%step != 0 || end.Minute()%step != 0 || start.Second() != 0 || end.Second() != 0) {
		return &Violation{
			Rule:   RuleAlignment,
			Reason: fmt.Sprintf("start and end must align to the %d-minute grid", step),
		}
	}

	return nil
}

// DayWindow returns the office-hours window for the date of day in the clinic
// time zone, and whether the clinic is open that day.
func (w WorkingHours) DayWindow(day time.Time) (interval.Interval, bool) {
	local := day.In(w.Location)
	if !w.OpenDays[local.Weekday()] {
		return interval.Interval{}, false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.Location)
	win := interval.Interval{
		Start: midnight.Add(time.Duration(w.OpenMinute) * time.Minute),
		End:   midnight.Add(time.Duration(w.CloseMinute) * time.Minute),
	}
	return win, true
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func clock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
