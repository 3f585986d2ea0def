// Package appointment holds the appointment entity and its status state
// machine. Transitions mutate the entity in memory only; persistence and side
// effects are the scheduler service's job.
package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
)

type Status string

// Lifecycle:
//
//	scheduled → confirmed → in_progress → completed
//	scheduled|confirmed → cancelled
//	scheduled|confirmed → no_show (automatic, time-based)
//	in_progress → cancelled
//
// completed, cancelled and no_show are terminal. Appointments are never
// deleted; cancellation is a status, not a removal.
const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Blocking reports whether an appointment in this status occupies its
// practitioner's calendar. Only cancelled appointments free their slot.
func (s Status) Blocking() bool {
	return s != StatusCancelled
}

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusNoShow:     {},
}

func (s Status) canTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	TreatmentID     uuid.UUID
	PractitionerID  uuid.UUID
	Start           time.Time
	End             time.Time
	Status          Status
	Notes           string
	CalendarEventID string
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New returns a scheduled appointment over the given interval.
func New(patientID, treatmentID, practitionerID uuid.UUID, span interval.Interval, notes string) *Appointment {
	return &Appointment{
		ID:             uuid.New(),
		PatientID:      patientID,
		TreatmentID:    treatmentID,
		PractitionerID: practitionerID,
		Start:          span.Start,
		End:            span.End,
		Status:         StatusScheduled,
		Notes:          strings.TrimSpace(notes),
	}
}

func (a *Appointment) Span() interval.Interval {
	return interval.Interval{Start: a.Start, End: a.End}
}

// Confirm moves scheduled → confirmed.
func (a *Appointment) Confirm() error {
	if !a.Status.canTransitionTo(StatusConfirmed) {
		return &TransitionError{From: a.Status, To: StatusConfirmed}
	}
	a.Status = StatusConfirmed
	return nil
}

// Begin moves confirmed → in_progress (patient checked in).
func (a *Appointment) Begin() error {
	if !a.Status.canTransitionTo(StatusInProgress) {
		return &TransitionError{From: a.Status, To: StatusInProgress}
	}
	a.Status = StatusInProgress
	return nil
}

// Reschedule replaces the appointment's interval, keeping its status. Allowed
// from any non-terminal state. Policy and conflict checks are the caller's
// responsibility.
func (a *Appointment) Reschedule(span interval.Interval) error {
	if a.Status.Terminal() {
		return &TransitionError{From: a.Status, To: a.Status, Event: "reschedule"}
	}
	a.Start = span.Start
	a.End = span.End
	return nil
}

// Cancel moves to cancelled, recording the mandatory reason by appending it to
// the notes. A second cancel is reported as ErrAlreadyCancelled so callers can
// treat it as an idempotent no-op.
func (a *Appointment) Cancel(reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrCancelReasonRequired
	}
	if a.Status == StatusCancelled {
		return ErrAlreadyCancelled
	}
	if !a.Status.canTransitionTo(StatusCancelled) {
		return &TransitionError{From: a.Status, To: StatusCancelled}
	}
	a.Status = StatusCancelled
	a.CancelledAt = &now
	a.appendNote("Cancelled: " + reason)
	return nil
}

// Complete moves confirmed|in_progress → completed, appending optional
// clinical notes. Stock consumption and treatment-progress updates are driven
// by the scheduler service within the same transaction.
func (a *Appointment) Complete(clinicalNotes string) error {
	if a.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	if !a.Status.canTransitionTo(StatusCompleted) {
		return &TransitionError{From: a.Status, To: StatusCompleted}
	}
	a.Status = StatusCompleted
	if notes := strings.TrimSpace(clinicalNotes); notes != "" {
		a.appendNote(notes)
	}
	return nil
}

// MarkNoShow moves scheduled|confirmed → no_show. The sweep applies it only
// to appointments past their grace period; no patient notification is sent.
func (a *Appointment) MarkNoShow() error {
	if !a.Status.canTransitionTo(StatusNoShow) {
		return &TransitionError{From: a.Status, To: StatusNoShow}
	}
	a.Status = StatusNoShow
	return nil
}

// Overdue reports whether the appointment's end time plus grace has passed.
func (a *Appointment) Overdue(now time.Time, grace time.Duration) bool {
	return now.After(a.End.Add(grace))
}

func (a *Appointment) appendNote(line string) {
	if a.Notes == "" {
		a.Notes = line
		return
	}
	a.Notes += "\n" + line
}
