// Package scheduler orchestrates appointment scheduling: policy validation,
// conflict detection, state transitions and their side effects on inventory,
// notifications and the external calendar.
package scheduler

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/availability"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/calendar"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/inventory"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/policy"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/treatment"
)

// Store is the persistence boundary. Each mutating call is a single atomic
// transaction: the appointment write and its outbox events commit together,
// so a validation or conflict failure never leaves partial state behind.
// Serialization of concurrent create/reschedule races is the store's job
// (Postgres enforces it with an exclusion constraint on practitioner +
// booking range for non-cancelled rows).
type Store interface {
	// CreateAppointment persists a new appointment. When idemKey matches an
	// already-finalized request it returns that appointment's id instead of
	// inserting; uuid.Nil means a fresh insert happened.
	CreateAppointment(ctx context.Context, appt *appointment.Appointment, idemKey string, events []outbox.Event) (uuid.UUID, error)
	// FindIdempotentReplay returns the appointment id a finalized
	// idempotency key points at, or uuid.Nil when the key is unknown or
	// still in flight.
	FindIdempotentReplay(ctx context.Context, idemKey string) (uuid.UUID, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (appointment.Appointment, error)
	UpdateSchedule(ctx context.Context, appt *appointment.Appointment, events []outbox.Event) error
	UpdateStatus(ctx context.Context, appt *appointment.Appointment, events []outbox.Event) error
	// CompleteAppointment applies the completion multi-write atomically:
	// status + notes, one stock movement per consumption record, and the
	// patient's treatment-progress counters.
	CompleteAppointment(ctx context.Context, appt *appointment.Appointment, records []inventory.StockConsumption, prescribedSessions int, events []outbox.Event) error
	// ListActiveBookings returns the practitioner's non-cancelled bookings
	// intersecting the window, ordered by start time.
	ListActiveBookings(ctx context.Context, practitionerID uuid.UUID, window interval.Interval) ([]availability.Booking, error)
	ListByPractitionerDay(ctx context.Context, practitionerID uuid.UUID, window interval.Interval) ([]appointment.Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]appointment.Appointment, error)
	SetCalendarEventID(ctx context.Context, id uuid.UUID, eventID string) error
}

type Config struct {
	Hours policy.WorkingHours
	// SlotStep is the availability generation step; independent of
	// Hours.Alignment.
	SlotStep time.Duration
	// DefaultDurationMinutes applies when availability is requested without a
	// treatment.
	DefaultDurationMinutes int
	NoShowGrace            time.Duration
	// Now is injected in tests; defaults to time.Now.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Hours.Location == nil {
		c.Hours = policy.Default(time.UTC)
	}
	if c.SlotStep <= 0 {
		c.SlotStep = availability.DefaultStepMinutes * time.Minute
	}
	if c.DefaultDurationMinutes <= 0 {
		c.DefaultDurationMinutes = 30
	}
	if c.NoShowGrace <= 0 {
		c.NoShowGrace = 30 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Service struct {
	store      Store
	treatments treatment.Provider
	calendar   calendar.Client
	logger     *slog.Logger
	cfg        Config
}

func New(store Store, treatments treatment.Provider, cal calendar.Client, logger *slog.Logger, cfg Config) *Service {
	cfg.setDefaults()
	if cal == nil {
		cal = calendar.NewNoopClient()
	}
	return &Service{
		store:      store,
		treatments: treatments,
		calendar:   cal,
		logger:     logger,
		cfg:        cfg,
	}
}

// Result carries the appointment after a successful operation plus warnings
// from best-effort side effects (calendar sync). Warnings never turn a
// successful operation into a failure.
type Result struct {
	Appointment appointment.Appointment
	Warnings    []string
}

type CreateRequest struct {
	PatientID      uuid.UUID
	TreatmentID    uuid.UUID
	PractitionerID uuid.UUID
	Start          time.Time
	End            time.Time
	Notes          string
	IdempotencyKey string
}

// Create validates the requested interval against the working-hours policy
// and the practitioner's existing bookings, persists the appointment in
// scheduled status, and requests calendar creation. Nothing is written when
// validation or conflict detection fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Result, error) {
	if req.IdempotencyKey != "" {
		// A retry of an already-committed create must replay the original
		// result before any validation, or the conflict scan would reject
		// the request against its own booking.
		if res, replayed, err := s.replayIdempotent(ctx, req.IdempotencyKey); replayed || err != nil {
			return res, err
		}
	}

	span, err := interval.New(req.Start, req.End)
	if err != nil {
		return Result{}, err
	}
	if v := s.cfg.Hours.Validate(span); v != nil {
		return Result{}, v
	}
	treat, err := s.treatments.GetTreatment(ctx, req.TreatmentID)
	if err != nil {
		return Result{}, err
	}
	if treat.DurationMinutes > 0 && span.DurationMinutes() != treat.DurationMinutes {
		s.logger.Debug("appointment duration differs from treatment default",
			"treatment_id", req.TreatmentID, "requested_min", span.DurationMinutes(), "default_min", treat.DurationMinutes)
	}

	bookings, err := s.store.ListActiveBookings(ctx, req.PractitionerID, span)
	if err != nil {
		return Result{}, err
	}
	if conflictID, found := availability.FindConflict(span, bookings, uuid.Nil); found {
		return Result{}, &ConflictError{ConflictingID: conflictID}
	}

	appt := appointment.New(req.PatientID, req.TreatmentID, req.PractitionerID, span, req.Notes)
	evt, err := lifecycleEvent(EventAppointmentBooked, appt, nil)
	if err != nil {
		return Result{}, err
	}

	replayID, err := s.store.CreateAppointment(ctx, appt, req.IdempotencyKey, []outbox.Event{evt})
	if err != nil {
		return Result{}, err
	}
	if replayID != uuid.Nil {
		// Idempotent replay: return the previously created appointment, no
		// new side effects.
		existing, err := s.store.GetAppointment(ctx, replayID)
		if err != nil {
			return Result{}, err
		}
		return Result{Appointment: existing}, nil
	}

	res := Result{Appointment: *appt}
	s.syncCalendarCreate(ctx, appt, &res)
	return res, nil
}

// replayIdempotent resolves a finalized idempotency key to its appointment.
// The store's transactional key lock stays authoritative for the race where
// two retries arrive before either commits.
func (s *Service) replayIdempotent(ctx context.Context, key string) (Result, bool, error) {
	replayID, err := s.store.FindIdempotentReplay(ctx, key)
	if err != nil {
		return Result{}, false, err
	}
	if replayID == uuid.Nil {
		return Result{}, false, nil
	}
	existing, err := s.store.GetAppointment(ctx, replayID)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Appointment: existing}, true, nil
}

// Reschedule replaces the appointment's interval after re-running policy and
// conflict checks, excluding the appointment's own prior booking.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (Result, error) {
	span, err := interval.New(newStart, newEnd)
	if err != nil {
		return Result{}, err
	}
	if v := s.cfg.Hours.Validate(span); v != nil {
		return Result{}, v
	}

	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return Result{}, err
	}

	bookings, err := s.store.ListActiveBookings(ctx, appt.PractitionerID, span)
	if err != nil {
		return Result{}, err
	}
	if conflictID, found := availability.FindConflict(span, bookings, appt.ID); found {
		return Result{}, &ConflictError{ConflictingID: conflictID}
	}

	if err := appt.Reschedule(span); err != nil {
		return Result{}, err
	}
	evt, err := lifecycleEvent(EventAppointmentRescheduled, &appt, nil)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.UpdateSchedule(ctx, &appt, []outbox.Event{evt}); err != nil {
		return Result{}, err
	}

	res := Result{Appointment: appt}
	if appt.CalendarEventID != "" && s.calendar.IsAvailable() {
		if err := s.calendar.UpdateEvent(ctx, appt.CalendarEventID, &appt); err != nil {
			s.warn(&res, "calendar event update failed", err, appt.ID)
		}
	}
	return res, nil
}

// Confirm moves a scheduled appointment to confirmed and notifies the
// patient.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (Result, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := appt.Confirm(); err != nil {
		return Result{}, err
	}
	evt, err := lifecycleEvent(EventAppointmentConfirmed, &appt, nil)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.UpdateStatus(ctx, &appt, []outbox.Event{evt}); err != nil {
		return Result{}, err
	}
	return Result{Appointment: appt}, nil
}

// Start marks a confirmed appointment as in progress (patient checked in).
func (s *Service) Start(ctx context.Context, id uuid.UUID) (Result, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := appt.Begin(); err != nil {
		return Result{}, err
	}
	if err := s.store.UpdateStatus(ctx, &appt, nil); err != nil {
		return Result{}, err
	}
	return Result{Appointment: appt}, nil
}

// Cancel moves the appointment to cancelled, appending the mandatory reason
// to its notes, and requests calendar cancellation.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (Result, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if err := appt.Cancel(reason, s.cfg.Now().UTC()); err != nil {
		return Result{}, err
	}
	evt, err := lifecycleEvent(EventAppointmentCancelled, &appt, map[string]any{"reason": reason})
	if err != nil {
		return Result{}, err
	}
	if err := s.store.UpdateStatus(ctx, &appt, []outbox.Event{evt}); err != nil {
		return Result{}, err
	}

	res := Result{Appointment: appt}
	if appt.CalendarEventID != "" && s.calendar.IsAvailable() {
		if err := s.calendar.CancelEvent(ctx, appt.CalendarEventID); err != nil {
			s.warn(&res, "calendar event cancellation failed", err, appt.ID)
		}
	}
	return res, nil
}

// Complete closes the clinical session: status change, stock consumption for
// every product the treatment requires, and the patient's treatment-progress
// counters, all in one transaction. A failure in any step (insufficient
// stock included) aborts the whole completion and leaves the appointment in
// its prior state.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, clinicalNotes string) (Result, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return Result{}, err
	}
	treat, err := s.treatments.GetTreatment(ctx, appt.TreatmentID)
	if err != nil {
		return Result{}, err
	}
	if err := appt.Complete(clinicalNotes); err != nil {
		return Result{}, err
	}

	records := inventory.ForTreatment(treat, appt.ID)
	evt, err := lifecycleEvent(EventAppointmentCompleted, &appt, nil)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.CompleteAppointment(ctx, &appt, records, treat.PrescribedSessions, []outbox.Event{evt}); err != nil {
		return Result{}, fmt.Errorf("completing appointment %s: %w", id, err)
	}
	return Result{Appointment: appt}, nil
}

// MarkNoShow flags an overdue scheduled/confirmed appointment as no_show.
// It is a silent correction: no notification event is emitted. Calls on
// appointments that are not overdue or already terminal are no-ops so the
// background sweep can safely re-run.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) error {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return err
	}
	if appt.Status.Terminal() || appt.Status == appointment.StatusInProgress {
		return nil
	}
	if !appt.Overdue(s.cfg.Now().UTC(), s.cfg.NoShowGrace) {
		return nil
	}
	if err := appt.MarkNoShow(); err != nil {
		return err
	}
	return s.store.UpdateStatus(ctx, &appt, nil)
}

// Availability returns the practitioner's free slots for the given day. The
// slot length comes from the treatment when given, else the configured
// default. Closed days yield an empty sequence.
func (s *Service) Availability(ctx context.Context, practitionerID uuid.UUID, day time.Time, treatmentID uuid.UUID) (iter.Seq[availability.TimeSlot], error) {
	durationMins := s.cfg.DefaultDurationMinutes
	if treatmentID != uuid.Nil {
		treat, err := s.treatments.GetTreatment(ctx, treatmentID)
		if err != nil {
			return nil, err
		}
		if treat.DurationMinutes > 0 {
			durationMins = treat.DurationMinutes
		}
	}

	win, open := s.cfg.Hours.DayWindow(day)
	if !open {
		return availability.Slots(time.Time{}, time.Time{}, 0, 0, nil, time.Time{}), nil
	}

	bookings, err := s.store.ListActiveBookings(ctx, practitionerID, win)
	if err != nil {
		return nil, err
	}
	busy := make([]interval.Interval, 0, len(bookings))
	for _, b := range bookings {
		busy = append(busy, b.Span)
	}

	duration := time.Duration(durationMins) * time.Minute
	return availability.Slots(win.Start, win.End, duration, s.cfg.SlotStep, busy, s.cfg.Now().UTC()), nil
}

// ListDay returns the practitioner's appointments (all statuses) for a day.
func (s *Service) ListDay(ctx context.Context, practitionerID uuid.UUID, day time.Time) ([]appointment.Appointment, error) {
	local := day.In(s.cfg.Hours.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Hours.Location)
	window := interval.Interval{Start: dayStart, End: dayStart.AddDate(0, 0, 1)}
	return s.store.ListByPractitionerDay(ctx, practitionerID, window)
}

// ListPatient returns the patient's appointment history, newest first.
func (s *Service) ListPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]appointment.Appointment, error) {
	return s.store.ListByPatient(ctx, patientID, limit)
}

func (s *Service) syncCalendarCreate(ctx context.Context, appt *appointment.Appointment, res *Result) {
	if !s.calendar.IsAvailable() {
		return
	}
	eventID, err := s.calendar.CreateEvent(ctx, appt)
	if err != nil {
		s.warn(res, "calendar event creation failed", err, appt.ID)
		return
	}
	if eventID == "" {
		return
	}
	if err := s.store.SetCalendarEventID(ctx, appt.ID, eventID); err != nil {
		s.warn(res, "storing calendar event id failed", err, appt.ID)
		return
	}
	res.Appointment.CalendarEventID = eventID
}

func (s *Service) warn(res *Result, msg string, err error, apptID uuid.UUID) {
	s.logger.Warn(msg, "err", err, "appointment_id", apptID)
	res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", msg, err))
}
