package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/availability"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/inventory"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/policy"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/treatment"
)

type fakeStore struct {
	appts map[uuid.UUID]appointment.Appointment
	// finalized idempotency keys, as the repository's key table would hold.
	idemKeys map[string]uuid.UUID
	// consumed records and progress writes from CompleteAppointment.
	consumed     []inventory.StockConsumption
	events       []outbox.Event
	completeErr  error
	idemReplayID uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appts:    map[uuid.UUID]appointment.Appointment{},
		idemKeys: map[string]uuid.UUID{},
	}
}

func (s *fakeStore) CreateAppointment(_ context.Context, appt *appointment.Appointment, idemKey string, events []outbox.Event) (uuid.UUID, error) {
	if s.idemReplayID != uuid.Nil {
		return s.idemReplayID, nil
	}
	s.appts[appt.ID] = *appt
	s.events = append(s.events, events...)
	if idemKey != "" {
		s.idemKeys[idemKey] = appt.ID
	}
	return uuid.Nil, nil
}

func (s *fakeStore) FindIdempotentReplay(_ context.Context, idemKey string) (uuid.UUID, error) {
	return s.idemKeys[idemKey], nil
}

func (s *fakeStore) GetAppointment(_ context.Context, id uuid.UUID) (appointment.Appointment, error) {
	appt, ok := s.appts[id]
	if !ok {
		return appointment.Appointment{}, ErrNotFound
	}
	return appt, nil
}

func (s *fakeStore) UpdateSchedule(_ context.Context, appt *appointment.Appointment, events []outbox.Event) error {
	s.appts[appt.ID] = *appt
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, appt *appointment.Appointment, events []outbox.Event) error {
	s.appts[appt.ID] = *appt
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) CompleteAppointment(_ context.Context, appt *appointment.Appointment, records []inventory.StockConsumption, _ int, events []outbox.Event) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.appts[appt.ID] = *appt
	s.consumed = append(s.consumed, records...)
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) ListActiveBookings(_ context.Context, practitionerID uuid.UUID, window interval.Interval) ([]availability.Booking, error) {
	var out []availability.Booking
	for _, a := range s.appts {
		if a.PractitionerID != practitionerID || !a.Status.Blocking() {
			continue
		}
		if a.Span().Overlaps(window) {
			out = append(out, availability.Booking{ID: a.ID, Span: a.Span()})
		}
	}
	return out, nil
}

func (s *fakeStore) ListByPractitionerDay(_ context.Context, practitionerID uuid.UUID, window interval.Interval) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	for _, a := range s.appts {
		if a.PractitionerID == practitionerID && a.Span().Overlaps(window) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByPatient(_ context.Context, patientID uuid.UUID, _ int) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	for _, a := range s.appts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) SetCalendarEventID(_ context.Context, id uuid.UUID, eventID string) error {
	appt := s.appts[id]
	appt.CalendarEventID = eventID
	s.appts[id] = appt
	return nil
}

type fakeCatalog struct {
	treatments map[uuid.UUID]treatment.Treatment
}

func (c *fakeCatalog) GetTreatment(_ context.Context, id uuid.UUID) (treatment.Treatment, error) {
	t, ok := c.treatments[id]
	if !ok {
		return treatment.Treatment{}, ErrNotFound
	}
	return t, nil
}

type fakeCalendar struct {
	available bool
	createErr error
	cancelErr error
	created   int
	updated   int
	cancelled int
}

func (c *fakeCalendar) IsAvailable() bool { return c.available }

func (c *fakeCalendar) CreateEvent(context.Context, *appointment.Appointment) (string, error) {
	if c.createErr != nil {
		return "", c.createErr
	}
	c.created++
	return "gcal-evt-1", nil
}

func (c *fakeCalendar) UpdateEvent(context.Context, string, *appointment.Appointment) error {
	c.updated++
	return nil
}

func (c *fakeCalendar) CancelEvent(context.Context, string) error {
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancelled++
	return nil
}

var (
	testLoc = time.UTC
	// A Monday.
	testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, testLoc)
)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, testLoc)
}

func newTestService(store *fakeStore, cal *fakeCalendar, treatments map[uuid.UUID]treatment.Treatment) *Service {
	cfg := Config{
		Hours: policy.Default(testLoc),
		Now:   func() time.Time { return testDay },
	}
	return New(store, &fakeCatalog{treatments: treatments}, cal, slog.New(slog.DiscardHandler), cfg)
}

func TestCreateHappyPath(t *testing.T) {
	store := newFakeStore()
	cal := &fakeCalendar{available: true}
	treatID := uuid.New()
	svc := newTestService(store, cal, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, Name: "Botox", DurationMinutes: 60},
	})

	res, err := svc.Create(context.Background(), CreateRequest{
		PatientID:      uuid.New(),
		TreatmentID:    treatID,
		PractitionerID: uuid.New(),
		Start:          at(10, 0),
		End:            at(11, 0),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Appointment.Status != appointment.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", res.Appointment.Status)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	if cal.created != 1 {
		t.Fatalf("calendar created = %d, want 1", cal.created)
	}
	if got := store.appts[res.Appointment.ID].CalendarEventID; got != "gcal-evt-1" {
		t.Fatalf("stored calendar event id = %q", got)
	}
	if len(store.events) != 1 || store.events[0].EventType != EventAppointmentBooked {
		t.Fatalf("events = %+v, want one booked event", store.events)
	}
}

func TestCreateRejectsPolicyViolation(t *testing.T) {
	treatID := uuid.New()
	svc := newTestService(newFakeStore(), &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	// Sunday.
	sunday := time.Date(2026, 3, 1, 10, 0, 0, 0, testLoc)
	_, err := svc.Create(context.Background(), CreateRequest{
		PatientID:      uuid.New(),
		TreatmentID:    treatID,
		PractitionerID: uuid.New(),
		Start:          sunday,
		End:            sunday.Add(time.Hour),
	})
	var v *policy.Violation
	if !errors.As(err, &v) {
		t.Fatalf("err = %v, want policy violation", err)
	}
	if v.Rule != policy.RuleClosedDay {
		t.Fatalf("rule = %s, want closed_day", v.Rule)
	}
}

func TestCreateRejectsInvalidInterval(t *testing.T) {
	treatID := uuid.New()
	svc := newTestService(newFakeStore(), &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID},
	})

	_, err := svc.Create(context.Background(), CreateRequest{
		PatientID:      uuid.New(),
		TreatmentID:    treatID,
		PractitionerID: uuid.New(),
		Start:          at(11, 0),
		End:            at(10, 0),
	})
	if !errors.Is(err, interval.ErrInvalidInterval) {
		t.Fatalf("err = %v, want invalid interval", err)
	}
}

func TestCreateDetectsConflict(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	practID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	first, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(10, 0), End: at(11, 0),
	})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	_, err = svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(10, 30), End: at(11, 30),
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if ce.ConflictingID != first.Appointment.ID {
		t.Fatalf("conflicting id = %s, want %s", ce.ConflictingID, first.Appointment.ID)
	}
	if len(store.appts) != 1 {
		t.Fatalf("appointments persisted = %d, want 1", len(store.appts))
	}
}

func TestCreateAllowsOtherPractitionerSameSlot(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	for range 2 {
		_, err := svc.Create(context.Background(), CreateRequest{
			PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
			Start: at(10, 0), End: at(11, 0),
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
}

func TestCreateCalendarFailureIsWarning(t *testing.T) {
	store := newFakeStore()
	cal := &fakeCalendar{available: true, createErr: errors.New("bridge down")}
	treatID := uuid.New()
	svc := newTestService(store, cal, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	res, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "calendar") {
		t.Fatalf("warnings = %v, want one calendar warning", res.Warnings)
	}
	if _, ok := store.appts[res.Appointment.ID]; !ok {
		t.Fatal("appointment not persisted despite calendar failure")
	}
}

func TestCreateIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	cal := &fakeCalendar{available: true}
	treatID := uuid.New()
	svc := newTestService(store, cal, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	first, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0), IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// A key locked by a concurrent create is invisible to the pre-insert
	// lookup; the store's transactional lock still resolves it to a replay.
	store.idemReplayID = first.Appointment.ID
	replay, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(14, 0), End: at(15, 0), IdempotencyKey: "req-2",
	})
	if err != nil {
		t.Fatalf("replay Create: %v", err)
	}
	if replay.Appointment.ID != first.Appointment.ID {
		t.Fatalf("replay returned %s, want original %s", replay.Appointment.ID, first.Appointment.ID)
	}
	if cal.created != 1 {
		t.Fatalf("calendar created = %d, want 1 (no side effects on replay)", cal.created)
	}
}

func TestCreateRetryAfterSuccessReplays(t *testing.T) {
	store := newFakeStore()
	cal := &fakeCalendar{available: true}
	treatID := uuid.New()
	svc := newTestService(store, cal, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	req := CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0), IdempotencyKey: "retry-1",
	}
	first, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// The client lost the response and retries the identical request. The
	// committed booking now occupies the slot, so without the replay the
	// conflict scan would reject the retry against its own appointment.
	retry, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("retry Create: %v", err)
	}
	if retry.Appointment.ID != first.Appointment.ID {
		t.Fatalf("retry returned %s, want original %s", retry.Appointment.ID, first.Appointment.ID)
	}
	if len(store.appts) != 1 {
		t.Fatalf("appointments persisted = %d, want 1", len(store.appts))
	}
	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1 (no event on retry)", len(store.events))
	}
	if cal.created != 1 {
		t.Fatalf("calendar created = %d, want 1", cal.created)
	}
}

func TestConfirmAndStart(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	created, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.Appointment.ID

	res, err := svc.Confirm(context.Background(), id)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Appointment.Status != appointment.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", res.Appointment.Status)
	}
	if store.events[len(store.events)-1].EventType != EventAppointmentConfirmed {
		t.Fatalf("last event = %s", store.events[len(store.events)-1].EventType)
	}

	if _, err := svc.Start(context.Background(), id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if store.appts[id].Status != appointment.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", store.appts[id].Status)
	}
}

func TestConfirmUnknownAppointment(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeCalendar{}, nil)
	_, err := svc.Confirm(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRescheduleRoundTrip(t *testing.T) {
	store := newFakeStore()
	cal := &fakeCalendar{available: true}
	treatID := uuid.New()
	practID := uuid.New()
	svc := newTestService(store, cal, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	created, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(10, 0), End: at(11, 0),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.Appointment.ID

	// Moving onto its own prior slot's edge must not self-conflict.
	res, err := svc.Reschedule(context.Background(), id, at(10, 30), at(11, 30))
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !res.Appointment.Start.Equal(at(10, 30)) {
		t.Fatalf("start = %v", res.Appointment.Start)
	}
	if res.Appointment.Status != appointment.StatusScheduled {
		t.Fatalf("status changed to %s", res.Appointment.Status)
	}
	if cal.updated != 1 {
		t.Fatalf("calendar updated = %d, want 1", cal.updated)
	}

	// The vacated slot is free again for another appointment.
	if _, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(9, 30), End: at(10, 30),
	}); err != nil {
		t.Fatalf("Create into vacated slot: %v", err)
	}
}

func TestRescheduleConflictsWithOtherBooking(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	practID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	a, _ := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(10, 0), End: at(11, 0),
	})
	if _, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(11, 0), End: at(12, 0),
	}); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	_, err := svc.Reschedule(context.Background(), a.Appointment.ID, at(11, 30), at(12, 30))
	if !IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if got := store.appts[a.Appointment.ID]; !got.Start.Equal(at(10, 0)) {
		t.Fatalf("appointment moved despite conflict: start = %v", got.Start)
	}
}

func TestCancelAppendsReasonAndFreesSlot(t *testing.T) {
	store := newFakeStore()
	cal := &fakeCalendar{available: true}
	treatID := uuid.New()
	practID := uuid.New()
	svc := newTestService(store, cal, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	created, _ := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(10, 0), End: at(11, 0),
	})
	id := created.Appointment.ID

	res, err := svc.Cancel(context.Background(), id, "patient request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !strings.Contains(res.Appointment.Notes, "Cancelled: patient request") {
		t.Fatalf("notes = %q", res.Appointment.Notes)
	}
	if cal.cancelled != 1 {
		t.Fatalf("calendar cancelled = %d, want 1", cal.cancelled)
	}

	// A second cancel surfaces the idempotence sentinel, not a transition error.
	if _, err := svc.Cancel(context.Background(), id, "again"); !errors.Is(err, appointment.ErrAlreadyCancelled) {
		t.Fatalf("second cancel err = %v", err)
	}

	// Cancelled appointments no longer block the slot.
	if _, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(10, 0), End: at(11, 0),
	}); err != nil {
		t.Fatalf("rebook cancelled slot: %v", err)
	}
}

func TestCancelRequiresReason(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})
	created, _ := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0),
	})

	if _, err := svc.Cancel(context.Background(), created.Appointment.ID, "  "); !errors.Is(err, appointment.ErrCancelReasonRequired) {
		t.Fatalf("err = %v, want reason required", err)
	}
}

func TestCompleteConsumesStock(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	productA := uuid.New()
	productB := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {
			ID: treatID, DurationMinutes: 60, PrescribedSessions: 6,
			RequiredProducts: []treatment.RequiredProduct{
				{ProductID: productA, QuantityPerSession: 2},
				{ProductID: productB, QuantityPerSession: 1},
			},
		},
	})

	created, _ := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0),
	})
	id := created.Appointment.ID
	if _, err := svc.Confirm(context.Background(), id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	res, err := svc.Complete(context.Background(), id, "2ml applied, no adverse reaction")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Appointment.Status != appointment.StatusCompleted {
		t.Fatalf("status = %s", res.Appointment.Status)
	}
	if !strings.Contains(res.Appointment.Notes, "no adverse reaction") {
		t.Fatalf("notes = %q", res.Appointment.Notes)
	}
	if len(store.consumed) != 2 {
		t.Fatalf("consumption records = %d, want 2", len(store.consumed))
	}
	byProduct := map[uuid.UUID]int{}
	for _, r := range store.consumed {
		byProduct[r.ProductID] = r.Quantity
	}
	if byProduct[productA] != -2 || byProduct[productB] != -1 {
		t.Fatalf("quantities = %v", byProduct)
	}
}

func TestCompleteFailureLeavesStatusUnchanged(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	created, _ := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0),
	})
	id := created.Appointment.ID
	if _, err := svc.Confirm(context.Background(), id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	store.completeErr = errors.New("insufficient stock for product")
	if _, err := svc.Complete(context.Background(), id, ""); err == nil {
		t.Fatal("Complete succeeded despite store failure")
	}
	if store.appts[id].Status != appointment.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed (unchanged)", store.appts[id].Status)
	}
}

func TestCompleteGuards(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	created, _ := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(10, 0), End: at(11, 0),
	})
	id := created.Appointment.ID

	// scheduled → completed is not a legal transition.
	_, err := svc.Complete(context.Background(), id, "")
	if !appointment.IsInvalidTransition(err) {
		t.Fatalf("err = %v, want invalid transition", err)
	}

	if _, err := svc.Confirm(context.Background(), id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := svc.Complete(context.Background(), id, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := svc.Complete(context.Background(), id, ""); !errors.Is(err, appointment.ErrAlreadyCompleted) {
		t.Fatalf("second complete err = %v", err)
	}
}

func TestMarkNoShow(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	now := at(12, 0)
	cfg := Config{
		Hours: policy.Default(testLoc),
		Now:   func() time.Time { return now },
	}
	svc := New(store, &fakeCatalog{treatments: map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	}}, nil, slog.New(slog.DiscardHandler), cfg)

	created, _ := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: uuid.New(),
		Start: at(13, 0), End: at(14, 0),
	})
	id := created.Appointment.ID

	// Not yet overdue: silent no-op.
	if err := svc.MarkNoShow(context.Background(), id); err != nil {
		t.Fatalf("MarkNoShow (early): %v", err)
	}
	if store.appts[id].Status != appointment.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", store.appts[id].Status)
	}

	// Past end plus the 30-minute grace.
	now = at(14, 31)
	if err := svc.MarkNoShow(context.Background(), id); err != nil {
		t.Fatalf("MarkNoShow (overdue): %v", err)
	}
	if store.appts[id].Status != appointment.StatusNoShow {
		t.Fatalf("status = %s, want no_show", store.appts[id].Status)
	}

	// Sweep re-runs are no-ops on terminal appointments.
	if err := svc.MarkNoShow(context.Background(), id); err != nil {
		t.Fatalf("MarkNoShow (repeat): %v", err)
	}
	// No notification events for no-show.
	for _, e := range store.events {
		if e.EventType != EventAppointmentBooked {
			t.Fatalf("unexpected event %s", e.EventType)
		}
	}
}

func TestAvailabilityAroundBooking(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	practID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	if _, err := svc.Create(context.Background(), CreateRequest{
		PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
		Start: at(10, 0), End: at(11, 0),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	seq, err := svc.Availability(context.Background(), practID, testDay, treatID)
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	slots := availability.Collect(seq)
	if len(slots) == 0 {
		t.Fatal("no slots")
	}
	starts := map[string]bool{}
	for _, s := range slots {
		starts[s.Start.Format("15:04")] = true
	}
	for _, want := range []string{"08:00", "09:00", "11:00", "17:00"} {
		if !starts[want] {
			t.Errorf("missing slot %s", want)
		}
	}
	for _, blocked := range []string{"09:30", "10:00", "10:30", "17:30"} {
		if starts[blocked] {
			t.Errorf("slot %s should be blocked", blocked)
		}
	}
}

func TestAvailabilityClosedDay(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeCalendar{}, nil)
	sunday := time.Date(2026, 3, 1, 0, 0, 0, 0, testLoc)
	seq, err := svc.Availability(context.Background(), uuid.New(), sunday, uuid.Nil)
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if slots := availability.Collect(seq); len(slots) != 0 {
		t.Fatalf("slots on closed day = %d", len(slots))
	}
}

func TestListDay(t *testing.T) {
	store := newFakeStore()
	treatID := uuid.New()
	practID := uuid.New()
	svc := newTestService(store, &fakeCalendar{}, map[uuid.UUID]treatment.Treatment{
		treatID: {ID: treatID, DurationMinutes: 60},
	})

	for _, h := range []int{9, 11, 15} {
		if _, err := svc.Create(context.Background(), CreateRequest{
			PatientID: uuid.New(), TreatmentID: treatID, PractitionerID: practID,
			Start: at(h, 0), End: at(h+1, 0),
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	appts, err := svc.ListDay(context.Background(), practID, testDay)
	if err != nil {
		t.Fatalf("ListDay: %v", err)
	}
	if len(appts) != 3 {
		t.Fatalf("appointments = %d, want 3", len(appts))
	}
}
