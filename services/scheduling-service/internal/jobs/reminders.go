package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/scheduler"
)

// Reminder offsets before the appointment start. The offset label is part of
// the dispatch dedupe key, so each appointment gets at most one reminder per
// offset across sweep re-runs.
var reminderOffsets = []struct {
	Label  string
	Before time.Duration
}{
	{Label: "24h", Before: 24 * time.Hour},
	{Label: "2h", Before: 2 * time.Hour},
}

type upcomingLister interface {
	ListUpcoming(ctx context.Context, window interval.Interval, limit int) ([]appointment.Appointment, error)
}

type reminderDispatcher interface {
	DispatchOnce(ctx context.Context, appointmentID uuid.UUID, offset string, evt outbox.Event) (bool, error)
}

// ReminderSweep emits a reminder event for every upcoming appointment whose
// offset window has opened. Emission goes through the outbox; the
// notification service turns it into the patient-facing message.
type ReminderSweep struct {
	appts  upcomingLister
	rem    reminderDispatcher
	logger *slog.Logger
	now    func() time.Time
}

func NewReminderSweep(appts upcomingLister, rem reminderDispatcher, logger *slog.Logger, now func() time.Time) *ReminderSweep {
	if now == nil {
		now = time.Now
	}
	return &ReminderSweep{appts: appts, rem: rem, logger: logger, now: now}
}

func (s *ReminderSweep) Run(ctx context.Context) error {
	now := s.now().UTC()
	window := interval.Interval{Start: now, End: now.Add(24 * time.Hour)}
	appts, err := s.appts.ListUpcoming(ctx, window, 500)
	if err != nil {
		return err
	}

	for _, appt := range appts {
		for _, offset := range reminderOffsets {
			if now.Before(appt.Start.Add(-offset.Before)) {
				continue
			}
			evt, err := reminderEvent(appt, offset.Label)
			if err != nil {
				return err
			}
			sent, err := s.rem.DispatchOnce(ctx, appt.ID, offset.Label, evt)
			if err != nil {
				return err
			}
			if sent {
				s.logger.Info("reminder dispatched",
					"appointment_id", appt.ID, "offset", offset.Label, "start_time", appt.Start)
			}
		}
	}
	return nil
}

func reminderEvent(appt appointment.Appointment, offset string) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"appointment_id":  appt.ID.String(),
		"patient_id":      appt.PatientID.String(),
		"practitioner_id": appt.PractitionerID.String(),
		"treatment_id":    appt.TreatmentID.String(),
		"start_time":      appt.Start.UTC().Format(time.RFC3339),
		"end_time":        appt.End.UTC().Format(time.RFC3339),
		"reminder_offset": offset,
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID.String(),
		EventType:     scheduler.EventReminderDue,
		Payload:       payload,
	}, nil
}
