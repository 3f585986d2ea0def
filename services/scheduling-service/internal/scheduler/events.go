package scheduler

import (
	"encoding/json"
	"time"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
)

// Event types published through the outbox. The notification service consumes
// the lifecycle events to notify patients; no event is emitted for no-show
// (silent system correction).
const (
	EventAppointmentBooked      = "scheduling.appointment.booked.v1"
	EventAppointmentConfirmed   = "scheduling.appointment.confirmed.v1"
	EventAppointmentRescheduled = "scheduling.appointment.rescheduled.v1"
	EventAppointmentCancelled   = "scheduling.appointment.cancelled.v1"
	EventAppointmentCompleted   = "scheduling.appointment.completed.v1"
	EventReminderDue            = "scheduling.reminder.due.v1"
)

func lifecycleEvent(eventType string, appt *appointment.Appointment, extra map[string]any) (outbox.Event, error) {
	payload := map[string]any{
		"appointment_id":  appt.ID.String(),
		"patient_id":      appt.PatientID.String(),
		"practitioner_id": appt.PractitionerID.String(),
		"treatment_id":    appt.TreatmentID.String(),
		"start_time":      appt.Start.UTC().Format(time.RFC3339),
		"end_time":        appt.End.UTC().Format(time.RFC3339),
		"status":          string(appt.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID.String(),
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
