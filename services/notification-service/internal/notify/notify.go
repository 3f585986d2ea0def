// Package notify maps scheduling events onto patient-facing messages.
package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindBookingConfirmation Kind = "booking_confirmation"
	KindConfirmed           Kind = "confirmed"
	KindRescheduled         Kind = "rescheduled"
	KindCancelled           Kind = "cancelled"
	KindReminder24h         Kind = "reminder_24h"
	KindReminder2h          Kind = "reminder_2h"
)

// EventPayload is the shared shape of the scheduling events this service
// consumes. Fields absent from a given event type stay empty.
type EventPayload struct {
	AppointmentID  string `json:"appointment_id"`
	PatientID      string `json:"patient_id"`
	PractitionerID string `json:"practitioner_id"`
	TreatmentID    string `json:"treatment_id"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	ReminderOffset string `json:"reminder_offset"`
}

func ParsePayload(raw []byte) (EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return EventPayload{}, err
	}
	if p.AppointmentID == "" || p.PatientID == "" {
		return EventPayload{}, fmt.Errorf("event missing appointment_id or patient_id")
	}
	return p, nil
}

// KindFor maps an event type (and, for reminders, the offset field) to a
// notification kind. ok is false for event types this service ignores.
func KindFor(eventType string, p EventPayload) (Kind, bool) {
	switch eventType {
	case "scheduling.appointment.booked.v1":
		return KindBookingConfirmation, true
	case "scheduling.appointment.confirmed.v1":
		return KindConfirmed, true
	case "scheduling.appointment.rescheduled.v1":
		return KindRescheduled, true
	case "scheduling.appointment.cancelled.v1":
		return KindCancelled, true
	case "scheduling.reminder.due.v1":
		if p.ReminderOffset == "2h" {
			return KindReminder2h, true
		}
		return KindReminder24h, true
	}
	return "", false
}

// Message builds the subject and body for a notification kind. Times are
// rendered in the clinic's timezone.
func Message(kind Kind, p EventPayload, loc *time.Location) (subject, body string) {
	when := renderTime(p.StartTime, loc)
	switch kind {
	case KindBookingConfirmation:
		subject = "Your appointment is booked"
		body = fmt.Sprintf("Your appointment on %s has been booked. Reply to this message or call the clinic to confirm.", when)
	case KindConfirmed:
		subject = "Appointment confirmed"
		body = fmt.Sprintf("Your appointment on %s is confirmed. We look forward to seeing you.", when)
	case KindRescheduled:
		subject = "Appointment rescheduled"
		body = fmt.Sprintf("Your appointment has been moved to %s.", when)
	case KindCancelled:
		subject = "Appointment cancelled"
		body = fmt.Sprintf("Your appointment on %s has been cancelled.", when)
		if p.Reason != "" {
			body += " Reason: " + p.Reason + "."
		}
	case KindReminder24h:
		subject = "Appointment reminder"
		body = fmt.Sprintf("Reminder: you have an appointment tomorrow, %s.", when)
	case KindReminder2h:
		subject = "Appointment reminder"
		body = fmt.Sprintf("Reminder: your appointment is at %s today.", when)
	}
	return subject, body
}

func renderTime(raw string, loc *time.Location) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("Monday 2 January at 15:04")
}
