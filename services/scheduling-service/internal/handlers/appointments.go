// Package handlers exposes the scheduling service over HTTP. Handlers parse
// and authorize the request, delegate to the scheduler, and translate its
// errors onto status codes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/availability"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/policy"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/rbac"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/scheduler"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/treatment"
)

// Scheduler is the slice of the scheduling service the handlers need.
type Scheduler interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (scheduler.Result, error)
	Confirm(ctx context.Context, id uuid.UUID) (scheduler.Result, error)
	Start(ctx context.Context, id uuid.UUID) (scheduler.Result, error)
	Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (scheduler.Result, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (scheduler.Result, error)
	Complete(ctx context.Context, id uuid.UUID, clinicalNotes string) (scheduler.Result, error)
	Availability(ctx context.Context, practitionerID uuid.UUID, day time.Time, treatmentID uuid.UUID) (iter.Seq[availability.TimeSlot], error)
	ListDay(ctx context.Context, practitionerID uuid.UUID, day time.Time) ([]appointment.Appointment, error)
	ListPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]appointment.Appointment, error)
}

type AppointmentHandler struct {
	svc    Scheduler
	logger *slog.Logger
}

func NewAppointmentHandler(svc Scheduler, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

func (h *AppointmentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/appointments", h.appointments)
	mux.HandleFunc("/api/v1/appointments/confirm", h.confirm)
	mux.HandleFunc("/api/v1/appointments/checkin", h.checkin)
	mux.HandleFunc("/api/v1/appointments/reschedule", h.reschedule)
	mux.HandleFunc("/api/v1/appointments/cancel", h.cancel)
	mux.HandleFunc("/api/v1/appointments/complete", h.complete)
	mux.HandleFunc("/api/v1/availability", h.availability)
}

type appointmentItem struct {
	AppointmentID   string   `json:"appointment_id"`
	PatientID       string   `json:"patient_id"`
	TreatmentID     string   `json:"treatment_id"`
	PractitionerID  string   `json:"practitioner_id"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	Status          string   `json:"status"`
	Notes           string   `json:"notes,omitempty"`
	CalendarEventID string   `json:"calendar_event_id,omitempty"`
	CancelledAt     string   `json:"cancelled_at,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *AppointmentHandler) appointments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createRequest struct {
	PatientID      string `json:"patient_id"`
	TreatmentID    string `json:"treatment_id"`
	PractitionerID string `json:"practitioner_id"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Notes          string `json:"notes"`
}

func (h *AppointmentHandler) create(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.ActionCreate) {
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	patientID, ok := parseUUID(w, req.PatientID, "patient_id")
	if !ok {
		return
	}
	treatmentID, ok := parseUUID(w, req.TreatmentID, "treatment_id")
	if !ok {
		return
	}
	practitionerID, ok := parseUUID(w, req.PractitionerID, "practitioner_id")
	if !ok {
		return
	}
	start, end, ok := parseSpan(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}

	res, err := h.svc.Create(r.Context(), scheduler.CreateRequest{
		PatientID:      patientID,
		TreatmentID:    treatmentID,
		PractitionerID: practitionerID,
		Start:          start,
		End:            end,
		Notes:          req.Notes,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItem(res))
}

type actionRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
	ClinicalNotes string `json:"clinical_notes"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
}

func (h *AppointmentHandler) confirm(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, rbac.ActionUpdate, func(ctx context.Context, id uuid.UUID, _ actionRequest) (scheduler.Result, error) {
		return h.svc.Confirm(ctx, id)
	})
}

func (h *AppointmentHandler) checkin(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, rbac.ActionUpdate, func(ctx context.Context, id uuid.UUID, _ actionRequest) (scheduler.Result, error) {
		return h.svc.Start(ctx, id)
	})
}

func (h *AppointmentHandler) reschedule(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, rbac.ActionUpdate, func(ctx context.Context, id uuid.UUID, req actionRequest) (scheduler.Result, error) {
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			return scheduler.Result{}, errBadRequest("invalid start_time")
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			return scheduler.Result{}, errBadRequest("invalid end_time")
		}
		return h.svc.Reschedule(ctx, id, start, end)
	})
}

func (h *AppointmentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, rbac.ActionCancel, func(ctx context.Context, id uuid.UUID, req actionRequest) (scheduler.Result, error) {
		return h.svc.Cancel(ctx, id, req.Reason)
	})
}

func (h *AppointmentHandler) complete(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, rbac.ActionComplete, func(ctx context.Context, id uuid.UUID, req actionRequest) (scheduler.Result, error) {
		return h.svc.Complete(ctx, id, req.ClinicalNotes)
	})
}

func (h *AppointmentHandler) action(w http.ResponseWriter, r *http.Request, act rbac.Action, fn func(ctx context.Context, id uuid.UUID, req actionRequest) (scheduler.Result, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorize(w, r, act) {
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id, ok := parseUUID(w, req.AppointmentID, "appointment_id")
	if !ok {
		return
	}

	res, err := fn(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(res))
}

func (h *AppointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, rbac.ActionRead) {
		return
	}

	var appts []appointment.Appointment
	var err error
	if raw := strings.TrimSpace(r.URL.Query().Get("patient_id")); raw != "" {
		patientID, ok := parseUUID(w, raw, "patient_id")
		if !ok {
			return
		}
		limit := 50
		if n, convErr := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit"))); convErr == nil && n > 0 && n <= 200 {
			limit = n
		}
		appts, err = h.svc.ListPatient(r.Context(), patientID, limit)
	} else {
		practitionerID, ok := parseUUID(w, r.URL.Query().Get("practitioner_id"), "practitioner_id")
		if !ok {
			return
		}
		day, ok := parseDate(w, r.URL.Query().Get("date"))
		if !ok {
			return
		}
		appts, err = h.svc.ListDay(r.Context(), practitionerID, day)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toItem(scheduler.Result{Appointment: appt}))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AppointmentHandler) availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorize(w, r, rbac.ActionRead) {
		return
	}

	practitionerID, ok := parseUUID(w, r.URL.Query().Get("practitioner_id"), "practitioner_id")
	if !ok {
		return
	}
	day, ok := parseDate(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}
	treatmentID := uuid.Nil
	if raw := strings.TrimSpace(r.URL.Query().Get("treatment_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid treatment_id", http.StatusBadRequest)
			return
		}
		treatmentID = id
	}

	seq, err := h.svc.Availability(r.Context(), practitionerID, day, treatmentID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := []slotItem{}
	for slot := range seq {
		items = append(items, slotItem{
			StartTime: slot.Start.UTC().Format(time.RFC3339),
			EndTime:   slot.End.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// authorize checks the caller's role against the capability matrix. Identity
// itself is established upstream at the gateway; this service only enforces
// role capabilities.
func (h *AppointmentHandler) authorize(w http.ResponseWriter, r *http.Request, act rbac.Action) bool {
	role := rbac.Role(strings.TrimSpace(r.Header.Get("X-Role")))
	resource := rbac.Appointments
	if strings.HasPrefix(r.URL.Path, "/api/v1/availability") {
		resource = rbac.Availability
	}
	if !rbac.Can(role, resource, act) {
		http.Error(w, "role not permitted", http.StatusForbidden)
		return false
	}
	return true
}

type badRequestError string

func errBadRequest(msg string) error { return badRequestError(msg) }

func (e badRequestError) Error() string { return string(e) }

func (h *AppointmentHandler) writeError(w http.ResponseWriter, err error) {
	var violation *policy.Violation
	var transition *appointment.TransitionError
	var badReq badRequestError

	switch {
	case errors.As(err, &badReq):
		writeErrorJSON(w, http.StatusBadRequest, "validation", badReq.Error())
	case errors.Is(err, appointment.ErrCancelReasonRequired):
		writeErrorJSON(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, interval.ErrInvalidInterval):
		writeErrorJSON(w, http.StatusUnprocessableEntity, "invalid_interval", err.Error())
	case errors.As(err, &violation):
		writeErrorJSON(w, http.StatusUnprocessableEntity, "policy_violation:"+string(violation.Rule), violation.Reason)
	case scheduler.IsConflict(err):
		writeErrorJSON(w, http.StatusConflict, "schedule_conflict", err.Error())
	case errors.Is(err, appointment.ErrAlreadyCancelled):
		writeErrorJSON(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, appointment.ErrAlreadyCompleted):
		writeErrorJSON(w, http.StatusConflict, "already_completed", err.Error())
	case errors.As(err, &transition):
		writeErrorJSON(w, http.StatusConflict, "invalid_transition", transition.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		writeErrorJSON(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, treatment.ErrNotFound):
		writeErrorJSON(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.logger.Error("request failed", "err", err)
		writeErrorJSON(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func toItem(res scheduler.Result) appointmentItem {
	appt := res.Appointment
	item := appointmentItem{
		AppointmentID:   appt.ID.String(),
		PatientID:       appt.PatientID.String(),
		TreatmentID:     appt.TreatmentID.String(),
		PractitionerID:  appt.PractitionerID.String(),
		StartTime:       appt.Start.UTC().Format(time.RFC3339),
		EndTime:         appt.End.UTC().Format(time.RFC3339),
		Status:          string(appt.Status),
		Notes:           appt.Notes,
		CalendarEventID: appt.CalendarEventID,
		Warnings:        res.Warnings,
	}
	if appt.CancelledAt != nil {
		item.CancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}

func parseUUID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		http.Error(w, field+" must be a valid uuid", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(w http.ResponseWriter, raw string) (time.Time, bool) {
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), time.UTC)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return time.Time{}, false
	}
	return day, true
}

func parseSpan(w http.ResponseWriter, startRaw, endRaw string) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func writeErrorJSON(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}
