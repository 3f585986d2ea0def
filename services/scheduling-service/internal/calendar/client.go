// Package calendar talks to the external calendar integration. Calls are
// best effort: the scheduler surfaces failures as warnings, never as errors.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
)

type Client interface {
	// IsAvailable gates all other calls: when false they are no-ops and
	// return empty results instead of erroring.
	IsAvailable() bool
	CreateEvent(ctx context.Context, appt *appointment.Appointment) (string, error)
	UpdateEvent(ctx context.Context, eventID string, appt *appointment.Appointment) error
	CancelEvent(ctx context.Context, eventID string) error
}

// WebhookClient forwards event operations to the calendar bridge over HTTP.
type WebhookClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewWebhookClient(baseURL, token string) *WebhookClient {
	return &WebhookClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *WebhookClient) IsAvailable() bool {
	return c.baseURL != ""
}

type eventBody struct {
	AppointmentID  string `json:"appointment_id"`
	PractitionerID string `json:"practitioner_id"`
	PatientID      string `json:"patient_id"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
}

func (c *WebhookClient) CreateEvent(ctx context.Context, appt *appointment.Appointment) (string, error) {
	if !c.IsAvailable() {
		return "", nil
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.post(ctx, "/events", bodyFor(appt), &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *WebhookClient) UpdateEvent(ctx context.Context, eventID string, appt *appointment.Appointment) error {
	if !c.IsAvailable() || eventID == "" {
		return nil
	}
	return c.post(ctx, "/events/"+eventID, bodyFor(appt), nil)
}

func (c *WebhookClient) CancelEvent(ctx context.Context, eventID string) error {
	if !c.IsAvailable() || eventID == "" {
		return nil
	}
	return c.post(ctx, "/events/"+eventID+"/cancel", struct{}{}, nil)
}

func (c *WebhookClient) post(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("calendar bridge returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.New("calendar bridge returned invalid json")
		}
	}
	return nil
}

func bodyFor(appt *appointment.Appointment) eventBody {
	return eventBody{
		AppointmentID:  appt.ID.String(),
		PractitionerID: appt.PractitionerID.String(),
		PatientID:      appt.PatientID.String(),
		StartTime:      appt.Start.UTC().Format(time.RFC3339),
		EndTime:        appt.End.UTC().Format(time.RFC3339),
	}
}

// NoopClient is used when no calendar integration is configured.
type NoopClient struct{}

func NewNoopClient() *NoopClient { return &NoopClient{} }

func (NoopClient) IsAvailable() bool { return false }

func (NoopClient) CreateEvent(context.Context, *appointment.Appointment) (string, error) {
	return "", nil
}

func (NoopClient) UpdateEvent(context.Context, string, *appointment.Appointment) error {
	return nil
}

func (NoopClient) CancelEvent(context.Context, string) error {
	return nil
}
