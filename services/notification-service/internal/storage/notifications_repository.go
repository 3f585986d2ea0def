package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/aureaclinic/clinicsched/libs/db"
)

// Notification is one delivery attempt, persisted for the audit trail
// regardless of outcome.
type Notification struct {
	AppointmentID string
	PatientID     string
	Kind          string
	Channel       string
	Recipient     string
	Status        string
	FailureReason string
}

// PatientContact is the delivery address book entry for a patient.
type PatientContact struct {
	Email string
	Phone string
}

var ErrPatientNotFound = errors.New("patient not found")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (appointment_id, patient_id, kind, channel, recipient, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, n.AppointmentID, n.PatientID, n.Kind, n.Channel, n.Recipient, n.Status, n.FailureReason)
	return err
}

func (r *Repository) GetPatientContact(ctx context.Context, patientID string) (PatientContact, error) {
	var c PatientContact
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(email, ''), COALESCE(phone, '')
		FROM patients
		WHERE id = $1
	`, patientID).Scan(&c.Email, &c.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PatientContact{}, ErrPatientNotFound
		}
		return PatientContact{}, err
	}
	return c, nil
}
