// Package storage is the Postgres persistence layer for the scheduling
// service. Concurrent double-booking is closed by an exclusion constraint on
// the appointments table (practitioner id with =, booking range with &&,
// non-cancelled rows only); its violation surfaces as a conflict error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aureaclinic/clinicsched/libs/db"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/appointment"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/availability"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/interval"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/inventory"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/scheduler"
)

// ErrInsufficientStock is returned when completing an appointment would drive
// a product's stock negative. The whole completion rolls back.
var ErrInsufficientStock = errors.New("insufficient stock")

const appointmentColumns = `
	id, patient_id, treatment_id, practitioner_id,
	start_time, end_time, status, COALESCE(notes, ''),
	COALESCE(calendar_event_id, ''), cancelled_at, created_at, updated_at`

type AppointmentRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewAppointmentRepository(pool *db.Pool, ob *outbox.Repository) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: ob}
}

func (r *AppointmentRepository) CreateAppointment(ctx context.Context, appt *appointment.Appointment, idemKey string, events []outbox.Event) (uuid.UUID, error) {
	var replayID uuid.UUID
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if idemKey != "" {
			existing, replay, err := r.lockIdempotencyKey(ctx, tx, idemKey)
			if err != nil {
				return err
			}
			if replay {
				replayID = existing
				return nil
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO appointments
				(id, patient_id, treatment_id, practitioner_id, start_time, end_time, status, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
			RETURNING created_at, updated_at
		`, appt.ID, appt.PatientID, appt.TreatmentID, appt.PractitionerID,
			appt.Start, appt.End, appt.Status, appt.Notes).Scan(&appt.CreatedAt, &appt.UpdatedAt)
		if err != nil {
			return mapWriteError(err)
		}

		if idemKey != "" {
			if err := r.finalizeIdempotencyKey(ctx, tx, idemKey, appt.ID); err != nil {
				return err
			}
		}
		return r.insertEvents(ctx, tx, events)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return replayID, nil
}

// FindIdempotentReplay looks up a finalized idempotency key outside any
// transaction. uuid.Nil means the key is unknown or its create is still in
// flight; the key lock inside CreateAppointment settles that race.
func (r *AppointmentRepository) FindIdempotentReplay(ctx context.Context, key string) (uuid.UUID, error) {
	var appointmentID *uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT appointment_id
		FROM scheduling_idempotency_keys
		WHERE idempotency_key = $1
	`, key).Scan(&appointmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	if appointmentID == nil {
		return uuid.Nil, nil
	}
	return *appointmentID, nil
}

func (r *AppointmentRepository) GetAppointment(ctx context.Context, id uuid.UUID) (appointment.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return appointment.Appointment{}, fmt.Errorf("appointment %s: %w", id, scheduler.ErrNotFound)
		}
		return appointment.Appointment{}, err
	}
	return appt, nil
}

func (r *AppointmentRepository) UpdateSchedule(ctx context.Context, appt *appointment.Appointment, events []outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET start_time = $2,
				end_time = $3,
				updated_at = now()
			WHERE id = $1
		`, appt.ID, appt.Start, appt.End)
		if err != nil {
			return mapWriteError(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("appointment %s: %w", appt.ID, scheduler.ErrNotFound)
		}
		return r.insertEvents(ctx, tx, events)
	})
}

func (r *AppointmentRepository) UpdateStatus(ctx context.Context, appt *appointment.Appointment, events []outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.updateStatusTx(ctx, tx, appt); err != nil {
			return err
		}
		return r.insertEvents(ctx, tx, events)
	})
}

func (r *AppointmentRepository) CompleteAppointment(ctx context.Context, appt *appointment.Appointment, records []inventory.StockConsumption, prescribedSessions int, events []outbox.Event) error {
	return r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.updateStatusTx(ctx, tx, appt); err != nil {
			return err
		}
		for _, rec := range records {
			if err := r.applyStockMovement(ctx, tx, rec); err != nil {
				return err
			}
		}
		if err := r.advanceTreatmentProgress(ctx, tx, appt.PatientID, appt.TreatmentID, prescribedSessions); err != nil {
			return err
		}
		return r.insertEvents(ctx, tx, events)
	})
}

func (r *AppointmentRepository) ListActiveBookings(ctx context.Context, practitionerID uuid.UUID, window interval.Interval) ([]availability.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, start_time, end_time
		FROM appointments
		WHERE practitioner_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, practitionerID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []availability.Booking
	for rows.Next() {
		var b availability.Booking
		if err := rows.Scan(&b.ID, &b.Span.Start, &b.Span.End); err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func (r *AppointmentRepository) ListByPractitionerDay(ctx context.Context, practitionerID uuid.UUID, window interval.Interval) ([]appointment.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, practitionerID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *AppointmentRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]appointment.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// ListOverdue returns scheduled or confirmed appointments whose end time is
// before the cutoff. Used by the no-show sweep.
func (r *AppointmentRepository) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]appointment.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
			AND end_time < $1
		ORDER BY end_time ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// ListUpcoming returns scheduled or confirmed appointments starting inside
// the window. Used by the reminder sweep.
func (r *AppointmentRepository) ListUpcoming(ctx context.Context, window interval.Interval, limit int) ([]appointment.Appointment, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
			AND start_time >= $1
			AND start_time < $2
		ORDER BY start_time ASC
		LIMIT $3
	`, window.Start, window.End, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *AppointmentRepository) SetCalendarEventID(ctx context.Context, id uuid.UUID, eventID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET calendar_event_id = $2,
			updated_at = now()
		WHERE id = $1
	`, id, eventID)
	return err
}

func (r *AppointmentRepository) updateStatusTx(ctx context.Context, tx pgx.Tx, appt *appointment.Appointment) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
			notes = NULLIF($3, ''),
			cancelled_at = $4,
			updated_at = now()
		WHERE id = $1
	`, appt.ID, appt.Status, appt.Notes, appt.CancelledAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", appt.ID, scheduler.ErrNotFound)
	}
	return nil
}

func (r *AppointmentRepository) applyStockMovement(ctx context.Context, tx pgx.Tx, rec inventory.StockConsumption) error {
	tag, err := tx.Exec(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2,
			updated_at = now()
		WHERE id = $1 AND stock_quantity + $2 >= 0
	`, rec.ProductID, rec.Quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", rec.ProductID, ErrInsufficientStock)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO stock_movements (product_id, quantity, appointment_id)
		VALUES ($1, $2, $3)
	`, rec.ProductID, rec.Quantity, rec.AppointmentID)
	return err
}

func (r *AppointmentRepository) advanceTreatmentProgress(ctx context.Context, tx pgx.Tx, patientID, treatmentID uuid.UUID, prescribedSessions int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO treatment_progress (patient_id, treatment_id, completed_sessions, prescribed_sessions)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (patient_id, treatment_id) DO UPDATE
		SET completed_sessions = treatment_progress.completed_sessions + 1,
			prescribed_sessions = EXCLUDED.prescribed_sessions,
			updated_at = now()
	`, patientID, treatmentID, prescribedSessions)
	if err != nil {
		return err
	}
	if prescribedSessions <= 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE treatment_progress
		SET course_completed_at = now()
		WHERE patient_id = $1
			AND treatment_id = $2
			AND course_completed_at IS NULL
			AND completed_sessions >= prescribed_sessions
	`, patientID, treatmentID)
	return err
}

func (r *AppointmentRepository) insertEvents(ctx context.Context, tx pgx.Tx, events []outbox.Event) error {
	for _, evt := range events {
		if err := r.outbox.Insert(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (r *AppointmentRepository) lockIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (uuid.UUID, bool, error) {
	id, err := r.selectIdempotencyForUpdate(ctx, tx, key)
	if err == nil {
		return id, id != uuid.Nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduling_idempotency_keys (idempotency_key)
		VALUES ($1)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key)
	if err != nil {
		return uuid.Nil, false, err
	}

	id, err = r.selectIdempotencyForUpdate(ctx, tx, key)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, id != uuid.Nil, nil
}

func (r *AppointmentRepository) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, key string) (uuid.UUID, error) {
	var appointmentID *uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT appointment_id
		FROM scheduling_idempotency_keys
		WHERE idempotency_key = $1
		FOR UPDATE
	`, key).Scan(&appointmentID)
	if err != nil {
		return uuid.Nil, err
	}
	if appointmentID == nil {
		return uuid.Nil, nil
	}
	return *appointmentID, nil
}

func (r *AppointmentRepository) finalizeIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, appointmentID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE scheduling_idempotency_keys
		SET appointment_id = $2,
			updated_at = now()
		WHERE idempotency_key = $1
	`, key, appointmentID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (appointment.Appointment, error) {
	var appt appointment.Appointment
	var cancelledAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.PatientID,
		&appt.TreatmentID,
		&appt.PractitionerID,
		&appt.Start,
		&appt.End,
		&appt.Status,
		&appt.Notes,
		&appt.CalendarEventID,
		&cancelledAt,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return appointment.Appointment{}, err
	}
	appt.CancelledAt = cancelledAt
	return appt, nil
}

func collectAppointments(rows pgx.Rows) ([]appointment.Appointment, error) {
	var appts []appointment.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

// mapWriteError translates the exclusion-constraint violation raised by a
// concurrent overlapping insert into the scheduler's conflict error.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		return &scheduler.ConflictError{}
	}
	return err
}
