package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aureaclinic/clinicsched/libs/db"
	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/outbox"
)

// ReminderRepository records which reminder offsets have already been
// dispatched per appointment, so sweep re-runs never emit a reminder twice.
type ReminderRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewReminderRepository(pool *db.Pool, ob *outbox.Repository) *ReminderRepository {
	return &ReminderRepository{pool: pool, outbox: ob}
}

// DispatchOnce writes the dispatch marker and the reminder event in one
// transaction. It returns false without writing the event when the marker
// already exists.
func (r *ReminderRepository) DispatchOnce(ctx context.Context, appointmentID uuid.UUID, offset string, evt outbox.Event) (bool, error) {
	var dispatched bool
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO reminder_dispatch (appointment_id, reminder_offset)
			VALUES ($1, $2)
			ON CONFLICT (appointment_id, reminder_offset) DO NOTHING
		`, appointmentID, offset)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		dispatched = true
		return r.outbox.Insert(ctx, tx, evt)
	})
	if err != nil {
		return false, err
	}
	return dispatched, nil
}
