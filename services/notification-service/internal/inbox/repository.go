// Package inbox deduplicates consumed Kafka events by event id. A duplicate
// insert is reported, not treated as an error, so redeliveries are silent
// no-ops.
package inbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aureaclinic/clinicsched/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts the event id and returns false when it was already seen.
func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}

	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}
