package treatment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aureaclinic/clinicsched/libs/db"
)

// ErrNotFound is returned when the catalog has no such treatment.
var ErrNotFound = errors.New("treatment not found")

// PGProvider reads the catalog tables maintained by the back-office app.
type PGProvider struct {
	pool *db.Pool
}

func NewPGProvider(pool *db.Pool) *PGProvider {
	return &PGProvider{pool: pool}
}

func (p *PGProvider) GetTreatment(ctx context.Context, id uuid.UUID) (Treatment, error) {
	var t Treatment
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, COALESCE(prescribed_sessions, 0)
		FROM treatments
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.DurationMinutes, &t.PrescribedSessions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Treatment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Treatment{}, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT product_id, quantity_per_session
		FROM treatment_products
		WHERE treatment_id = $1
		ORDER BY product_id
	`, id)
	if err != nil {
		return Treatment{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var rp RequiredProduct
		if err := rows.Scan(&rp.ProductID, &rp.QuantityPerSession); err != nil {
			return Treatment{}, err
		}
		t.RequiredProducts = append(t.RequiredProducts, rp)
	}
	if rows.Err() != nil {
		return Treatment{}, rows.Err()
	}
	return t, nil
}
