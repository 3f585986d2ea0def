// Package treatment looks up the clinic's treatment catalog. The scheduling
// core only reads it: default slot duration and the consumables a session
// requires.
package treatment

import (
	"context"

	"github.com/google/uuid"
)

type RequiredProduct struct {
	ProductID          uuid.UUID
	QuantityPerSession int
}

type Treatment struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int
	// PrescribedSessions is the number of sessions in a full course; 0 means
	// open-ended.
	PrescribedSessions int
	RequiredProducts   []RequiredProduct
}

type Provider interface {
	GetTreatment(ctx context.Context, id uuid.UUID) (Treatment, error)
}
