package scheduler

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a referenced appointment does not exist.
// Stores wrap it so errors.Is works across implementations.
var ErrNotFound = errors.New("appointment not found")

// ConflictError reports an overlapping booking for the same practitioner.
// ConflictingID is uuid.Nil when the overlap was caught by the database
// exclusion constraint rather than the pre-write scan (concurrent insert).
type ConflictError struct {
	ConflictingID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.ConflictingID == uuid.Nil {
		return "schedule conflict: time slot already booked"
	}
	return fmt.Sprintf("schedule conflict with appointment %s", e.ConflictingID)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
