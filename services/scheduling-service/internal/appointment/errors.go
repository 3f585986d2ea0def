package appointment

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyCancelled guards repeated cancellation; callers may treat it
	// as an idempotent success.
	ErrAlreadyCancelled = errors.New("appointment is already cancelled")
	// ErrAlreadyCompleted guards repeated completion.
	ErrAlreadyCompleted = errors.New("appointment is already completed")

	ErrCancelReasonRequired = errors.New("cancellation reason is required")
)

// TransitionError reports a state-machine transition attempted from a state
// that does not allow it.
type TransitionError struct {
	From  Status
	To    Status
	Event string
}

func (e *TransitionError) Error() string {
	event := e.Event
	if event == "" {
		event = string(e.To)
	}
	return fmt.Sprintf("invalid transition: cannot %s an appointment in status %q", event, e.From)
}

func IsInvalidTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
