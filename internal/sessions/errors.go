package sessions

import (
	"errors"
	"fmt"

	"github.com/inaiurai/tutoring/internal/models"
)

var (
	// ErrIllegalTransition is returned when an operation is not valid in the
	// session's current state. Nothing is mutated. The concrete error is
	// *TransitionError.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrForbidden is returned when the actor may not perform the operation
	// on this session (not a participant, or the wrong participant).
	ErrForbidden = errors.New("actor not allowed")
	// ErrInvalidInput is returned for malformed requests: past times, empty
	// dispute reasons, inconsistent resolutions.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError names the rejected operation and the state it hit.
type TransitionError struct {
	Op     string
	State  models.SessionState
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition: cannot %s a session in state %s", e.Op, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

func illegal(op string, s *models.Session, reason string) error {
	return &TransitionError{Op: op, State: s.State, Reason: reason}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
