package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a state change is not an edge of
	// the task state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTaskNotFound is returned when no task exists for an id.
	ErrTaskNotFound = errors.New("task not found")

	errMissingID = errors.New("task id is empty")
)

// UnknownStateError reports a state string outside the task state machine.
type UnknownStateError struct {
	State State
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown task state %q", string(e.State))
}

// IsKnown reports whether s is one of the six task states.
func IsKnown(s State) bool {
	switch s {
	case StateSubmitted, StateWorking, StateInputRequired,
		StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition may leave s.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	switch from {
	case StateSubmitted:
		return to == StateWorking || to == StateFailed || to == StateCanceled
	case StateWorking:
		return to == StateInputRequired || to == StateCompleted ||
			to == StateFailed || to == StateCanceled
	case StateInputRequired:
		// Resume appends a new user message and puts the task back to work.
		return to == StateWorking || to == StateFailed || to == StateCanceled
	default:
		return false
	}
}

// CheckTransition returns an error wrapping ErrInvalidTransition when
// from -> to is not allowed.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidPath reports whether states, observed in order, form a walk through
// the state machine. Repeated consecutive states are tolerated because a
// snapshot can be observed more than once.
func ValidPath(states []State) bool {
	for i := 1; i < len(states); i++ {
		prev, next := states[i-1], states[i]
		if prev == next {
			continue
		}
		if !CanTransition(prev, next) {
			return false
		}
	}
	return true
}
