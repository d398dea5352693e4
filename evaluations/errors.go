package evaluations

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("evaluation not found")
	ErrAlreadyActive    = errors.New("client already has an active evaluation")
	ErrIntakeIncomplete = errors.New("intake form is not complete")
	ErrNotOwner         = errors.New("evaluation belongs to another client")

	// ErrInvalidTransition is the sentinel every TransitionError unwraps to.
	ErrInvalidTransition = errors.New("invalid transition")
)

// TransitionError names the current and expected states for a rejected
// transition so the caller can re-fetch and decide what to do.
type TransitionError struct {
	Op       string
	Current  Status
	Expected []Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition from %q (expected %v)", e.Op, e.Current, e.Expected)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func transitionErr(op string, current Status, expected ...Status) error {
	return &TransitionError{Op: op, Current: current, Expected: expected}
}
