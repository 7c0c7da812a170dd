package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an id does not resolve inside the caller's winery.
var ErrNotFound = errors.New("not found")

// ErrConflict signals a lost optimistic-concurrency race. Safe to retry once.
var ErrConflict = errors.New("concurrent modification")

// ValidationError is malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

// InvalidTransitionError is returned when the state machine rejects an event.
type InvalidTransitionError struct {
	From  TaskStatus
	Event string
}

func (e InvalidTransitionError) Error() string {
	switch e.From {
	case StatusExecuted:
		return fmt.Sprintf("task already executed; cannot %s", e.Event)
	case StatusRejected:
		return fmt.Sprintf("task already rejected; cannot %s", e.Event)
	case StatusCancelled:
		return fmt.Sprintf("task already cancelled; cannot %s", e.Event)
	}
	return fmt.Sprintf("cannot %s a task in status %s", e.Event, e.From)
}

// TokenInvalidError is a failed token validation or redemption.
type TokenInvalidError struct {
	Reason TokenFailure
}

func (e TokenInvalidError) Error() string {
	return "member action token invalid: " + string(e.Reason)
}

// StorageError wraps a persistence failure that is not one of the typed errors above.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it already carries a domain meaning.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve ValidationError
		te InvalidTransitionError
		ti TokenInvalidError
		se StorageError
	)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.As(err, &ve) || errors.As(err, &te) || errors.As(err, &ti) || errors.As(err, &se) {
		return err
	}
	return StorageError{Op: op, Err: err}
}
