package domain

import (
	"errors"
	"fmt"
)

// ErrRenumberRequired signals that a column must be renumbered before a
// position can be allocated.
var ErrRenumberRequired = errors.New("renumber required")

// Kind discriminates the error kinds of the planning board.
type Kind string

// Error kinds.
const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindRenumberRequired  Kind = "renumber_required"
	KindInternal          Kind = "internal"
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing task, neighbor or event.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidTransitionError reports an illegal status change.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// Conflict reasons.
const (
	ReasonNotAdjacent      = "not_adjacent"
	ReasonWrongColumn      = "wrong_column"
	ReasonNeighborGone     = "neighbor_gone"
	ReasonRenumberRequired = "renumber_required"
	ReasonConcurrentWrite  = "concurrent_write"
)

// ConflictError reports a reposition made against a stale view of a column.
type ConflictError struct {
	TaskID   string
	EventID  string
	Status   Status
	BeforeID string
	AfterID  string
	Reason   string
	Err      error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict moving task %s in %s/%s: %s", e.TaskID, e.EventID, e.Status, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for unknown errors.
func KindOf(err error) Kind {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		transitionErr *InvalidTransitionError
		conflictErr   *ConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &transitionErr):
		return KindInvalidTransition
	case errors.As(err, &conflictErr):
		return KindConflict
	case errors.Is(err, ErrRenumberRequired):
		return KindRenumberRequired
	default:
		return KindInternal
	}
}
