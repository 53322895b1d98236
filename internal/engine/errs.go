package engine

import (
	"fmt"

	"subline/internal/domain"
)

// NotAuthorizedError means role resolution fell short of the required
// threshold. It is surfaced verbatim and never retried.
type NotAuthorizedError struct {
	Action  string
	Require domain.Role
	Got     domain.Role
}

func (e NotAuthorizedError) Error() string {
	return fmt.Sprintf("%s requires role %s or above (effective role %s)", e.Action, e.Require, e.Got)
}

// InvalidTransitionError rejects an operation that would violate the
// task state machine; the transaction guarantees no partial change.
type InvalidTransitionError struct {
	Reason string
}

func (e InvalidTransitionError) Error() string {
	return "invalid transition: " + e.Reason
}

// StaleReferenceError means the referenced entity was already processed
// or removed by a concurrent actor; callers can retry after refresh.
type StaleReferenceError struct {
	Kind string
	ID   string
}

func (e StaleReferenceError) Error() string {
	return fmt.Sprintf("%s %s already processed", e.Kind, e.ID)
}
