// Package errs defines the admission/facade error taxonomy shared by the
// engine and the request facade (spec §7).
package errs

import "fmt"

// Kind is one of the structured error codes surfaced at the facade.
type Kind string

const (
	NotFound                       Kind = "not_found"
	InvalidInput                   Kind = "invalid_input"
	InvalidTransition              Kind = "invalid_transition"
	DependencyPending              Kind = "dependency_pending"
	DependencyUnsatisfiable        Kind = "dependency_unsatisfiable"
	NeedsApproval                  Kind = "needs_approval"
	LockConflict                   Kind = "lock_conflict"
	CycleDetected                  Kind = "cycle_detected"
	ScheduleConflictWithDependency Kind = "schedule_conflict_with_dependency"
	Unauthorized                   Kind = "unauthorized"
	Conflict                       Kind = "conflict"
	Internal                       Kind = "internal"
)

// Error is a structured admission/validation error carrying actionable detail.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// New builds an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail fields (e.g. {scope, group, have, need}).
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// NotFoundf builds a not_found error.
func NotFoundf(format string, args ...any) *Error { return New(NotFound, format, args...) }

// Unauthorizedf builds an unauthorized error.
func Unauthorizedf(format string, args ...any) *Error { return New(Unauthorized, format, args...) }

// InvalidInputf builds an invalid_input error.
func InvalidInputf(format string, args ...any) *Error { return New(InvalidInput, format, args...) }

// Conflictf builds a generic concurrent-modification error.
func Conflictf(format string, args ...any) *Error { return New(Conflict, format, args...) }
