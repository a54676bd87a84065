package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the service error taxonomy. Use errors.Is against these;
// concrete errors are *Error values wrapping one of them.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrStorage     = errors.New("storage error")
	ErrUnavailable = errors.New("engine unavailable")
)

// Error carries a taxonomy kind, a caller-facing message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf returns a ValidationError.
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a NotFoundError for the given policy id.
func NotFound(id string) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("policy %q not found", id)}
}

// NotFoundf returns a NotFoundError for anything other than a policy.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf returns a ConflictError.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// StorageErr wraps a durable-store failure.
func StorageErr(op string, err error) error {
	return &Error{Kind: ErrStorage, Message: op, Err: err}
}

// Unavailablef returns an EngineUnavailable error.
func Unavailablef(format string, args ...any) error {
	return &Error{Kind: ErrUnavailable, Message: fmt.Sprintf(format, args...)}
}

// KindName returns the wire name of err's taxonomy kind, or "internal".
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	case errors.Is(err, ErrUnavailable):
		return "engine_unavailable"
	default:
		return "internal"
	}
}

// Message returns the caller-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
