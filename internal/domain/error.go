package domain

import (
	"errors"
	"fmt"
)

var (
	// Error kinds. Every error produced by the provisioning pipeline wraps exactly one of these.
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrCapacity        = errors.New("capacity exhausted")
	ErrExternalService = errors.New("external service error")
	ErrPersistence     = errors.New("persistence error")

	// Storage-level errors returned by repositories.
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
)

// GenericFailureMessage is shown to users for anything that is not their fault.
const GenericFailureMessage = "temporary failure, please try again"

// Error is a typed failure. Kind is one of the Err* kinds above, Message is safe to show to
// end users for the user-facing kinds, Err is the underlying cause (may be nil).
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Validation(format string, args ...any) error {
	return newError(ErrValidation, nil, format, args...)
}

func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, nil, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newError(ErrInvalidState, nil, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(ErrConflict, nil, format, args...)
}

func Capacity(format string, args ...any) error {
	return newError(ErrCapacity, nil, format, args...)
}

func External(cause error, format string, args ...any) error {
	return newError(ErrExternalService, cause, format, args...)
}

// Persistence wraps a storage failure. Nil causes stay nil so callers can wrap unconditionally.
func Persistence(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	var de *Error
	if errors.As(cause, &de) {
		return cause
	}
	return newError(ErrPersistence, cause, format, args...)
}

// IsUserError reports whether err belongs to a kind whose message is meant for the end user.
func IsUserError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConflict)
}

// UserMessage returns the message to show to end users. Internal diagnostics never leak.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsUserError(err) {
		var de *Error
		if errors.As(err, &de) && de.Message != "" {
			return de.Message
		}
		switch {
		case errors.Is(err, ErrNotFound):
			return "not found"
		case errors.Is(err, ErrConflict):
			return "request conflicted with a concurrent update, please retry"
		}
		return err.Error()
	}
	return GenericFailureMessage
}

// KindName returns a short stable name for the error kind, used in API bodies and metric labels.
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidArgument):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrExternalService):
		return "external"
	default:
		return "persistence"
	}
}
