package actions

import (
	"errors"
	"fmt"
)

// ErrorKind classifies executor failures.
type ErrorKind string

const (
	ErrUnreachable       ErrorKind = "unreachable_service"
	ErrInvalidParameters ErrorKind = "invalid_parameters"
	ErrTimeout           ErrorKind = "execution_timeout"
	ErrTargetApplication ErrorKind = "target_application_error"
)

// Error is returned by Validate and by Executor implementations.
type Error struct {
	Kind    ErrorKind
	Action  Kind
	Status  int // HTTP status, 0 when no response was received
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Action, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorKindOf returns the kind of an *Error in err's chain, or "".
func ErrorKindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsUnreachable reports whether err means the service could not be reached.
func IsUnreachable(err error) bool {
	return ErrorKindOf(err) == ErrUnreachable
}

func invalid(k Kind, format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidParameters, Action: k, Message: fmt.Sprintf(format, args...)}
}
