// Package apperr holds the error taxonomy shared by the dispatch core and its
// callers. Internal packages wrap the sentinels; the service facade converts
// everything it returns into an *Error.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrConflict              = errors.New("concurrency conflict")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrNotFound              = errors.New("not found")
)

// Reason codes rendered to clients.
const (
	CodeInvalidCoordinates = "INVALID_COORDINATES"
	CodeOutsideServiceArea = "OUTSIDE_SERVICE_AREA"
	CodeUnknownRider       = "UNKNOWN_RIDER"
	CodeRiderBlocked       = "RIDER_BLOCKED"
	CodeRideAlreadyActive  = "RIDE_ALREADY_ACTIVE"
	CodeInvalidInitiator   = "INVALID_INITIATOR"
	CodeInvalidTariff      = "INVALID_TARIFF"
	CodeInvalidSchedule    = "INVALID_SCHEDULE"
	CodeMissingID          = "MISSING_ID"
	CodeMalformedRequest   = "MALFORMED_REQUEST"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeDegraded           = "DEPENDENCY_UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// Error is the boundary error type. Kind is one of the sentinels above and is
// what errors.Is matches against.
type Error struct {
	Kind error
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func Validation(code, msg string) *Error {
	return &Error{Kind: ErrValidation, Code: code, Msg: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: ErrNotFound, Code: CodeNotFound, Msg: msg}
}

// Dependency marks err as an infrastructure failure (store, geo index,
// broker). Only errors of this kind are retried automatically.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrDependencyUnavailable, Code: CodeDegraded, Msg: op, Err: err}
}

// Code extracts the reason code from err, falling back to a code derived
// from the sentinel it wraps.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrDependencyUnavailable):
		return CodeDegraded
	}
	return CodeInternal
}
