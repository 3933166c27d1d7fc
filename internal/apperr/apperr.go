// Package apperr defines the router's error taxonomy: a small set of kinds
// that every service-level failure maps onto, and that the HTTP adapter maps
// onto status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure independent of where it surfaced.
type Kind string

const (
	Validation     Kind = "validation"
	Unauthenticated Kind = "unauthenticated"
	Forbidden      Kind = "forbidden"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Capacity       Kind = "capacity"
	Timeout        Kind = "timeout"
	Transport      Kind = "transport"
	Internal       Kind = "internal"
)

// Error is the router's canonical error type. Services return *Error (or a
// wrapped error convertible via As) instead of bare errors so the HTTP
// adapter and the CLI can branch on Kind without string matching.
type Error struct {
	Kind       Kind
	Message    string
	RuleID     string
	RetryAfter int64 // milliseconds; 0 if not applicable
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

func Validationf(format string, a ...any) *Error { return new_(Validation, fmt.Sprintf(format, a...)) }
func Unauthenticatedf(format string, a ...any) *Error {
	return new_(Unauthenticated, fmt.Sprintf(format, a...))
}
func Forbiddenf(format string, a ...any) *Error { return new_(Forbidden, fmt.Sprintf(format, a...)) }
func NotFoundf(format string, a ...any) *Error  { return new_(NotFound, fmt.Sprintf(format, a...)) }
func Conflictf(format string, a ...any) *Error  { return new_(Conflict, fmt.Sprintf(format, a...)) }
func Capacityf(format string, a ...any) *Error  { return new_(Capacity, fmt.Sprintf(format, a...)) }
func Timeoutf(format string, a ...any) *Error   { return new_(Timeout, fmt.Sprintf(format, a...)) }
func Transportf(format string, a ...any) *Error { return new_(Transport, fmt.Sprintf(format, a...)) }
func Internalf(format string, a ...any) *Error  { return new_(Internal, fmt.Sprintf(format, a...)) }

// Wrap attaches a Kind to an underlying error, preserving it for Unwrap.
func Wrap(k Kind, err error, msg string) *Error {
	return &Error{Kind: k, Message: msg, Err: err}
}

// WithRuleID returns a copy of e with RuleID set, for policy-deny responses.
func (e *Error) WithRuleID(id string) *Error {
	c := *e
	c.RuleID = id
	return &c
}

// WithRetryAfter returns a copy of e with RetryAfter set, in milliseconds.
func (e *Error) WithRetryAfter(ms int64) *Error {
	c := *e
	c.RetryAfter = ms
	return &c
}

// As reports whether err is (or wraps) an *Error, and if so returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is an *Error, else Internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}
