// Package apierr implements the tagged-union error model the core uses
// at every component boundary (spec §7): raw driver/library errors are
// classified into a small set of kinds and never leaked to callers.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is the caller-visible classification of an error.
type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindDeadlineExceeded    Kind = "deadline_exceeded"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

// Sentinels usable with errors.Is for the common classifications that
// do not need extra structured fields.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrUnavailable      = errors.New("unavailable")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindUnauthenticated:
		return ErrUnauthenticated
	case KindForbidden:
		return ErrForbidden
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindDeadlineExceeded:
		return ErrDeadlineExceeded
	case KindUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

// Error is the structured error every component boundary returns.
// Op names the failing operation ("userresolver.EnsureUser"), Reason is
// a stable machine-readable sub-code (e.g. "owner_mismatch",
// "default_deny"), Err is the wrapped cause (nil-able), and
// CorrelationID lets an operator trace an Internal error back to logs
// without leaking the raw message to the caller.
type Error struct {
	Op             string
	Kind           Kind
	Reason         string
	Err            error
	CorrelationID  string
	Required       int64 // populated for KindInsufficientCredits
	Available      int64 // populated for KindInsufficientCredits
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, apierr.ErrNotFound) etc. match regardless of Op/Reason.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

// New builds a classified error.
func New(op string, kind Kind, reason string, err error) *Error {
	return &Error{Op: op, Kind: kind, Reason: reason, Err: err}
}

// Insufficient builds the InsufficientCredits{required, available} error
// shape spec.md §7 requires.
func Insufficient(op string, required, available int64) *Error {
	return &Error{
		Op:        op,
		Kind:      KindInsufficientCredits,
		Reason:    "insufficient_credits",
		Required:  required,
		Available: available,
	}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// WithCorrelationID attaches a correlation id for Internal-kind errors
// and returns the receiver for chaining.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}
