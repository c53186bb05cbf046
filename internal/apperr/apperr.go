package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	InvalidTransition      Kind = "INVALID_TRANSITION"
	Unauthorized           Kind = "UNAUTHORIZED"
	DistanceOutOfRange     Kind = "DISTANCE_OUT_OF_RANGE"
	InvalidFilters         Kind = "INVALID_FILTERS"
	UnknownTransaction     Kind = "UNKNOWN_TRANSACTION"
	AmountMismatch         Kind = "AMOUNT_MISMATCH"
	ReconciliationConflict Kind = "RECONCILIATION_CONFLICT"
	ConcurrencyConflict    Kind = "CONCURRENCY_CONFLICT"
	NotFound               Kind = "NOT_FOUND"
	Internal               Kind = "INTERNAL"
)

// Error is the single error type returned across package boundaries.
// Op names the operation that failed, e.g. "booking.Accept".
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns Internal for errors that did not originate here.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable is true only for optimistic-lock failures; everything else is terminal.
func Retryable(err error) bool {
	return Is(err, ConcurrencyConflict)
}
