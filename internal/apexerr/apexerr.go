// Package apexerr is the typed error-kind taxonomy every component maps
// its failures into at a boundary, so the HTTP surface (component K) and
// the metrics collectors (component M) can both switch on Kind without
// parsing error strings.
package apexerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed. Every Kind maps to exactly one
// HTTP status (HTTPStatus) and one Prometheus counter label.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindStalled          Kind = "stalled"
	KindTransient        Kind = "transient"
	KindBackendUnhealthy Kind = "backend_unhealthy"
	KindTimeboxExceeded  Kind = "timebox_exceeded"
	KindNoCapacity       Kind = "no_capacity"
	KindConflict         Kind = "conflict"
	KindFatal            Kind = "fatal"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, following the teacher's fmt.Errorf("...: %w", err) chain
// idiom but keeping the kind inspectable via errors.As instead of string
// matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and the operation name that observed it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err's chain, if any component tagged it.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// HTTPStatus maps a Kind to the status code component K returns for it.
// Unrecognized kinds (including untagged errors) map to 500.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindBudgetExceeded:
		return 402
	case KindConflict:
		return 409
	case KindNoCapacity, KindBackendUnhealthy:
		return 503
	case KindStalled, KindTimeboxExceeded:
		return 504
	case KindTransient:
		return 503
	case KindFatal:
		return 500
	default:
		return 500
	}
}
