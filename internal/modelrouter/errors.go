package modelrouter

import "fmt"

// ErrorKind classifies a model router failure per SPEC_FULL.md §7.
type ErrorKind string

const (
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindNoCapacity     ErrorKind = "no_capacity"
	KindNoFallback     ErrorKind = "no_fallback"
)

// Error is the typed error the model router returns.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("modelrouter: %s: %s", e.Kind, e.Message) }

func budgetExceededErr(msg string) error { return &Error{Kind: KindBudgetExceeded, Message: msg} }

func noCapacityErr(msg string) error { return &Error{Kind: KindNoCapacity, Message: msg} }

func noFallbackErr(msg string) error { return &Error{Kind: KindNoFallback, Message: msg} }
