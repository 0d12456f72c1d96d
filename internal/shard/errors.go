package shard

import "fmt"

// ErrorKind classifies a shard manager failure per SPEC_FULL.md §7.
type ErrorKind string

const (
	KindNoCapacity ErrorKind = "no_capacity"
	KindNotFound   ErrorKind = "not_found"
)

// Error is the typed error the shard manager returns.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("shard: %s: %s", e.Kind, e.Message) }

func noCapacityErr(msg string) error { return &Error{Kind: KindNoCapacity, Message: msg} }

func notFoundErr(msg string) error { return &Error{Kind: KindNotFound, Message: msg} }
