// Package fault classifies errors crossing component boundaries.
//
// Every error that reaches the HTTP surface or a decision point (retry,
// fallback, swallow) carries a Kind. Wrapping preserves the original error
// chain so errors.Is / errors.As keep working.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification of an error.
type Kind string

const (
	// Validation covers malformed input detected before any side effect.
	Validation Kind = "validation"
	// NotFound covers lookups of absent sessions, memories, or records.
	NotFound Kind = "not_found"
	// Conflict covers duplicate creation and concurrent-modification races.
	Conflict Kind = "conflict"
	// Unauthorized covers failed authentication or missing credentials.
	Unauthorized Kind = "unauthorized"
	// Timeout covers exceeded deadlines on tools, providers, or backends.
	Timeout Kind = "timeout"
	// RateLimited covers provider or server throttling.
	RateLimited Kind = "rate_limited"
	// Backend covers storage and vector store failures.
	Backend Kind = "backend"
	// Provider covers LLM and embedding service failures.
	Provider Kind = "provider"
	// Capability covers optional features a peer does not implement.
	Capability Kind = "capability"
	// Internal covers everything else.
	Internal Kind = "internal"
)

// Error is a classified error with an optional operation label.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, op, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf walks the error chain and returns the first Kind found,
// or Internal when the chain carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
