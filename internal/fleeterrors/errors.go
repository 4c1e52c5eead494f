// Package fleeterrors defines the abstract error taxonomy the orchestrator
// core surfaces across its API, independent of any transport encoding.
package fleeterrors

import "errors"

// Kind classifies an error so transport adapters can map it to a
// protocol-specific status without inspecting error strings.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindOverloaded      Kind = "overloaded"
	KindNoCandidates    Kind = "no_candidates"
	KindNetworkError    Kind = "network_error"
	KindNodeFailure     Kind = "node_failure"
	KindNodeRejected    Kind = "node_rejected"
	KindTimeout         Kind = "timeout"
	KindPermanentError  Kind = "task_error_permanent"
	KindTransientError  Kind = "task_error_transient"
	KindInvalidTransition Kind = "invalid_transition"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// classification while %w-unwrapping still reaches the original error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether the standard retry policy should fire for
// this error class: network_error, node_failure, and timeout retry;
// invalid_input and task_error_permanent do not.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindNetworkError, KindNodeFailure, KindTimeout, KindTransientError:
		return true
	default:
		return false
	}
}
