// Package agierr implements the error taxonomy from the runtime's error
// handling design: a small, closed set of kinds that the rest of the
// runtime branches on (retry once, fail the node, stop the agent, or treat
// as benign cancellation), each wrapping an optional underlying cause.
package agierr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed taxonomy of runtime error classes.
type Kind string

const (
	// KindConfig is a missing API key or malformed configuration; fatal at startup.
	KindConfig Kind = "config_error"
	// KindInvalidDependency is a cycle in node dependencies or a duplicate
	// node id; surfaced to the caller, the node is rejected.
	KindInvalidDependency Kind = "invalid_dependency"
	// KindScopeViolation is a tool reading or writing outside its permitted
	// scope; reported as tool.error with no fatal impact.
	KindScopeViolation Kind = "scope_violation"
	// KindProviderTransient is a network timeout, 5xx, or rate-limit; retried once.
	KindProviderTransient Kind = "provider_transient"
	// KindProviderPermanent is a 4xx other than rate limiting; never retried.
	KindProviderPermanent Kind = "provider_permanent"
	// KindToolError is a tool implementation failure; reported, loop continues.
	KindToolError Kind = "tool_error"
	// KindMaxIterations is the harnessed worker iteration cap being exceeded.
	KindMaxIterations Kind = "max_iterations"
)

// Error is the concrete runtime error type. It always carries a Kind so
// callers can branch with errors.As without string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As can traverse it.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, agierr.New(agierr.KindScopeViolation, "")) style
// checks, though matching on Kind directly via errors.As is preferred.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ErrCancelled is the sentinel for cooperative cancellation. Per the error
// handling design, Cancelled must propagate distinctly from failures
// everywhere: it is never wrapped as a classified Kind and is never reported
// as a node or agent failure, only logged as worker.stopped/agent.stopped.
var ErrCancelled = errors.New("agiraph: cancelled")

// IsCancelled reports whether err is, or wraps, ErrCancelled.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }
