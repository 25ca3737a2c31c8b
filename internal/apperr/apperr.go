package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the HTTP boundary can map it to a status
// code without inspecting error strings. Components return these; handlers
// never invent status codes themselves.
type Kind int

const (
	// Unauthenticated covers every credential failure. Which credential
	// path failed (bad key, expired token, inactive identity) must not
	// be distinguishable by the caller.
	Unauthenticated Kind = iota

	// AccessDenied means the policy engine returned deny (or defaulted
	// to deny).
	AccessDenied

	// ValidationFailed carries field-level messages in Details.
	ValidationFailed

	// NotFound means the row does not exist in the caller's scope.
	NotFound

	// Conflict is a unique-constraint violation (duplicate external_id,
	// key hash, invitation token, ...).
	Conflict

	// RateLimited means a fixed window is exhausted.
	RateLimited

	// Transient marks a store/cache/egress failure worth retrying
	// locally before surfacing 503.
	Transient

	// PolicyMalformed is raised on policy writes only. At evaluation
	// time malformed rules are treated as non-matching.
	PolicyMalformed

	// EmbeddingFailed never reaches a client; memory writes succeed
	// without a vector and search falls back to text matching.
	EmbeddingFailed

	// Internal is everything else.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case AccessDenied:
		return "access_denied"
	case ValidationFailed:
		return "validation_failed"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case PolicyMalformed:
		return "policy_malformed"
	case EmbeddingFailed:
		return "embedding_failed"
	default:
		return "internal"
	}
}

// Error is the tagged error returned by every fallible component.
type Error struct {
	Kind    Kind
	Msg     string
	Details map[string]any
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a tagged error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error. The cause is preserved for logs but the
// boundary only ever surfaces Msg.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

// WithDetails attaches field-level details (used by validation errors).
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// KindOf extracts the kind from an error chain. Untagged errors report
// Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}
