// Package apperr defines the typed error kinds surfaced by the core services, so the HTTP and gateway boundaries can
// map failures to safe, consistent responses without leaking internal state.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the request boundary. Every operation exposed by the core returns either nil or an
// error that, when unwrapped with errors.As, yields an *Error with one of these kinds.
type Kind int

const (
	// Unknown is the zero value; it should never be returned deliberately.
	Unknown Kind = iota
	// AuthenticationFailed covers invalid credentials and invalid/expired/revoked tokens.
	AuthenticationFailed
	// Authorization covers authenticated-but-not-permitted operations (no conversation access, not owner).
	Authorization
	// Validation covers malformed input (empty message, weak password, unknown role).
	Validation
	// NotFound covers a missing referenced entity (user, conversation, message).
	NotFound
	// Conflict covers uniqueness violations (username, email taken).
	Conflict
	// RateLimited is internal only; it is never surfaced on password-reset, which always responds as if successful.
	RateLimited
	// Transient covers store unavailability or deadline exceeded; the caller may retry.
	Transient
	// Overloaded covers pipeline enqueue rejection; the caller should retry with backoff.
	Overloaded
)

func (k Kind) String() string {
	switch k {
	case AuthenticationFailed:
		return "authentication_failed"
	case Authorization:
		return "authorization"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Overloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// Error is a typed failure carrying a Kind, a safe caller-facing message, and an optional wrapped cause retained only
// for logging (never rendered to a client).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given kind and message, with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error with the given kind and message, wrapping cause for logging/errors.Is chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or Unknown if err does not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
