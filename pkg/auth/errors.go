package auth

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy every component boundary speaks
type Kind string

const (
	// Client-caused
	KindSessionNotFound Kind = "session_not_found"

	// Upstream-transient
	KindProviderUnavailable Kind = "provider_unavailable"
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// Upstream-rejection
	KindInvalidGrant     Kind = "invalid_grant"
	KindRefreshInvalid   Kind = "refresh_invalid"
	KindExchangeRejected Kind = "exchange_rejected"
	KindNotAMember       Kind = "not_a_member"
	KindUnauthorized     Kind = "unauthorized"

	// KindInternal covers programming or configuration faults that belong to
	// no upstream family. Should not appear in steady state.
	KindInternal Kind = "internal"
)

// Error is a classified authentication error. Op names the operation that
// failed ("session.refresh", "provider.exchange_code"); Err is the wrapped
// cause, which may be nil for purely semantic failures.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds a classified error wrapping an underlying cause
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches against another *Error by kind, so sentinel comparisons like
// errors.Is(err, auth.E(auth.KindSessionNotFound, "", nil)) work
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the classification from an error chain. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether the error is upstream-transient and therefore
// eligible for bounded retry
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindUpstreamUnavailable:
		return true
	}
	return false
}

// IsRejection reports whether the error is an upstream rejection, which must
// never be retried
func IsRejection(err error) bool {
	switch KindOf(err) {
	case KindInvalidGrant, KindRefreshInvalid, KindExchangeRejected, KindNotAMember, KindUnauthorized:
		return true
	}
	return false
}
