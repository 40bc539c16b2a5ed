// Package kmserrors defines the transport-neutral error taxonomy shared by
// every component. Handlers never return bare errors across a component
// boundary; they return a *Error carrying one of the fixed Kinds so the
// dispatcher can shape a {code, message} response without leaking secret
// material or Go internals.
package kmserrors

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of error categories. New kinds are never added by
// callers — only the set below is emitted anywhere in the module.
type Kind string

const (
	KindInvalidFormat               Kind = "invalid-format"
	KindInvalidParam                Kind = "invalid-param"
	KindMethodUnknown                Kind = "method-unknown"
	KindNotSetup                     Kind = "not-setup"
	KindAlreadySetup                 Kind = "already-setup"
	KindIncorrectCredential          Kind = "incorrect-credential"
	KindPassphraseTooShort           Kind = "passphrase-too-short"
	KindAuthenticatorUnavailable     Kind = "authenticator-unavailable"
	KindAuthenticatorPRFUnsupported  Kind = "authenticator-prf-unsupported"
	KindPolicyViolation              Kind = "policy-violation"
	KindQuotaExceeded                Kind = "quota-exceeded"
	KindWrongKey                     Kind = "wrong-key"
	KindExpired                      Kind = "expired"
	KindNotFound                     Kind = "not-found"
	KindInvalidEndpoint              Kind = "invalid-endpoint"
	KindTampered                     Kind = "tampered"
	KindStorageUnavailable           Kind = "storage-unavailable"
	KindInternal                     Kind = "internal"
	KindCannotRemoveLast             Kind = "cannot-remove-last"
	KindPopupTimeout                 Kind = "popup-timeout"
	KindSubscriptionTimeout          Kind = "subscription-timeout"
	KindNotificationTimeout          Kind = "notification-timeout"
)

// Error is the shared error type for every component. It carries a Kind for
// dispatcher-level shaping plus an optional wrapped cause for %w chains.
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

// Is allows errors.Is(err, kmserrors.New(kind, "")) to match purely on Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err is
// not (or does not wrap) a *Error. Used by the dispatcher to shape
// responses from handler-level errors it did not itself construct.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
