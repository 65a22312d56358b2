package epic

import (
	"errors"
	"fmt"
)

// Kind classifies a failed connect attempt. Every kind is terminal for the
// attempt; the user restarts by connecting again.
type Kind string

const (
	KindNone                 Kind = ""
	KindEnvironment          Kind = "environment_error"
	KindAuthorizationDenied  Kind = "authorization_denied"
	KindMalformedCallback    Kind = "malformed_callback"
	KindSessionExpired       Kind = "session_expired"
	KindCsrfValidationFailed Kind = "csrf_validation_failed"
	KindNotSignedIn          Kind = "not_signed_in"
	KindExchangeFailed       Kind = "exchange_failed"
)

// Sentinels for errors.Is against a *FlowError.
var (
	ErrEnvironment          = &FlowError{Kind: KindEnvironment}
	ErrAuthorizationDenied  = &FlowError{Kind: KindAuthorizationDenied}
	ErrMalformedCallback    = &FlowError{Kind: KindMalformedCallback}
	ErrSessionExpired       = &FlowError{Kind: KindSessionExpired}
	ErrCsrfValidationFailed = &FlowError{Kind: KindCsrfValidationFailed}
	ErrNotSignedIn          = &FlowError{Kind: KindNotSignedIn}
	ErrExchangeFailed       = &FlowError{Kind: KindExchangeFailed}
)

// User-facing messages.
const (
	msgEnvironment       = "Failed to connect to Epic. Please try again."
	msgMalformedCallback = "Missing authorization code or state parameter. This page should only be accessed via Epic redirect."
	msgSessionExpired    = "Session expired. Please try connecting again."
	msgCsrf              = "Invalid state parameter - possible security issue"
	msgNotSignedIn       = "No authentication token available. Please sign in."
	msgExchangeFailed    = "Failed to exchange authorization code"
	msgExchangeTimeout   = "Timed out exchanging authorization code. Please try again."
)

// FlowError is a classified failure of the connect flow. Message is safe to
// show to the user; Err carries the underlying cause for logs.
type FlowError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }

// Is matches any *FlowError of the same kind.
func (e *FlowError) Is(target error) bool {
	var t *FlowError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newFlowError(kind Kind, msg string, err error) *FlowError {
	return &FlowError{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindNone when err is not a *FlowError.
func KindOf(err error) Kind {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}
