// Package apperr defines the error taxonomy shared by services and the HTTP layer.
// Services return (or wrap) these sentinels; handlers map them to status codes
// with generic messages.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrDuplicateEmail        = errors.New("email already registered")
	ErrAccountInactive       = errors.New("account is inactive")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrInvalidOAuthState     = errors.New("invalid oauth state")

	ErrOAuthExchangeFailed       = errors.New("oauth code exchange failed")
	ErrOAuthRefreshFailed        = errors.New("oauth token refresh failed")
	ErrOAuthResourceLookupFailed = errors.New("oauth resource lookup failed")
	ErrNoAccessibleResource      = errors.New("no accessible resource for token")

	ErrProviderNotConnected = errors.New("provider not connected")
	ErrProviderTimeout      = errors.New("provider timeout")
	ErrProviderError        = errors.New("provider error")
	ErrUnsupportedProvider  = errors.New("unsupported provider")

	// ErrCredentialRefreshFailed is terminal for the stored credential: the user must re-authorize.
	ErrCredentialRefreshFailed = errors.New("credential refresh failed; re-authorization required")

	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrPolicyDenied     = errors.New("delegated action denied by policy")
)

// ValidationError describes malformed input. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validation returns a *ValidationError for field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError is a failed call to an OAuth provider. Kind is one of the provider
// sentinels above and is what errors.Is matches. Detail carries the provider's
// response body (already redacted) for operators; it is never shown to end users.
type ProviderError struct {
	Kind       error
	Provider   string
	Op         string
	StatusCode int
	Detail     string
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrProviderTimeout)
}
