package thameswater

import (
	"errors"
	"fmt"
)

// Login stage failures. None of them are retryable automatically: they mean
// the credentials are wrong or the portal flow has changed, and the whole
// session must be rebuilt from scratch on the next attempt.
var (
	ErrAuthorization      = errors.New("authorization request failed")
	ErrInvalidCredentials = errors.New("credential submission rejected")
	ErrConfirmation       = errors.New("sign-in confirmation failed")
	ErrTokenExchange      = errors.New("token exchange failed")
	ErrTokenRefresh       = errors.New("token refresh failed")
	ErrSiteSession        = errors.New("site session bootstrap failed")
)

// ErrMalformedResponse indicates the usage endpoint answered with a payload
// that does not match the expected schema.
var ErrMalformedResponse = errors.New("malformed response from usage endpoint")

// UpstreamError is a transient HTTP failure from the consumption endpoint.
// Unlike login stage failures it is safe to retry later, and a single failed
// chunk of a historical backfill is skipped rather than aborting the range.
type UpstreamError struct {
	StatusCode int
	Endpoint   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (%d) at %s", e.StatusCode, e.Endpoint)
}

// IsAuthError reports whether err is a failure of any login stage. Callers
// use it to distinguish "rotate credentials" from "retry later".
func IsAuthError(err error) bool {
	for _, sentinel := range []error{
		ErrAuthorization,
		ErrInvalidCredentials,
		ErrConfirmation,
		ErrTokenExchange,
		ErrTokenRefresh,
		ErrSiteSession,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
