// Package auth mints and caches short-lived bearer tokens for a service
// identity using the OAuth2 JWT-bearer grant. Concurrent refreshes for the
// same scope set are coalesced into a single token-endpoint round trip.
package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for token exchange failures. None are retried by the
// coordinator; callers choose their own retry policy.
var (
	ErrNetwork      = errors.New("auth: network error")
	ErrTokenParsing = errors.New("auth: token response parsing failed")
	ErrClosed       = errors.New("auth: coordinator closed")
)

// errRotated ends a refresh whose credentials were replaced mid-flight. The
// caller retries with the current generation; it never escapes AccessToken.
var errRotated = errors.New("auth: credentials rotated during refresh")

// HTTPError reports a non-2xx response from the token endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("auth: token endpoint returned HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("auth: token endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}
