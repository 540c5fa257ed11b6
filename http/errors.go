package http

import (
	"fmt"
	"time"
)

// RateLimitError indicates the server rate limited the request.
// It includes the status code and optional Retry-After duration.
type RateLimitError struct {
	// StatusCode is the HTTP status code (429, 403, or 503)
	StatusCode int
	// RetryAfter indicates how long to wait before retrying
	RetryAfter time.Duration
}

// Error returns a string representation of the rate limit error.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d): retry after %v", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// RetryAfterHint exposes the server wait hint to the retry loop.
func (e *RateLimitError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// AuthError indicates the request was rejected for missing or expired
// credentials (401). Retrying cannot fix it; the caller must re-authenticate
// or re-capture the session.
type AuthError struct {
	// URL is the request URL that was rejected.
	URL string
	// Body is the response body, if any.
	Body []byte
}

// Error returns a string representation of the auth error.
func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization failed: %s", e.URL)
}

// PermissionError indicates the remote explicitly denies access to the
// resource (403 without a rate-limit signal). Terminal for the item.
type PermissionError struct {
	// URL is the request URL that was denied.
	URL string
	// Body is the response body, if any.
	Body []byte
}

// Error returns a string representation of the permission error.
func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.URL)
}

// HTTPError indicates a non-2xx HTTP error response that is neither an
// auth failure nor a rate-limit signal.
type HTTPError struct {
	// StatusCode is the HTTP status code
	StatusCode int
	// Body is the response body
	Body []byte
}

// Error returns a string representation of the HTTP error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d", e.StatusCode)
}

// Sentinel errors for HTTP operations.
var (
	// ErrNoResponse indicates no response was received from the server.
	ErrNoResponse = fmt.Errorf("no response received")

	// ErrRequestFailed indicates the request itself failed (network error).
	ErrRequestFailed = fmt.Errorf("http request failed")
)
