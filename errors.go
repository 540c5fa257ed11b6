package lmsync

import (
	"lmsync/ffmpeg"
	"lmsync/http"
	"lmsync/retry"
	"lmsync/storage"
	"lmsync/syncer"
	"lmsync/transfer"
	"lmsync/zoom"
)

// Error handling types exported for library users.
//
// All error types support the standard error handling patterns:
//
// Using errors.Is() for sentinel errors:
//
//	if errors.Is(err, lmsync.ErrSessionExpired) {
//		// capture a fresh browser session
//	}
//
// Using errors.As() for wrapped errors:
//
//	var httpErr *lmsync.HTTPError
//	if errors.As(err, &httpErr) {
//		fmt.Printf("request failed with status %d\n", httpErr.StatusCode)
//	}

// Type aliases for convenient error handling.
type (
	// AuthError means a request was rejected as unauthenticated.
	AuthError = http.AuthError
	// PermissionError means a request was authenticated but denied.
	PermissionError = http.PermissionError
	// RateLimitError means a request was throttled; RetryAfter carries
	// the server's wait hint.
	RateLimitError = http.RateLimitError
	// HTTPError wraps any other non-success HTTP status.
	HTTPError = http.HTTPError
	// ExhaustedError wraps the last error after the retry budget ran out.
	ExhaustedError = retry.ExhaustedError
	// StorageError wraps errors during storage operations.
	StorageError = storage.StorageError
)

// Sentinel errors exported from sub-packages.
var (
	// ErrPartialFailure means a sync run finished but some items failed.
	ErrPartialFailure = syncer.ErrPartialFailure

	// ErrSessionExpired means the captured browser session was rejected.
	ErrSessionExpired = zoom.ErrSessionExpired

	// ErrSizeMismatch means a completed download didn't match the size
	// the server advertised.
	ErrSizeMismatch = transfer.ErrSizeMismatch

	// ErrNotInstalled means the ffmpeg binary was not found.
	ErrNotInstalled = ffmpeg.ErrNotInstalled
	// ErrStreamRejected means ffmpeg could not ingest the stream.
	ErrStreamRejected = ffmpeg.ErrStreamRejected

	// ErrCircuitOpen means a domain is failing fast after repeated errors.
	ErrCircuitOpen = http.ErrCircuitOpen

	// Storage errors
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = storage.ErrInvalidInput
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = storage.ErrStorageCorrupt
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = storage.ErrLockTimeout
)

// IsRetryable determines if an error should be retried.
func IsRetryable(err error) bool {
	return retry.IsRetryable(err)
}
