package chat

import "errors"

// Error kinds surfaced by the memory subsystem. Callers classify failures
// with errors.Is; wrapped messages carry the specifics.
var (
	// ErrInvalidArgument covers blank ids, empty message batches, wrong
	// cursor variants and non-positive window sizes. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks reads against an unknown conversation. Deletes
	// treat it as idempotent success instead.
	ErrNotFound = errors.New("conversation not found")

	// ErrBackendUnavailable marks transient store failures. Appends are
	// not retried internally: without an idempotency key a retry risks
	// duplicate persistence.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUpstreamGeneration marks a completion stream that failed before
	// a clean end. The partial reply is discarded, never persisted.
	ErrUpstreamGeneration = errors.New("upstream generation failed")
)
