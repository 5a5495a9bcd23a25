package core

import (
	"context"
	"errors"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Every failure that crosses a component boundary is classified as one of
// these kinds. Callers match with errors.Is; wrapping with fmt.Errorf("%w")
// preserves the kind while adding call-site detail. The HTTP layer maps each
// kind to a status code.

var (
	// ErrInvalidRequest is returned when a request fails validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPayloadTooLarge is returned when an uploaded image exceeds the
	// configured byte limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrEmbeddingUnavailable is returned when an embedding model cannot be
	// reached or cannot produce a vector.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrRetrievalUnavailable is returned when every retrieval sub-query
	// failed and no candidates could be produced.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrBackendBusy is returned when the vector store connection pool is
	// saturated past the bounded wait.
	ErrBackendBusy = errors.New("backend busy")

	// ErrSchemaViolation is returned when LLM output still fails schema
	// validation after all retries.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrRateLimited is returned when the LLM limiter cannot grant a token
	// before the request deadline.
	ErrRateLimited = errors.New("rate limited")

	// ErrDeadlineExceeded is returned when the per-request deadline expired.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrStoreUnavailable is returned when the vector store cannot be reached.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrNotFound is returned when a collection or point does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSchemaMismatch is returned when a request disagrees with a
	// collection's declared vectors or payload indexes.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrInternal is the catch-all for bugs.
	ErrInternal = errors.New("internal error")
)

// KindOf names the error's kind for machine-readable surfaces: response
// reason fields and the HTTP error body. Unclassified errors are internal.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, ErrRetrievalUnavailable):
		return "retrieval_unavailable"
	case errors.Is(err, ErrBackendBusy):
		return "backend_busy"
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	default:
		return "internal"
	}
}
