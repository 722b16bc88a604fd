package models

import "errors"

// Error kinds surfaced by the core. Callers match them with errors.Is; concrete
// errors wrap one of these with context via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound indicates the referenced item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input: wrong dimension, non-finite
	// component, malformed model output, mismatched codec scheme.
	ErrValidation = errors.New("validation failed")

	// ErrExternalService indicates the embedding or generative service failed or
	// timed out. Retryable.
	ErrExternalService = errors.New("external service error")

	// ErrConsistency indicates the index and the store disagree. It triggers a
	// rebuild from the store.
	ErrConsistency = errors.New("consistency error")

	// ErrStorage indicates the metadata store failed.
	ErrStorage = errors.New("storage error")
)

// IsRetryable reports whether an operation that failed with err may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalService) || errors.Is(err, ErrStorage)
}
