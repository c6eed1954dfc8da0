package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when a provider has no credential.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrInvalidConfig is returned when per-call parameters are out of range.
	ErrInvalidConfig = errors.New("invalid provider config")

	// ErrUnknownVendor is returned by the registry for unregistered vendors.
	ErrUnknownVendor = errors.New("unknown vendor")

	// ErrEmptyResponse is returned when a backend answers without content.
	ErrEmptyResponse = errors.New("empty response")

	errResponseTooLarge = fmt.Errorf("response size exceeded limit (%d bytes) - possible runaway generation", MaxStreamedResponseSize)
)

// APIError is a non-2xx answer from a backend.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.Status, body)
}

// Retryable reports whether the status indicates a transient failure.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
