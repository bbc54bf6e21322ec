// Package errs defines the error kinds surfaced by ingestion, retrieval and chat.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrIO indicates a file could not be read. Ingestion skips the file and continues.
	ErrIO = errors.New("io error")

	// ErrLimitExceeded indicates the repository is larger than the configured caps.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrEmbeddingUnavailable indicates the embedding provider failed after all retries.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrAlreadyInProgress indicates an ingestion job is already active for the path.
	ErrAlreadyInProgress = errors.New("ingestion already in progress")

	// ErrNotFound indicates a project, session or generation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrGenerationUnavailable indicates the language model failed to produce an answer.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrInvalidRequest indicates a malformed request, such as an empty path.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDimensionMismatch indicates vectors of a length the index was not built for.
	// It is a configuration error and is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

var kinds = []struct {
	err    error
	name   string
	status int
}{
	{ErrIO, "IOError", http.StatusInternalServerError},
	{ErrLimitExceeded, "LimitExceeded", http.StatusRequestEntityTooLarge},
	{ErrEmbeddingUnavailable, "EmbeddingUnavailable", http.StatusServiceUnavailable},
	{ErrAlreadyInProgress, "AlreadyInProgress", http.StatusConflict},
	{ErrNotFound, "NotFound", http.StatusNotFound},
	{ErrGenerationUnavailable, "GenerationUnavailable", http.StatusBadGateway},
	{ErrDimensionMismatch, "DimensionMismatch", http.StatusInternalServerError},
	{ErrInvalidRequest, "BadRequest", http.StatusBadRequest},
}

// Kind returns the taxonomy name of err, or "Internal" if err matches no kind.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
