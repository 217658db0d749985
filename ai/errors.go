package ai

import (
	"context"
	"errors"

	"github.com/poiesic/archivist/core"
)

var (
	// ErrEmptyText indicates there was nothing to embed.
	ErrEmptyText = errors.New("cannot embed empty text")

	// ErrNoEmbedding indicates the service answered without a vector.
	ErrNoEmbedding = errors.New("embedding service returned no vector")

	// ErrUnexpectedDimension indicates the model produced vectors of a
	// different size than the collection was created with.
	ErrUnexpectedDimension = errors.New("unexpected embedding dimension")
)

// Retryable reports whether an embedding failure may succeed on retry.
// Configuration problems and caller cancellation are permanent.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrEmptyText), errors.Is(err, ErrUnexpectedDimension):
		return false
	case core.IsConfigurationError(err):
		return false
	}
	return true
}
