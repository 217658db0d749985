package ai

import (
	"context"

	"github.com/poiesic/archivist/core"
)

// Embedder turns text into vectors for a collection's embedding space.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// Embed returns the vector for text under cfg. The vector has exactly
	// cfg.Dim components or an error is returned.
	Embed(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
	return f(ctx, text, cfg)
}

// Provider owns an Embedder and whatever connections it needs.
type Provider interface {
	// Embedder returns the embedding service. It is safe for concurrent use.
	Embedder() Embedder

	// Close releases resources held by the provider and its services.
	Close() error
}
