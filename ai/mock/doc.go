// Package mock provides test doubles for the embedding capability.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	embedder := mock.NewMockEmbedder()
//	vec, err := embedder.Embed(ctx, "test", core.EmbeddingConfig{Model: "m", Dim: 8})
//
//	// Custom behavior injection
//	embedder.EmbedFunc = func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
//	    return nil, errors.New("service unavailable")
//	}
//
//	// Check call counts
//	count := embedder.CallCount()
//
// The default embedder returns a deterministic unit vector per text, so
// identical texts always have cosine similarity 1.
package mock
