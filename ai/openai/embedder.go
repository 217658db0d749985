package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/poiesic/archivist/ai"
	"github.com/poiesic/archivist/core"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder implements ai.Embedder using OpenAI-compatible embedding APIs.
// One langchaingo client is kept per model name.
type Embedder struct {
	config *ai.Config
	http   *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]embeddings.Embedder
}

// newEmbedder is an internal constructor that returns the concrete type.
// Used by Provider to manage the instance.
func newEmbedder(config *ai.Config) (*Embedder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Embedder{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  slog.Default().With("component", "openai-embedder"),
		clients: make(map[string]embeddings.Embedder),
	}, nil
}

// NewEmbedder creates a new embedder using the provided configuration.
//
// Returns ai.Embedder interface to enforce abstraction.
func NewEmbedder(config *ai.Config) (ai.Embedder, error) {
	return newEmbedder(config)
}

func (e *Embedder) client(model string) (embeddings.Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[model]; ok {
		return c, nil
	}
	llm, err := openai.New(
		openai.WithBaseURL(e.config.Host),
		openai.WithToken(e.config.Token),
		openai.WithEmbeddingModel(model),
		openai.WithHTTPClient(e.http),
	)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Errorf("embedding model %q: %w", model, err))
	}
	c, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Errorf("embedding model %q: %w", model, err))
	}
	e.clients[model] = c
	return c, nil
}

// Embed generates the vector for text with the model named by cfg and
// checks it against cfg.Dim.
func (e *Embedder) Embed(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
	if text == "" {
		return nil, ai.ErrEmptyText
	}
	c, err := e.client(cfg.Model)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("generating embedding", "model", cfg.Model, "length", len(text))
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		e.logger.Error("failed to generate embedding", "model", cfg.Model, "err", err)
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		e.logger.Warn("embedder returned empty result", "model", cfg.Model)
		return nil, ai.ErrNoEmbedding
	}
	if len(vectors[0]) != cfg.Dim {
		return nil, fmt.Errorf("%w: model %q returned %d, collection expects %d",
			ai.ErrUnexpectedDimension, cfg.Model, len(vectors[0]), cfg.Dim)
	}
	return vectors[0], nil
}
