package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/poiesic/archivist/ai"
	"github.com/poiesic/archivist/core"
)

// MockEmbedder is a test double for ai.Embedder.
// It allows custom behavior injection via EmbedFunc and is safe for
// concurrent use.
type MockEmbedder struct {
	// EmbedFunc is called by Embed if set.
	// If nil, uses default deterministic behavior.
	EmbedFunc func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error)

	mu    sync.Mutex
	calls []string
}

// NewMockEmbedder creates a mock embedder with default deterministic behavior.
// Note: Returns concrete type to allow test assertions.
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{}
}

// Embed records the call and returns EmbedFunc's result, or a deterministic
// unit vector derived from the text.
func (m *MockEmbedder) Embed(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	fn := m.EmbedFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, text, cfg)
	}
	if text == "" {
		return nil, ai.ErrEmptyText
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ai.ErrUnexpectedDimension, cfg.Dim)
	}
	return Vector(text, cfg.Dim), nil
}

// CallCount returns the number of Embed calls.
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns the texts passed to Embed, in call order.
func (m *MockEmbedder) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Reset clears recorded calls and injected behavior.
func (m *MockEmbedder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.EmbedFunc = nil
}

// Vector creates a deterministic unit vector from text.
// It uses FNV hash to ensure the same text always produces the same vector.
func Vector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vector := make([]float32, dim)
	var sumSquares float64
	for i := 0; i < dim; i++ {
		seed = seed*1664525 + 1013904223 // LCG constants
		vector[i] = float32(seed%1000)/1000.0 - 0.5
		sumSquares += float64(vector[i]) * float64(vector[i])
	}
	if sumSquares > 0 {
		norm := float32(1 / math.Sqrt(sumSquares))
		for i := range vector {
			vector[i] *= norm
		}
	}
	return vector
}
