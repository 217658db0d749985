package mock

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/poiesic/archivist/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedderDeterministic(t *testing.T) {
	m := NewMockEmbedder()
	cfg := core.EmbeddingConfig{Model: "m", Dim: 16}

	a, err := m.Embed(context.Background(), "same text", cfg)
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "same text", cfg)
	require.NoError(t, err)
	c, err := m.Embed(context.Background(), "other text", cfg)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
	assert.Equal(t, 3, m.CallCount())

	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestMockEmbedderInjection(t *testing.T) {
	m := NewMockEmbedder()
	boom := errors.New("boom")
	m.EmbedFunc = func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
		return nil, boom
	}

	_, err := m.Embed(context.Background(), "x", core.EmbeddingConfig{Model: "m", Dim: 2})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"x"}, m.Calls())

	m.Reset()
	assert.Zero(t, m.CallCount())
	_, err = m.Embed(context.Background(), "x", core.EmbeddingConfig{Model: "m", Dim: 2})
	assert.NoError(t, err)
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider()
	require.NotNil(t, p.Embedder())
	require.NoError(t, p.Close())
	assert.True(t, p.(*MockProvider).Closed())
}
