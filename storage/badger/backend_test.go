package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/archivist/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_InMemory(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestOpenBackend_FileSystem(t *testing.T) {
	tmpDir := t.TempDir() + "/db"
	backend, err := OpenBackend(tmpDir, false)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestBackendClose(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)

	assert.False(t, backend.IsClosed())
	require.NoError(t, backend.Close())
	assert.True(t, backend.IsClosed())
}

func TestUpdate(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		err := backend.Update(ctx, func(tx *badger.Txn) error {
			return tx.Set([]byte("k"), []byte("v"))
		})
		require.NoError(t, err)

		err = backend.View(func(tx *badger.Txn) error {
			v, err := get(tx, []byte("k"), decodeString)
			assert.Equal(t, "v", v)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("discards on error", func(t *testing.T) {
		err := backend.Update(ctx, func(tx *badger.Txn) error {
			if err := tx.Set([]byte("discarded"), []byte("v")); err != nil {
				return err
			}
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		err = backend.View(func(tx *badger.Txn) error {
			_, err := get(tx, []byte("discarded"), decodeString)
			return err
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("respects context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := backend.Update(cctx, func(tx *badger.Txn) error { return nil })
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestUpdate_RetriesConflicts(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()
	key := []byte("counter")
	decode := func(val []byte) (uint64, error) { return binary.BigEndian.Uint64(val), nil }

	const writers = 8
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := backend.Update(ctx, func(tx *badger.Txn) error {
				n, err := get(tx, key, decode)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				return tx.Set(key, binary.BigEndian.AppendUint64(nil, n+1))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err = backend.View(func(tx *badger.Txn) error {
		n, err := get(tx, key, decode)
		assert.Equal(t, uint64(writers), n)
		return err
	})
	require.NoError(t, err)
}

func TestGetSequence(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	seq, err := backend.GetSequence("test_sequence")
	require.NoError(t, err)
	require.NotNil(t, seq)
	defer seq.Release()

	id1, err := seq.Next()
	require.NoError(t, err)

	id2, err := seq.Next()
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   []float32
		dot    float32
		cosine float32
	}{
		{name: "identical vectors", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, dot: 1, cosine: 1},
		{name: "orthogonal vectors", a: []float32{1, 0, 0}, b: []float32{0, 1, 0}, dot: 0, cosine: 0},
		{name: "opposite vectors", a: []float32{1, 0, 0}, b: []float32{-1, 0, 0}, dot: -1, cosine: -1},
		{name: "general case", a: []float32{0.6, 0.8}, b: []float32{0.8, 0.6}, dot: 0.96, cosine: 0.96},
		{name: "unnormalized", a: []float32{3, 4}, b: []float32{3, 4}, dot: 25, cosine: 1},
		{name: "zero vectors", a: []float32{0, 0, 0}, b: []float32{0, 0, 0}, dot: 0, cosine: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.dot, dotProduct(tt.a, tt.b), 0.0001)
			assert.InDelta(t, tt.cosine, cosine(tt.a, tt.b), 0.0001)
		})
	}
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 0.0001)
	assert.InDelta(t, 0.8, v[1], 0.0001)
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}
