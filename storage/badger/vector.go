package badger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
)

// VectorIndex implements storage.VectorIndex with an exhaustive scan over
// the collection's vectors in BadgerDB. Filters are evaluated during the
// scan, before ranking.
type VectorIndex struct {
	backend *Backend
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

// NewVectorIndex creates a new VectorIndex.
func NewVectorIndex(backend *Backend) *VectorIndex {
	return &VectorIndex{backend: backend}
}

// EnsureCollection registers the collection's vector space.
func (v *VectorIndex) EnsureCollection(ctx context.Context, collectionID string, cfg core.EmbeddingConfig) error {
	if cfg.Metric == "" {
		cfg.Metric = core.MetricCosine
	}
	if err := core.ValidateEmbeddingConfig(cfg); err != nil {
		return core.NewConfigurationError(err)
	}
	return v.backend.Update(ctx, func(tx *badger.Txn) error {
		key := makeVectorSpaceKey(collectionID)
		prev, err := get(tx, key, storage.UnmarshalEmbeddingConfig)
		switch {
		case err == nil:
			if prev != cfg {
				return core.NewConfigurationError(fmt.Errorf("%w: collection %s already uses %+v",
					core.ErrInvalidEmbeddingConfig, collectionID, prev))
			}
			return nil
		case errors.Is(err, storage.ErrNotFound):
			return tx.Set(key, storage.MarshalEmbeddingConfig(cfg))
		default:
			return err
		}
	})
}

func (v *VectorIndex) space(tx *badger.Txn, collectionID string) (core.EmbeddingConfig, error) {
	cfg, err := get(tx, makeVectorSpaceKey(collectionID), storage.UnmarshalEmbeddingConfig)
	if errors.Is(err, storage.ErrNotFound) {
		return cfg, fmt.Errorf("%w: %s", storage.ErrUnknownCollection, collectionID)
	}
	return cfg, err
}

// Upsert writes vectors into the collection's space.
func (v *VectorIndex) Upsert(ctx context.Context, collectionID string, entries ...storage.VectorEntry) error {
	return v.backend.Update(ctx, func(tx *badger.Txn) error {
		cfg, err := v.space(tx, collectionID)
		if err != nil {
			return err
		}
		for i := range entries {
			e := entries[i]
			if len(e.Vector) != cfg.Dim {
				return fmt.Errorf("%w: chunk %d has %d dimensions, collection %s uses %d",
					storage.ErrDimensionMismatch, e.ChunkID, len(e.Vector), collectionID, cfg.Dim)
			}
			if cfg.Normalize {
				e.Vector = normalize(e.Vector)
			}
			if err := tx.Set(makeVectorKey(collectionID, e.ChunkID), storage.MarshalVectorEntry(&e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes vectors by chunk ID.
func (v *VectorIndex) Delete(ctx context.Context, collectionID string, ids ...core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return v.backend.Update(ctx, func(tx *badger.Txn) error {
		for _, id := range ids {
			if err := tx.Delete(makeVectorKey(collectionID, id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Search ranks the collection's vectors that satisfy filter against vector.
func (v *VectorIndex) Search(ctx context.Context, collectionID string, vector []float32, topK int, filter core.Filter) ([]core.Hit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	topK = max(topK, 0)
	var hits []core.Hit
	err := v.backend.View(func(tx *badger.Txn) error {
		cfg, err := v.space(tx, collectionID)
		if err != nil {
			return err
		}
		if len(vector) != cfg.Dim {
			return core.NewConfigurationError(fmt.Errorf("%w: query has %d dimensions, collection %s uses %d",
				storage.ErrDimensionMismatch, len(vector), collectionID, cfg.Dim))
		}
		if topK <= 0 {
			return nil
		}
		query := vector
		if cfg.Normalize {
			query = normalize(vector)
		}
		score := cosine
		if cfg.Metric == core.MetricDot {
			score = dotProduct
		}

		return scan(tx, makeVectorPrefix(collectionID), nil, func(key, val []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry, err := storage.UnmarshalVectorEntry(val)
			if err != nil {
				return err
			}
			// Entries written under another dimension can never match.
			if len(entry.Vector) != cfg.Dim {
				return nil
			}
			if !filter.Match(entry.Metadata) {
				return nil
			}
			hits = append(hits, core.Hit{ChunkID: chunkIDFromVectorKey(key), Score: score(query, entry.Vector)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(hits, func(a, b core.Hit) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		return cmp.Compare(a.ChunkID, b.ChunkID)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// dotProduct calculates the dot product of two vectors.
func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func cosine(a, b []float32) float32 {
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dotProduct(a, b) / (na * nb)
}

func norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// normalize returns a unit-length copy of v. A zero vector is returned as is.
func normalize(v []float32) []float32 {
	n := norm(v)
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}
