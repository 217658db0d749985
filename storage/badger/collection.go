package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
)

// CollectionRepository implements storage.CollectionRepository for BadgerDB.
type CollectionRepository struct {
	backend *Backend
}

var _ storage.CollectionRepository = (*CollectionRepository)(nil)

// NewCollectionRepository creates a new CollectionRepository.
func NewCollectionRepository(backend *Backend) *CollectionRepository {
	return &CollectionRepository{backend: backend}
}

// CreateCollection stores a new collection under an existing org.
func (r *CollectionRepository) CreateCollection(ctx context.Context, c *core.Collection) (*core.Collection, error) {
	stored := *c
	stored.Chunking = core.NormalizeChunkPolicy(stored.Chunking)
	if stored.Embedding.Metric == "" {
		stored.Embedding.Metric = core.MetricCosine
	}
	if err := core.ValidateCollection(&stored); err != nil {
		return nil, err
	}

	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		orgKey := makeOrgKey(stored.OrgID)
		org, err := get(tx, orgKey, storage.UnmarshalOrg)
		if err != nil {
			return fmt.Errorf("org %q: %w", stored.OrgID, err)
		}
		// Rewriting the org makes a concurrent DeleteOrg conflict with us.
		if err := tx.Set(orgKey, storage.MarshalOrg(org)); err != nil {
			return err
		}
		key := makeCollectionKey(stored.ID)
		found, err := exists(tx, key)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: collection %q", storage.ErrAlreadyExists, stored.ID)
		}
		stored.CreatedAt = timestamp()
		if err := tx.Set(key, storage.MarshalCollection(&stored)); err != nil {
			return err
		}
		return tx.Set(makeOrgCollectionKey(stored.OrgID, stored.ID), []byte{})
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetCollection retrieves a collection by ID.
func (r *CollectionRepository) GetCollection(ctx context.Context, id string) (*core.Collection, error) {
	var c *core.Collection
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		c, err = get(tx, makeCollectionKey(id), storage.UnmarshalCollection)
		return err
	})
	return c, err
}

// ListCollections returns an org's collections ordered by ID.
func (r *CollectionRepository) ListCollections(ctx context.Context, orgID string) ([]*core.Collection, error) {
	var out []*core.Collection
	err := r.backend.View(func(tx *badger.Txn) error {
		prefix := makeOrgCollectionPrefix(orgID)
		for _, key := range scanKeys(tx, prefix, nil) {
			c, err := get(tx, makeCollectionKey(string(key[len(prefix):])), storage.UnmarshalCollection)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}
