package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
)

// OrgRepository implements storage.OrgRepository for BadgerDB.
type OrgRepository struct {
	backend *Backend
}

var _ storage.OrgRepository = (*OrgRepository)(nil)

// NewOrgRepository creates a new OrgRepository.
func NewOrgRepository(backend *Backend) *OrgRepository {
	return &OrgRepository{backend: backend}
}

// CreateOrg stores a new org.
func (r *OrgRepository) CreateOrg(ctx context.Context, org *core.Org) (*core.Org, error) {
	if err := core.ValidateOrg(org); err != nil {
		return nil, err
	}
	stored := *org
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		key := makeOrgKey(org.ID)
		found, err := exists(tx, key)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: org %q", storage.ErrAlreadyExists, org.ID)
		}
		stored.CreatedAt = timestamp()
		stored.UpdatedAt = stored.CreatedAt
		return tx.Set(key, storage.MarshalOrg(&stored))
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetOrg retrieves an org by ID.
func (r *OrgRepository) GetOrg(ctx context.Context, id string) (*core.Org, error) {
	var org *core.Org
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		org, err = get(tx, makeOrgKey(id), storage.UnmarshalOrg)
		return err
	})
	return org, err
}

// UpdateOrg changes the display name of an existing org.
func (r *OrgRepository) UpdateOrg(ctx context.Context, org *core.Org) (*core.Org, error) {
	var stored *core.Org
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		key := makeOrgKey(org.ID)
		var err error
		stored, err = get(tx, key, storage.UnmarshalOrg)
		if err != nil {
			return err
		}
		stored.DisplayName = org.DisplayName
		stored.UpdatedAt = timestamp()
		return tx.Set(key, storage.MarshalOrg(stored))
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// DeleteOrg removes an org that owns no collections.
func (r *OrgRepository) DeleteOrg(ctx context.Context, id string) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		key := makeOrgKey(id)
		found, err := exists(tx, key)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrNotFound
		}
		if len(scanKeys(tx, makeOrgCollectionPrefix(id), nil)) > 0 {
			return fmt.Errorf("%w: %q", storage.ErrOrgNotEmpty, id)
		}
		return tx.Delete(key)
	})
}

// ListOrgs returns all orgs ordered by ID.
func (r *OrgRepository) ListOrgs(ctx context.Context) ([]*core.Org, error) {
	var orgs []*core.Org
	err := r.backend.View(func(tx *badger.Txn) error {
		return scan(tx, []byte(orgPrefix), nil, func(_, val []byte) error {
			org, err := storage.UnmarshalOrg(val)
			if err != nil {
				return err
			}
			orgs = append(orgs, org)
			return nil
		})
	})
	return orgs, err
}
