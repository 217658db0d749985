package badger

import (
	"errors"

	"github.com/poiesic/archivist/storage"
)

// Stores bundles every repository over one backend.
type Stores struct {
	Backend     *Backend
	Orgs        storage.OrgRepository
	Collections storage.CollectionRepository
	Jobs        storage.JobStore
	Chunks      storage.ChunkStore
	Vectors     storage.VectorIndex

	chunks *ChunkStore
	owned  bool
}

// NewStores builds the repositories over an open backend. Close releases
// the repositories but leaves the backend open.
func NewStores(backend *Backend) (*Stores, error) {
	chunks, err := NewChunkStore(backend)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Backend:     backend,
		Orgs:        NewOrgRepository(backend),
		Collections: NewCollectionRepository(backend),
		Jobs:        NewJobStore(backend),
		Chunks:      chunks,
		Vectors:     NewVectorIndex(backend),
		chunks:      chunks,
	}, nil
}

// Open opens a backend and builds the repositories over it. Close also
// closes the backend.
func Open(path string, inMemory bool, opts ...BackendOption) (*Stores, error) {
	backend, err := OpenBackend(path, inMemory, opts...)
	if err != nil {
		return nil, err
	}
	stores, err := NewStores(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	stores.owned = true
	return stores, nil
}

// Close releases the chunk ID sequence, and the backend if Open created it.
func (s *Stores) Close() error {
	err := s.chunks.Close()
	if s.owned {
		err = errors.Join(err, s.Backend.Close())
	}
	return err
}
