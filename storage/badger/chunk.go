package badger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
)

// ChunkStore implements storage.ChunkStore for BadgerDB.
type ChunkStore struct {
	backend *Backend
	idSeq   *badger.Sequence
}

var _ storage.ChunkStore = (*ChunkStore)(nil)

// NewChunkStore creates a new ChunkStore.
func NewChunkStore(backend *Backend) (*ChunkStore, error) {
	idSeq, err := backend.GetSequence(chunkIDSeq)
	if err != nil {
		return nil, err
	}
	return &ChunkStore{
		backend: backend,
		idSeq:   idSeq,
	}, nil
}

// Close releases the ID sequence.
func (s *ChunkStore) Close() error {
	return s.idSeq.Release()
}

func (s *ChunkStore) nextID() (core.ID, error) {
	next, err := s.idSeq.Next()
	if err != nil {
		return 0, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if next == 0 {
		if next, err = s.idSeq.Next(); err != nil {
			return 0, err
		}
	}
	return core.ID(next), nil
}

// PutChunks stores chunks, assigning IDs to new ones.
func (s *ChunkStore) PutChunks(ctx context.Context, chunks ...*core.Chunk) error {
	for _, c := range chunks {
		if c.ID != 0 {
			continue
		}
		id, err := s.nextID()
		if err != nil {
			return err
		}
		c.ID = id
	}

	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		now := timestamp()
		for _, c := range chunks {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			idxKey := makeDocChunkKey(c.DocumentID, c.Seq)
			prev, err := get(tx, idxKey, storage.UnmarshalID)
			switch {
			case err == nil && prev != c.ID:
				if err := tx.Delete(makeChunkKey(prev)); err != nil {
					return err
				}
			case err != nil && !errors.Is(err, storage.ErrNotFound):
				return err
			}
			if err := tx.Set(makeChunkKey(c.ID), storage.MarshalChunk(c)); err != nil {
				return err
			}
			if err := tx.Set(idxKey, storage.MarshalID(c.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetChunk retrieves a chunk by ID.
func (s *ChunkStore) GetChunk(ctx context.Context, id core.ID) (*core.Chunk, error) {
	var c *core.Chunk
	err := s.backend.View(func(tx *badger.Txn) error {
		var err error
		c, err = get(tx, makeChunkKey(id), storage.UnmarshalChunk)
		return err
	})
	return c, err
}

// GetChunks retrieves the chunks that exist among ids.
func (s *ChunkStore) GetChunks(ctx context.Context, ids ...core.ID) (map[core.ID]*core.Chunk, error) {
	out := make(map[core.ID]*core.Chunk, len(ids))
	err := s.backend.View(func(tx *badger.Txn) error {
		for _, id := range ids {
			c, err := get(tx, makeChunkKey(id), storage.UnmarshalChunk)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByDocument returns a document's chunks ordered by Seq.
func (s *ChunkStore) ListByDocument(ctx context.Context, documentID string) ([]*core.Chunk, error) {
	var out []*core.Chunk
	err := s.backend.View(func(tx *badger.Txn) error {
		ids, err := s.documentChunkIDs(tx, documentID, 0)
		if err != nil {
			return err
		}
		for _, id := range ids {
			c, err := get(tx, makeChunkKey(id), storage.UnmarshalChunk)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// documentChunkIDs lists chunk IDs of a document from seq onward.
func (s *ChunkStore) documentChunkIDs(tx *badger.Txn, documentID string, seq int) ([]core.ID, error) {
	var ids []core.ID
	err := scan(tx, makeDocChunkPrefix(documentID), makeDocChunkKey(documentID, seq), func(_, val []byte) error {
		id, err := storage.UnmarshalID(val)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// MarkIndexed flags chunks whose vectors are in the index.
func (s *ChunkStore) MarkIndexed(ctx context.Context, ids ...core.ID) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		for _, id := range ids {
			key := makeChunkKey(id)
			c, err := get(tx, key, storage.UnmarshalChunk)
			if err != nil {
				return err
			}
			if c.Indexed {
				continue
			}
			c.Indexed = true
			if err := tx.Set(key, storage.MarshalChunk(c)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteChunks removes chunks and their sequence index entries.
func (s *ChunkStore) DeleteChunks(ctx context.Context, ids ...core.ID) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		for _, id := range ids {
			if err := s.deleteChunk(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ChunkStore) deleteChunk(tx *badger.Txn, id core.ID) error {
	key := makeChunkKey(id)
	c, err := get(tx, key, storage.UnmarshalChunk)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	idxKey := makeDocChunkKey(c.DocumentID, c.Seq)
	if cur, err := get(tx, idxKey, storage.UnmarshalID); err == nil && cur == id {
		if err := tx.Delete(idxKey); err != nil {
			return err
		}
	}
	return tx.Delete(key)
}

// DeleteFromSeq removes a document's chunks with Seq >= seq.
func (s *ChunkStore) DeleteFromSeq(ctx context.Context, documentID string, seq int) ([]core.ID, error) {
	var deleted []core.ID
	err := s.backend.Update(ctx, func(tx *badger.Txn) error {
		ids, err := s.documentChunkIDs(tx, documentID, seq)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.deleteChunk(tx, id); err != nil {
				return err
			}
		}
		deleted = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// PutDocument creates or replaces a document record. The creation time of an
// existing document is kept.
func (s *ChunkStore) PutDocument(ctx context.Context, doc *core.Document) error {
	return s.backend.Update(ctx, func(tx *badger.Txn) error {
		key := makeDocumentKey(doc.ID)
		prev, err := get(tx, key, storage.UnmarshalDocument)
		switch {
		case err == nil:
			doc.CreatedAt = prev.CreatedAt
		case errors.Is(err, storage.ErrNotFound):
			if doc.CreatedAt.IsZero() {
				doc.CreatedAt = timestamp()
			}
			if err := tx.Set(makeCollDocumentKey(doc.CollectionID, doc.CreatedAt, doc.ID), []byte(doc.ID)); err != nil {
				return err
			}
		default:
			return err
		}
		return tx.Set(key, storage.MarshalDocument(doc))
	})
}

// GetDocument retrieves a document by ID.
func (s *ChunkStore) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	var doc *core.Document
	err := s.backend.View(func(tx *badger.Txn) error {
		var err error
		doc, err = get(tx, makeDocumentKey(id), storage.UnmarshalDocument)
		return err
	})
	return doc, err
}

// ListDocuments returns a collection's documents ordered by creation.
func (s *ChunkStore) ListDocuments(ctx context.Context, collectionID string) ([]*core.Document, error) {
	var docs []*core.Document
	err := s.backend.View(func(tx *badger.Txn) error {
		var ids []string
		err := scan(tx, makeCollDocumentPrefix(collectionID), nil, func(_, val []byte) error {
			ids = append(ids, string(val))
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			doc, err := get(tx, makeDocumentKey(id), storage.UnmarshalDocument)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}
