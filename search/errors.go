package search

import "errors"

var (
	// ErrCollectionRepositoryRequired is returned when a collection repository is not provided.
	ErrCollectionRepositoryRequired = errors.New("collection repository required")

	// ErrChunkStoreRequired is returned when a chunk store is not provided.
	ErrChunkStoreRequired = errors.New("chunk store required")

	// ErrVectorIndexRequired is returned when a vector index is not provided.
	ErrVectorIndexRequired = errors.New("vector index required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")
)
