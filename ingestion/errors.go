package ingestion

import "errors"

var (
	// ErrJobStoreRequired is returned when a job store is not provided.
	ErrJobStoreRequired = errors.New("job store required")

	// ErrChunkStoreRequired is returned when a chunk store is not provided.
	ErrChunkStoreRequired = errors.New("chunk store required")

	// ErrCollectionRepositoryRequired is returned when a collection repository is not provided.
	ErrCollectionRepositoryRequired = errors.New("collection repository required")

	// ErrVectorIndexRequired is returned when a vector index is not provided.
	ErrVectorIndexRequired = errors.New("vector index required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrExtractorsRequired is returned when an extractor registry is not provided.
	ErrExtractorsRequired = errors.New("extractor registry required")

	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrNotStarted is returned by Stop on a scheduler that is not running.
	ErrNotStarted = errors.New("scheduler not started")

	// ErrInvalidMaxAttempts is returned when the retry attempt count is not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be greater than 0")

	// ErrNoChunks is recorded when a source ran to the end without
	// producing a single chunk.
	ErrNoChunks = errors.New("source produced no chunks")

	// ErrRollbackFailed is recorded when a failed segment's chunks could
	// not be removed. The job stops so their sequence numbers are not
	// written again.
	ErrRollbackFailed = errors.New("segment rollback failed")
)
