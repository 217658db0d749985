package storage

import (
	"context"
	"time"

	"github.com/poiesic/archivist/core"
)

// OrgRepository manages tenants.
type OrgRepository interface {
	// CreateOrg stores a new org. Returns ErrAlreadyExists if the ID is taken.
	// Sets CreatedAt and UpdatedAt.
	CreateOrg(ctx context.Context, org *core.Org) (*core.Org, error)

	// GetOrg returns ErrNotFound if the org doesn't exist.
	GetOrg(ctx context.Context, id string) (*core.Org, error)

	// UpdateOrg changes the display name of an existing org.
	UpdateOrg(ctx context.Context, org *core.Org) (*core.Org, error)

	// DeleteOrg removes an org. Returns ErrOrgNotEmpty while collections
	// reference it.
	DeleteOrg(ctx context.Context, id string) error

	// ListOrgs returns all orgs ordered by ID.
	ListOrgs(ctx context.Context) ([]*core.Org, error)
}

// CollectionRepository manages collections. A collection's embedding config
// is fixed at creation; there is no update.
type CollectionRepository interface {
	// CreateCollection stores a new collection. Returns ErrNotFound if the org
	// doesn't exist and ErrAlreadyExists if the ID is taken.
	CreateCollection(ctx context.Context, c *core.Collection) (*core.Collection, error)

	// GetCollection returns ErrNotFound if the collection doesn't exist.
	GetCollection(ctx context.Context, id string) (*core.Collection, error)

	// ListCollections returns the org's collections ordered by ID.
	ListCollections(ctx context.Context, orgID string) ([]*core.Collection, error)
}

// ChunkStore persists documents and their chunks.
type ChunkStore interface {
	// PutChunks stores chunks, assigning IDs to chunks with ID 0.
	// A chunk with the same document and Seq replaces the previous one.
	PutChunks(ctx context.Context, chunks ...*core.Chunk) error

	// GetChunk returns ErrNotFound if the chunk doesn't exist.
	GetChunk(ctx context.Context, id core.ID) (*core.Chunk, error)

	// GetChunks returns the chunks that exist, keyed by ID.
	GetChunks(ctx context.Context, ids ...core.ID) (map[core.ID]*core.Chunk, error)

	// ListByDocument returns a document's chunks ordered by Seq.
	ListByDocument(ctx context.Context, documentID string) ([]*core.Chunk, error)

	// MarkIndexed flags chunks whose vectors are in the index.
	MarkIndexed(ctx context.Context, ids ...core.ID) error

	// DeleteChunks removes chunks by ID. Missing chunks are ignored.
	DeleteChunks(ctx context.Context, ids ...core.ID) error

	// DeleteFromSeq removes a document's chunks with Seq >= seq and returns
	// their IDs.
	DeleteFromSeq(ctx context.Context, documentID string, seq int) ([]core.ID, error)

	// PutDocument creates or replaces a document record.
	PutDocument(ctx context.Context, doc *core.Document) error

	// GetDocument returns ErrNotFound if the document doesn't exist.
	GetDocument(ctx context.Context, id string) (*core.Document, error)

	// ListDocuments returns a collection's documents ordered by creation.
	ListDocuments(ctx context.Context, collectionID string) ([]*core.Document, error)
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	CollectionID string
	Status       core.JobStatus
	Limit        int
}

// JobStore persists ingestion jobs. Every mutating operation is atomic with
// respect to concurrent callers.
type JobStore interface {
	// CreateJob stores a PENDING job unless a reusable job with the same
	// idempotency key exists, in which case that job is returned and created
	// is false.
	CreateJob(ctx context.Context, job *core.Job) (stored *core.Job, created bool, err error)

	// GetJob returns ErrNotFound if the job doesn't exist.
	GetJob(ctx context.Context, id string) (*core.Job, error)

	// ListJobs returns jobs in creation order.
	ListJobs(ctx context.Context, filter JobFilter) ([]*core.Job, error)

	// ListClaimable returns PENDING jobs and RUNNING jobs whose heartbeat is
	// older than staleBefore, oldest first.
	ListClaimable(ctx context.Context, staleBefore time.Time, limit int) ([]*core.Job, error)

	// ClaimJob moves a claimable job to RUNNING under worker and increments
	// its claim token. Returns core.ErrConcurrencyConflict if the job is no
	// longer claimable.
	ClaimJob(ctx context.Context, id, worker string, now, staleBefore time.Time) (*core.Job, error)

	// UpdateJob applies fn to the stored job if token still matches its claim
	// token. Status changes made by fn must be legal transitions.
	UpdateJob(ctx context.Context, id string, token uint64, fn func(job *core.Job) error) (*core.Job, error)

	// RequestCancel cancels a PENDING job or flags a RUNNING one. Returns
	// core.ErrInvalidTransition for terminal jobs.
	RequestCancel(ctx context.Context, id string) (*core.Job, error)
}

// VectorEntry is one vector with the data needed to filter it.
type VectorEntry struct {
	ChunkID    core.ID
	DocumentID string
	Vector     []float32
	Metadata   core.Metadata
}

// VectorIndex stores embeddings per collection and answers nearest-neighbor
// queries.
type VectorIndex interface {
	// EnsureCollection registers the collection's vector space. Calling it
	// again with the same config is a no-op; a different config is an error.
	EnsureCollection(ctx context.Context, collectionID string, cfg core.EmbeddingConfig) error

	// Upsert writes vectors. Returns ErrDimensionMismatch for vectors of the
	// wrong length.
	Upsert(ctx context.Context, collectionID string, entries ...VectorEntry) error

	// Delete removes vectors by chunk ID. Missing vectors are ignored.
	Delete(ctx context.Context, collectionID string, ids ...core.ID) error

	// Search returns up to topK hits that satisfy filter, by descending
	// score with ties broken by ascending chunk ID.
	Search(ctx context.Context, collectionID string, vector []float32, topK int, filter core.Filter) ([]core.Hit, error)
}
