package core

import (
	"time"
)

// ID identifies a chunk. Chunk IDs come from a database sequence, so they
// increase in insertion order and give search a deterministic tie-break.
type ID uint64

// SourceKind identifies how a document's content is supplied.
type SourceKind string

const (
	// SourceInlineText carries the content directly in the request.
	SourceInlineText SourceKind = "inline_text"
	// SourceFileRef points at a file readable by the ingesting process.
	SourceFileRef SourceKind = "file_ref"
	// SourceURL points at a web page fetched over HTTP.
	SourceURL SourceKind = "url"
	// SourceMedia points at audio/video/image content.
	SourceMedia SourceKind = "media"
)

// Similarity metrics supported by the vector index.
const (
	MetricCosine = "cosine"
	MetricDot    = "dot"
)

// Org is the tenant boundary.
type Org struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EmbeddingConfig is fixed when a collection is created. Vectors produced
// under different configs are not comparable.
type EmbeddingConfig struct {
	Model     string
	Dim       int
	Normalize bool
	Metric    string // MetricCosine (default) or MetricDot
}

// FieldSpec declares one metadata key of a collection's schema.
type FieldSpec struct {
	Kind     ValueKind
	Required bool
}

// MetadataSchema constrains document metadata for a collection.
type MetadataSchema struct {
	Fields map[string]FieldSpec
}

// ChunkPolicy controls how extracted segments are split.
type ChunkPolicy struct {
	Strategy string // "fixed" (default) or "recursive"
	MaxChars int
	Overlap  int
}

// Collection groups documents sharing one embedding space.
type Collection struct {
	ID        string
	OrgID     string
	Name      string
	Embedding EmbeddingConfig
	Schema    *MetadataSchema
	Chunking  ChunkPolicy
	CreatedAt time.Time
}

// SourceDescriptor describes where a document's content comes from.
type SourceDescriptor struct {
	Kind   SourceKind
	Text   string // inline_text only
	URI    string // file_ref, url, media
	Format string // optional: txt, md, html, ...
}

// Document is one logical source inside a collection.
type Document struct {
	ID           string
	CollectionID string
	JobID        string
	Source       SourceDescriptor
	Metadata     Metadata
	ContentHash  string
	Title        string
	CreatedAt    time.Time
}

// Span locates chunk text in rune offsets. Start and End are relative to
// the segment's text; SourceStart and SourceEnd to the whole source.
type Span struct {
	Segment     int
	Start       int
	End         int
	SourceStart int
	SourceEnd   int
}

// Segment is one unit of extracted content, e.g. a page or an utterance.
// Start and End locate the segment within the source, in runes.
type Segment struct {
	Index    int
	Text     string
	Start    int
	End      int
	Metadata Metadata
}

// Chunk is the smallest retrievable unit.
type Chunk struct {
	ID           ID
	DocumentID   string
	CollectionID string
	Seq          int
	Text         string
	Metadata     Metadata
	Spans        []Span
	Indexed      bool // true once the vector is in the index
	CreatedAt    time.Time
}

// JobError records one failure inside a job. Segment is -1 for failures
// that are not attributable to a single segment.
type JobError struct {
	Segment    int
	DocumentID string
	Kind       string
	Message    string
	At         time.Time
}

// Job is an asynchronous ingestion request and its progress.
type Job struct {
	ID              string
	OrgID           string
	CollectionID    string
	Source          SourceDescriptor
	Metadata        Metadata
	DocumentIDs     []string
	Status          JobStatus
	ChunksCommitted int
	ChunksFailed    int
	SegmentsFailed  int
	Errors          []JobError
	IdempotencyKey  string
	ContentHash     string

	// Claim state. ClaimToken increments on every claim so a worker that was
	// presumed dead cannot write over its successor.
	ClaimedBy       string
	ClaimToken      uint64
	HeartbeatAt     time.Time
	CancelRequested bool

	// Checkpoint: the next segment to process and the next chunk sequence.
	NextSegment int
	NextSeq     int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// JobView is a point-in-time snapshot of a job.
type JobView struct {
	JobID           string
	CollectionID    string
	Status          JobStatus
	DocumentIDs     []string
	ChunksCommitted int
	ChunksFailed    int
	SegmentsFailed  int
	Errors          []JobError
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// View returns a snapshot of the job that shares no memory with it.
func (j *Job) View() JobView {
	v := JobView{
		JobID:           j.ID,
		CollectionID:    j.CollectionID,
		Status:          j.Status,
		ChunksCommitted: j.ChunksCommitted,
		ChunksFailed:    j.ChunksFailed,
		SegmentsFailed:  j.SegmentsFailed,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	v.DocumentIDs = append([]string(nil), j.DocumentIDs...)
	v.Errors = append([]JobError(nil), j.Errors...)
	return v
}

// Hit is a vector index match.
type Hit struct {
	ChunkID ID
	Score   float32
}

// ChunkResult is a retrieved chunk with its provenance.
type ChunkResult struct {
	ChunkID    ID
	DocumentID string
	Seq        int
	Score      float32
	Text       string
	Metadata   Metadata
	Spans      []Span
}
