package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/poiesic/archivist/ai"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
)

const (
	// DefaultTopK is used when a request asks for no particular count.
	DefaultTopK = 5
	// DefaultMaxTopK caps the number of results a request may ask for.
	DefaultMaxTopK = 50
	// DefaultOverfetch multiplies topK for the first index search.
	DefaultOverfetch = 2
)

// RetrieveRequest describes one query against a collection.
type RetrieveRequest struct {
	// OrgID is optional. When set, the collection must belong to it.
	OrgID        string
	CollectionID string
	Query        string
	TopK         int
	Filter       core.Filter
}

// Retriever ranks a collection's chunks against a query.
type Retriever struct {
	collections storage.CollectionRepository
	chunks      storage.ChunkStore
	vectors     storage.VectorIndex
	embedder    ai.Embedder
	monitor     Monitor
	logger      *slog.Logger
	overfetch   int
	maxTopK     int
	boost       float32
}

// Option configures a Retriever.
type Option func(*Retriever) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// WithMonitor sets a monitor that observes every retrieval.
func WithMonitor(m Monitor) Option {
	return func(r *Retriever) error {
		if m == nil {
			m = &noopMonitor{}
		}
		r.monitor = m
		return nil
	}
}

// WithOverfetch sets the multiplier applied to topK for the first search.
func WithOverfetch(n int) Option {
	return func(r *Retriever) error {
		if n < 1 {
			return fmt.Errorf("overfetch must be at least 1, got %d", n)
		}
		r.overfetch = n
		return nil
	}
}

// WithMaxTopK caps the result count of a single request.
func WithMaxTopK(n int) Option {
	return func(r *Retriever) error {
		if n < 1 {
			return fmt.Errorf("max top k must be at least 1, got %d", n)
		}
		r.maxTopK = n
		return nil
	}
}

// WithVerbatimBoost adds weight to the score of chunks that contain every
// keyword of the query. Zero disables the boost.
func WithVerbatimBoost(weight float32) Option {
	return func(r *Retriever) error {
		if weight < 0 {
			return fmt.Errorf("verbatim boost must not be negative, got %v", weight)
		}
		r.boost = weight
		return nil
	}
}

// NewRetriever creates a new retriever.
func NewRetriever(
	collections storage.CollectionRepository,
	chunks storage.ChunkStore,
	vectors storage.VectorIndex,
	embedder ai.Embedder,
	opts ...Option,
) (*Retriever, error) {
	if collections == nil {
		return nil, ErrCollectionRepositoryRequired
	}
	if chunks == nil {
		return nil, ErrChunkStoreRequired
	}
	if vectors == nil {
		return nil, ErrVectorIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	r := &Retriever{
		collections: collections,
		chunks:      chunks,
		vectors:     vectors,
		embedder:    embedder,
		monitor:     &noopMonitor{},
		logger:      slog.Default(),
		overfetch:   DefaultOverfetch,
		maxTopK:     DefaultMaxTopK,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "retriever")
	return r, nil
}

// Retrieve returns up to TopK indexed chunks ranked against the query.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) ([]core.ChunkResult, error) {
	return r.RetrieveWithMonitor(ctx, req, nil)
}

// RetrieveWithMonitor is Retrieve with an extra monitor for this call only.
// The monitor receives callbacks at each stage after the retriever's own.
func (r *Retriever) RetrieveWithMonitor(ctx context.Context, req RetrieveRequest, monitor Monitor) ([]core.ChunkResult, error) {
	m := r.monitor
	if monitor != nil {
		m = Monitors{r.monitor, monitor}
	}

	start := time.Now()
	m.Start(req)
	results, err := r.retrieve(ctx, req, m)
	if err != nil {
		m.Failed(err, time.Since(start))
		return nil, err
	}
	m.Finish(results, time.Since(start))
	return results, nil
}

func (r *Retriever) retrieve(ctx context.Context, req RetrieveRequest, m Monitor) ([]core.ChunkResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, core.ErrEmptyQuery
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	topK = min(topK, r.maxTopK)

	coll, err := r.collections.GetCollection(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}
	if req.OrgID != "" && coll.OrgID != req.OrgID {
		return nil, fmt.Errorf("%w: collection %s in org %s", storage.ErrNotFound, req.CollectionID, req.OrgID)
	}

	embedStart := time.Now()
	vector, err := r.embedder.Embed(ctx, req.Query, coll.Embedding)
	if err != nil {
		r.logger.Error("error generating embedding for query", "collection", coll.ID, "err", err)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	m.AfterEmbedding(len(vector), time.Since(embedStart))

	var matcher verbatimMatcher
	if r.boost > 0 {
		matcher = newVerbatimMatcher(req.Query)
	}

	fetch := topK * r.overfetch
	for {
		hits, err := r.vectors.Search(ctx, coll.ID, vector, fetch, req.Filter)
		if err != nil {
			r.logger.Error("error searching vector index", "collection", coll.ID, "fetch", fetch, "err", err)
			return nil, err
		}
		m.AfterVectorSearch(fetch, hits)

		results, err := r.resolve(ctx, coll.ID, hits, req.Filter, matcher, m)
		if err != nil {
			return nil, err
		}
		// A short page means the index has nothing more to offer.
		if len(results) >= topK || len(hits) < fetch {
			return results[:min(topK, len(results))], nil
		}
		r.logger.Debug("too few results after trimming, widening search",
			"collection", coll.ID, "fetch", fetch, "kept", len(results))
		fetch *= 2
	}
}

// resolve loads the chunk behind each hit and keeps the ones that may be
// returned.
func (r *Retriever) resolve(
	ctx context.Context,
	collectionID string,
	hits []core.Hit,
	filter core.Filter,
	matcher verbatimMatcher,
	m Monitor,
) ([]core.ChunkResult, error) {
	ids := make([]core.ID, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ChunkID
	}
	chunks, err := r.chunks.GetChunks(ctx, ids...)
	if err != nil {
		r.logger.Error("error loading chunks", "count", len(ids), "err", err)
		return nil, err
	}

	results := make([]core.ChunkResult, 0, len(hits))
	for _, hit := range hits {
		chunk := chunks[hit.ChunkID]
		if reason := dropReason(chunk, collectionID, filter); reason != "" {
			m.Dropped(hit, reason)
			continue
		}
		score := hit.Score
		if matcher.match(chunk.Text) {
			score += r.boost
		}
		results = append(results, core.ChunkResult{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			Seq:        chunk.Seq,
			Score:      score,
			Text:       chunk.Text,
			Metadata:   chunk.Metadata,
			Spans:      chunk.Spans,
		})
	}

	if matcher != nil {
		slices.SortStableFunc(results, func(a, b core.ChunkResult) int {
			if a.Score != b.Score {
				return cmp.Compare(b.Score, a.Score)
			}
			return cmp.Compare(a.ChunkID, b.ChunkID)
		})
	}
	return results, nil
}

func dropReason(chunk *core.Chunk, collectionID string, filter core.Filter) string {
	switch {
	case chunk == nil:
		return DropMissing
	case chunk.CollectionID != collectionID:
		return DropCollection
	case !chunk.Indexed:
		return DropUnindexed
	case !filter.Match(chunk.Metadata):
		return DropFiltered
	}
	return ""
}
