package ingestion

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/archivist/ai/mock"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/extract"
	"github.com/poiesic/archivist/storage"
	"github.com/poiesic/archivist/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

type fixture struct {
	stores   *badger.Stores
	embedder *mock.MockEmbedder
	registry *extract.Registry
	sched    *Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithChunks(t, nil, opts...)
}

// newFixtureWithChunks builds a fixture whose scheduler sees the chunk
// store through wrap.
func newFixtureWithChunks(t *testing.T, wrap func(storage.ChunkStore) storage.ChunkStore, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	_, err = stores.Orgs.CreateOrg(ctx, &core.Org{ID: "acme"})
	require.NoError(t, err)
	coll, err := stores.Collections.CreateCollection(ctx, &core.Collection{
		ID:        "docs",
		OrgID:     "acme",
		Embedding: core.EmbeddingConfig{Model: "mock", Dim: testDim},
	})
	require.NoError(t, err)
	require.NoError(t, stores.Vectors.EnsureCollection(ctx, coll.ID, coll.Embedding))

	f := &fixture{
		stores:   stores,
		embedder: mock.NewMockEmbedder(),
		registry: extract.NewDefaultRegistry(),
	}
	var chunks storage.ChunkStore = stores.Chunks
	if wrap != nil {
		chunks = wrap(chunks)
	}
	opts = append([]Option{
		WithPoolSize(2),
		WithPollInterval(10 * time.Millisecond),
		WithEmbedRetry(1, time.Millisecond),
		WithWorkerID("test-worker"),
		WithLogger(quiet),
	}, opts...)
	f.sched, err = NewScheduler(Deps{
		Jobs:        stores.Jobs,
		Chunks:      chunks,
		Collections: stores.Collections,
		Vectors:     stores.Vectors,
		Embedder:    f.embedder,
		Extractors:  f.registry,
	}, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sched.Stop(ctx)
	})
}

func (f *fixture) submit(t *testing.T, text string) SubmitResult {
	t.Helper()
	res, err := f.sched.Submit(context.Background(), SubmitRequest{
		OrgID:        "acme",
		CollectionID: "docs",
		Source:       core.SourceDescriptor{Kind: core.SourceInlineText, Text: text},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) wait(t *testing.T, jobID string) core.JobView {
	t.Helper()
	var view core.JobView
	require.Eventually(t, func() bool {
		v, err := f.sched.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		view = v
		return v.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return view
}

func (f *fixture) chunkTexts(t *testing.T, documentID string) []string {
	t.Helper()
	chunks, err := f.stores.Chunks.ListByDocument(context.Background(), documentID)
	require.NoError(t, err)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		assert.Equal(t, i, c.Seq, "sequence numbers must be contiguous")
		assert.True(t, c.Indexed)
		texts[i] = c.Text
	}
	return texts
}

const threePages = "page one\fpage two\fpage three"

func TestNewScheduler_RequiresDeps(t *testing.T) {
	_, err := NewScheduler(Deps{})
	assert.ErrorIs(t, err, ErrJobStoreRequired)
}

func TestSubmit_DoesNotProcess(t *testing.T) {
	f := newFixture(t)
	var extracted atomic.Int32
	f.registry.RegisterAny(core.SourceInlineText, extract.ExtractorFunc(
		func(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error] {
			extracted.Add(1)
			return extract.NewTextExtractor().Extract(ctx, src)
		}))

	res := f.submit(t, "hello world")
	assert.Equal(t, core.JobPending, res.Status)
	assert.NotEmpty(t, res.JobID)
	assert.NotEmpty(t, res.DocumentID)
	assert.False(t, res.Existing)

	view, err := f.sched.Status(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, view.Status)
	assert.Equal(t, []string{res.DocumentID}, view.DocumentIDs)
	assert.Zero(t, extracted.Load())
	assert.Zero(t, f.embedder.CallCount())
}

func TestSubmit_Idempotent(t *testing.T) {
	f := newFixture(t)

	first := f.submit(t, "same content")
	second := f.submit(t, "same content")
	other := f.submit(t, "different content")

	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.True(t, second.Existing)
	assert.NotEqual(t, first.JobID, other.JobID)
}

func TestSubmit_ConcurrentDuplicatesYieldOneJob(t *testing.T) {
	f := newFixture(t)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sched.Submit(context.Background(), SubmitRequest{
				CollectionID: "docs",
				Source:       core.SourceDescriptor{Kind: core.SourceInlineText, Text: "racing"},
			})
			if assert.NoError(t, err) {
				ids[i] = res.JobID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	jobs, err := f.sched.List(context.Background(), storage.JobFilter{CollectionID: "docs"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.stores.Collections.CreateCollection(ctx, &core.Collection{
		ID:        "strict",
		OrgID:     "acme",
		Embedding: core.EmbeddingConfig{Model: "mock", Dim: testDim},
		Schema: &core.MetadataSchema{Fields: map[string]core.FieldSpec{
			"lang": {Kind: core.KindString, Required: true},
		}},
	})
	require.NoError(t, err)

	inline := core.SourceDescriptor{Kind: core.SourceInlineText, Text: "x"}
	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"unknown collection", SubmitRequest{CollectionID: "nope", Source: inline}, storage.ErrNotFound},
		{"wrong org", SubmitRequest{OrgID: "other", CollectionID: "docs", Source: inline}, storage.ErrNotFound},
		{"empty inline text", SubmitRequest{CollectionID: "docs", Source: core.SourceDescriptor{Kind: core.SourceInlineText}}, core.ErrInvalidSource},
		{"missing file", SubmitRequest{CollectionID: "docs", Source: core.SourceDescriptor{Kind: core.SourceFileRef, URI: "/does/not/exist.txt"}}, core.ErrInvalidSource},
		{"media unsupported", SubmitRequest{CollectionID: "docs", Source: core.SourceDescriptor{Kind: core.SourceMedia, URI: "talk.mp3"}}, extract.ErrUnsupportedSource},
		{"schema violation", SubmitRequest{CollectionID: "strict", Source: inline}, core.ErrInvalidMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sched.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = f.sched.Submit(ctx, SubmitRequest{
		CollectionID: "strict",
		Source:       inline,
		Metadata:     core.Metadata{"lang": core.String("en")},
	})
	assert.NoError(t, err)
}

func TestJob_Completes(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res := f.submit(t, threePages)
	view := f.wait(t, res.JobID)

	assert.Equal(t, core.JobCompleted, view.Status)
	assert.Equal(t, 3, view.ChunksCommitted)
	assert.Zero(t, view.ChunksFailed)
	assert.Empty(t, view.Errors)
	assert.Equal(t, []string{"page one", "page two", "page three"}, f.chunkTexts(t, res.DocumentID))

	chunks, err := f.stores.Chunks.ListByDocument(context.Background(), res.DocumentID)
	require.NoError(t, err)
	for i, c := range chunks {
		require.Len(t, c.Spans, 1)
		assert.Equal(t, i, c.Spans[0].Segment)
		assert.Equal(t, "docs", c.CollectionID)
	}

	doc, err := f.stores.Chunks.GetDocument(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, doc.JobID)

	hits, err := f.stores.Vectors.Search(context.Background(), "docs", mock.Vector("page two", testDim), 1, core.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunks[1].ID, hits[0].ChunkID)
}

func TestJob_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.EmbedFunc = func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
		if text == "page two" {
			return nil, errors.New("model rejected input")
		}
		return mock.Vector(text, cfg.Dim), nil
	}
	f.start(t)

	res := f.submit(t, threePages)
	view := f.wait(t, res.JobID)

	assert.Equal(t, core.JobPartial, view.Status)
	assert.Equal(t, 2, view.ChunksCommitted)
	assert.Equal(t, 1, view.ChunksFailed)
	assert.Equal(t, 1, view.SegmentsFailed)
	require.Len(t, view.Errors, 1)
	assert.Equal(t, 1, view.Errors[0].Segment)
	assert.Equal(t, core.KindEmbedding, view.Errors[0].Kind)
	assert.Equal(t, res.DocumentID, view.Errors[0].DocumentID)
	assert.Contains(t, view.Errors[0].Message, "model rejected input")

	assert.Equal(t, []string{"page one", "page three"}, f.chunkTexts(t, res.DocumentID))
	hits, err := f.stores.Vectors.Search(context.Background(), "docs", mock.Vector("page two", testDim), 10, core.Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 2, "the failed chunk has no vector")
}

func TestJob_ExtractionErrorCountsSegment(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterAny(core.SourceInlineText, extract.ExtractorFunc(
		func(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error] {
			return func(yield func(core.Segment, error) bool) {
				if !yield(core.Segment{Index: 0, Text: "page one"}, nil) {
					return
				}
				if !yield(core.Segment{Index: 1}, errors.New("corrupt page")) {
					return
				}
				yield(core.Segment{Index: 2, Text: "page three"}, nil)
			}
		}))
	f.start(t)

	res := f.submit(t, "three pages, one unreadable")
	view := f.wait(t, res.JobID)

	assert.Equal(t, core.JobPartial, view.Status)
	assert.Equal(t, 2, view.ChunksCommitted)
	assert.Zero(t, view.ChunksFailed, "the bad segment produced no chunks")
	assert.Equal(t, 1, view.SegmentsFailed)
	require.Len(t, view.Errors, 1)
	assert.Equal(t, 1, view.Errors[0].Segment)
	assert.Equal(t, core.KindExtraction, view.Errors[0].Kind)
	assert.Equal(t, []string{"page one", "page three"}, f.chunkTexts(t, res.DocumentID))
}

// failingRollback fails every DeleteFromSeq after the first, which the
// worker makes while preparing the job.
type failingRollback struct {
	storage.ChunkStore
	calls atomic.Int32
}

func (s *failingRollback) DeleteFromSeq(ctx context.Context, documentID string, seq int) ([]core.ID, error) {
	if s.calls.Add(1) > 1 {
		return nil, errors.New("disk unavailable")
	}
	return s.ChunkStore.DeleteFromSeq(ctx, documentID, seq)
}

func TestJob_RollbackFailureStopsJob(t *testing.T) {
	f := newFixtureWithChunks(t, func(cs storage.ChunkStore) storage.ChunkStore {
		return &failingRollback{ChunkStore: cs}
	})
	f.embedder.EmbedFunc = func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
		if text == "page two" {
			return nil, errors.New("model rejected input")
		}
		return mock.Vector(text, cfg.Dim), nil
	}
	f.start(t)

	res := f.submit(t, threePages)
	view := f.wait(t, res.JobID)

	assert.Equal(t, core.JobPartial, view.Status)
	assert.Equal(t, 1, view.ChunksCommitted)
	assert.Equal(t, 1, view.ChunksFailed)
	assert.Equal(t, 1, view.SegmentsFailed)
	require.Len(t, view.Errors, 2)
	assert.Equal(t, 1, view.Errors[0].Segment)
	assert.Equal(t, core.KindEmbedding, view.Errors[0].Kind)
	assert.Equal(t, -1, view.Errors[1].Segment)
	assert.Equal(t, core.KindStorage, view.Errors[1].Kind)
	assert.Contains(t, view.Errors[1].Message, ErrRollbackFailed.Error())
	assert.Equal(t, []string{"page one", "page two"}, f.embedder.Calls(), "no segment runs after a failed rollback")

	job, err := f.stores.Jobs.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.NextSeq)
	assert.Equal(t, 2, job.NextSegment)
}

func TestJob_ZeroChunksFails(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res := f.submit(t, "   \n\t  ")
	view := f.wait(t, res.JobID)

	assert.Equal(t, core.JobFailed, view.Status)
	assert.Zero(t, view.ChunksCommitted)
	require.Len(t, view.Errors, 1)
	assert.Equal(t, -1, view.Errors[0].Segment)
	assert.Equal(t, core.KindExtraction, view.Errors[0].Kind)
}

func TestJob_RetriesTransientEmbeddingErrors(t *testing.T) {
	f := newFixture(t, WithEmbedRetry(3, time.Millisecond))
	var failures atomic.Int32
	f.embedder.EmbedFunc = func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
		if failures.Add(1) <= 2 {
			return nil, errors.New("503 service unavailable")
		}
		return mock.Vector(text, cfg.Dim), nil
	}
	f.start(t)

	res := f.submit(t, "a single page")
	view := f.wait(t, res.JobID)
	assert.Equal(t, core.JobCompleted, view.Status)
	assert.Equal(t, 3, f.embedder.CallCount())
}

func TestCancel_Pending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.submit(t, threePages)
	view, err := f.sched.Cancel(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCanceled, view.Status)

	_, err = f.sched.Cancel(ctx, res.JobID)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = f.sched.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// blockFirst makes the embedder wait on release when it sees the first page.
func blockFirst(f *fixture) (entered chan struct{}, release chan struct{}) {
	entered = make(chan struct{}, 1)
	release = make(chan struct{})
	f.embedder.EmbedFunc = func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
		if text == "page one" {
			entered <- struct{}{}
			<-release
		}
		return mock.Vector(text, cfg.Dim), nil
	}
	return entered, release
}

func TestCancel_RunningStopsBetweenSegments(t *testing.T) {
	f := newFixture(t)
	entered, release := blockFirst(f)
	f.start(t)

	res := f.submit(t, threePages)
	<-entered
	view, err := f.sched.Cancel(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, view.Status)
	close(release)

	view = f.wait(t, res.JobID)
	assert.Equal(t, core.JobCanceled, view.Status)
	assert.Equal(t, 1, view.ChunksCommitted)
	assert.Equal(t, []string{"page one"}, f.chunkTexts(t, res.DocumentID))
	assert.Equal(t, 1, f.embedder.CallCount())
}

func TestCancel_DuringLastSegment(t *testing.T) {
	f := newFixture(t)
	entered, release := blockFirst(f)
	f.start(t)

	res := f.submit(t, "page one")
	<-entered
	view, err := f.sched.Cancel(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, view.Status)
	close(release)

	view = f.wait(t, res.JobID)
	assert.Equal(t, core.JobCanceled, view.Status)
	assert.Equal(t, 1, view.ChunksCommitted, "committed chunks are kept")
	assert.Equal(t, []string{"page one"}, f.chunkTexts(t, res.DocumentID))
}

func TestReclaim_StaleJobRestartsCleanly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, threePages)

	// A worker that claimed the job an hour ago and died mid-segment.
	now := time.Now()
	_, err := f.stores.Jobs.ClaimJob(ctx, res.JobID, "crashed", now.Add(-time.Hour), now)
	require.NoError(t, err)
	stray := &core.Chunk{DocumentID: res.DocumentID, CollectionID: "docs", Seq: 0, Text: "half written"}
	require.NoError(t, f.stores.Chunks.PutChunks(ctx, stray))
	require.NoError(t, f.stores.Vectors.Upsert(ctx, "docs", storage.VectorEntry{
		ChunkID: stray.ID, DocumentID: res.DocumentID, Vector: mock.Vector("half written", testDim),
	}))

	f.start(t)
	view := f.wait(t, res.JobID)

	assert.Equal(t, core.JobCompleted, view.Status)
	assert.Equal(t, 3, view.ChunksCommitted)
	assert.Equal(t, []string{"page one", "page two", "page three"}, f.chunkTexts(t, res.DocumentID))
	_, err = f.stores.Chunks.GetChunk(ctx, stray.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	hits, err := f.stores.Vectors.Search(ctx, "docs", mock.Vector("half written", testDim), 10, core.Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	job, err := f.stores.Jobs.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "test-worker", job.ClaimedBy)
	assert.Equal(t, uint64(2), job.ClaimToken)
}

func TestReclaim_ResumesAtCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, threePages)

	// The dead worker committed segment 0 and checkpointed, then wrote a
	// chunk for segment 1 before crashing.
	now := time.Now()
	claimed, err := f.stores.Jobs.ClaimJob(ctx, res.JobID, "crashed", now.Add(-time.Hour), now)
	require.NoError(t, err)
	done := &core.Chunk{DocumentID: res.DocumentID, CollectionID: "docs", Seq: 0, Text: "page one"}
	partial := &core.Chunk{DocumentID: res.DocumentID, CollectionID: "docs", Seq: 1, Text: "page two"}
	require.NoError(t, f.stores.Chunks.PutChunks(ctx, done, partial))
	require.NoError(t, f.stores.Chunks.MarkIndexed(ctx, done.ID))
	_, err = f.stores.Jobs.UpdateJob(ctx, res.JobID, claimed.ClaimToken, func(job *core.Job) error {
		job.ChunksCommitted = 1
		job.NextSegment = 1
		job.NextSeq = 1
		return nil
	})
	require.NoError(t, err)

	f.start(t)
	view := f.wait(t, res.JobID)

	assert.Equal(t, core.JobCompleted, view.Status)
	assert.Equal(t, 3, view.ChunksCommitted)
	assert.Equal(t, []string{"page two", "page three"}, f.embedder.Calls())
	assert.Equal(t, []string{"page one", "page two", "page three"}, f.chunkTexts(t, res.DocumentID))

	chunks, err := f.stores.Chunks.ListByDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, done.ID, chunks[0].ID)
	assert.NotEqual(t, partial.ID, chunks[1].ID)
}

func TestStop_ReleasesClaimAtSegmentBoundary(t *testing.T) {
	f := newFixture(t)
	entered, release := blockFirst(f)
	require.NoError(t, f.sched.Start(context.Background()))

	res := f.submit(t, threePages)
	<-entered

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- f.sched.Stop(ctx)
	}()
	require.Eventually(t, func() bool {
		f.sched.mu.Lock()
		defer f.sched.mu.Unlock()
		return !f.sched.started
	}, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	job, err := f.stores.Jobs.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, job.Status)
	assert.Equal(t, 1, job.ChunksCommitted)
	assert.Equal(t, 1, job.NextSegment)
	assert.True(t, job.HeartbeatAt.IsZero(), "released jobs are immediately reclaimable")

	// A restarted scheduler picks the job up where it stopped.
	f.start(t)
	view := f.wait(t, res.JobID)
	assert.Equal(t, core.JobCompleted, view.Status)
	assert.Equal(t, []string{"page one", "page two", "page three"}, f.chunkTexts(t, res.DocumentID))
}

func TestPerCollectionLimit(t *testing.T) {
	f := newFixture(t, WithPoolSize(4), WithPerCollectionLimit(1))
	var inflight, peak atomic.Int32
	f.embedder.EmbedFunc = func(ctx context.Context, text string, cfg core.EmbeddingConfig) ([]float32, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return mock.Vector(text, cfg.Dim), nil
	}
	f.start(t)

	var ids []string
	for _, text := range []string{"alpha", "beta", "gamma"} {
		ids = append(ids, f.submit(t, text).JobID)
	}
	for _, id := range ids {
		assert.Equal(t, core.JobCompleted, f.wait(t, id).Status)
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.sched.Stop(ctx), ErrNotStarted)
	require.NoError(t, f.sched.Start(ctx))
	assert.ErrorIs(t, f.sched.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, f.sched.Stop(ctx))
}
