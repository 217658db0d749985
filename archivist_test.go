package archivist

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/archivist/ai/mock"
	"github.com/poiesic/archivist/config"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/ingestion"
	"github.com/poiesic/archivist/metrics"
	"github.com/poiesic/archivist/search"
	"github.com/poiesic/archivist/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTest(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithInMemory(),
		WithProvider(mock.NewMockProvider()),
		WithLogger(quiet),
		WithSchedulerOptions(ingestion.WithPollInterval(10 * time.Millisecond)),
	}, opts...)
	e, err := Open("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func seed(t *testing.T, e *Engine) *core.Collection {
	t.Helper()
	ctx := context.Background()
	_, err := e.CreateOrg(ctx, &core.Org{ID: "acme", DisplayName: "Acme"})
	require.NoError(t, err)
	coll, err := e.CreateCollection(ctx, &core.Collection{
		ID:        "docs",
		OrgID:     "acme",
		Name:      "Docs",
		Embedding: core.EmbeddingConfig{Model: "mock", Dim: 8},
	})
	require.NoError(t, err)
	return coll
}

func TestOpen(t *testing.T) {
	t.Run("on disk", func(t *testing.T) {
		e, err := Open(filepath.Join(t.TempDir(), "db"), WithProvider(mock.NewMockProvider()), WithLogger(quiet))
		require.NoError(t, err)
		assert.NotNil(t, e.Stores())
		assert.NotNil(t, e.Scheduler())
		assert.NotNil(t, e.Retriever())
		require.NoError(t, e.Healthy(context.Background()))
		require.NoError(t, e.Close())
	})

	t.Run("error with invalid path", func(t *testing.T) {
		tmpFile := filepath.Join(t.TempDir(), "not_a_dir")
		require.NoError(t, os.WriteFile(tmpFile, []byte("test"), 0644))

		e, err := Open(tmpFile, WithProvider(mock.NewMockProvider()), WithLogger(quiet))
		assert.Error(t, err)
		assert.Nil(t, e)
	})

	t.Run("invalid default chunking", func(t *testing.T) {
		_, err := Open("", WithInMemory(), WithProvider(mock.NewMockProvider()),
			WithDefaultChunking(core.ChunkPolicy{MaxChars: 10, Overlap: 20}))
		var cfgErr *core.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("closes provider", func(t *testing.T) {
		provider := mock.NewMockProvider()
		e, err := Open("", WithInMemory(), WithProvider(provider), WithLogger(quiet))
		require.NoError(t, err)
		require.NoError(t, e.Close())
		assert.True(t, provider.(*mock.MockProvider).Closed())
	})
}

func TestOpenConfig(t *testing.T) {
	cfg, err := config.Parse([]byte("storage:\n  in_memory: true\nchunking:\n  max_chars: 300\n  overlap: 30\n"))
	require.NoError(t, err)

	e, err := OpenConfig(cfg, WithProvider(mock.NewMockProvider()), WithLogger(quiet))
	require.NoError(t, err)
	defer e.Close()

	coll := seed(t, e)
	assert.Equal(t, core.ChunkPolicy{Strategy: core.StrategyFixed, MaxChars: 300, Overlap: 30}, coll.Chunking)
}

func TestCollections(t *testing.T) {
	e := openTest(t)
	coll := seed(t, e)
	ctx := context.Background()

	assert.Equal(t, core.ChunkPolicy{Strategy: core.StrategyFixed, MaxChars: 800, Overlap: 120}, coll.Chunking)
	assert.Equal(t, core.MetricCosine, coll.Embedding.Metric)

	got, err := e.GetCollection(ctx, "acme", "docs")
	require.NoError(t, err)
	assert.Equal(t, "Docs", got.Name)

	_, err = e.GetCollection(ctx, "other", "docs")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := e.ListCollections(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = e.ListCollections(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = e.CreateCollection(ctx, &core.Collection{ID: "docs", OrgID: "acme",
		Embedding: core.EmbeddingConfig{Model: "mock", Dim: 8}})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	// The vector space exists as soon as the collection does.
	_, err = e.Stores().Vectors.Search(ctx, "docs", make([]float32, 8), 1, core.Filter{})
	assert.NoError(t, err)
}

func TestIngestAndRetrieve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New()
	require.NoError(t, m.Register(reg))

	e := openTest(t, WithMetrics(m))
	seed(t, e)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	res, err := e.Submit(ctx, ingestion.SubmitRequest{
		OrgID:        "acme",
		CollectionID: "docs",
		Source:       core.SourceDescriptor{Kind: core.SourceInlineText, Text: "alpha page\fbeta page\fgamma page"},
		Metadata:     core.Metadata{"lang": core.String("en")},
	})
	require.NoError(t, err)
	assert.False(t, res.Existing)

	var view core.JobView
	require.Eventually(t, func() bool {
		view, err = e.JobStatus(ctx, res.JobID)
		return err == nil && view.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, core.JobCompleted, view.Status)
	assert.Equal(t, 3, view.ChunksCommitted)

	chunks, err := e.Chunks(ctx, res.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	results, err := e.Retrieve(ctx, search.RetrieveRequest{OrgID: "acme", CollectionID: "docs", Query: "beta page", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "beta page", results[0].Text)
	assert.Equal(t, res.DocumentID, results[0].DocumentID)
	assert.Equal(t, core.String("en"), results[0].Metadata["lang"])

	jobs, err := e.ListJobs(ctx, storage.JobFilter{CollectionID: "docs"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = e.CancelJob(ctx, res.JobID)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	// The job counter is bumped just after the terminal status is stored.
	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "archivist_jobs_total", "archivist_retrieve_duration_seconds")
		return err == nil && n == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop(ctx))
}
