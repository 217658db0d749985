package badger

import (
	"context"
	"testing"

	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeChunks(doc string, n int) []*core.Chunk {
	chunks := make([]*core.Chunk, n)
	for i := range chunks {
		chunks[i] = &core.Chunk{
			DocumentID:   doc,
			CollectionID: "docs",
			Seq:          i,
			Text:         "chunk",
			Spans:        []core.Span{{Segment: i, Start: 0, End: 5}},
		}
	}
	return chunks
}

func TestChunkStore_PutAndList(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	chunks := makeChunks("doc-1", 3)
	require.NoError(t, stores.Chunks.PutChunks(ctx, chunks...))
	for i, c := range chunks {
		assert.NotZero(t, c.ID)
		if i > 0 {
			assert.Greater(t, c.ID, chunks[i-1].ID, "IDs increase in insertion order")
		}
	}

	require.NoError(t, stores.Chunks.PutChunks(ctx, makeChunks("doc-2", 1)...))

	list, err := stores.Chunks.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, c := range list {
		assert.Equal(t, i, c.Seq)
		assert.False(t, c.Indexed)
	}

	got, err := stores.Chunks.GetChunk(ctx, chunks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, chunks[1].Spans, got.Spans)

	_, err = stores.Chunks.GetChunk(ctx, 99999)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	found, err := stores.Chunks.GetChunks(ctx, chunks[0].ID, 99999)
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Contains(t, found, chunks[0].ID)
}

func TestChunkStore_ReplaceSameSeq(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	first := makeChunks("doc-1", 1)
	require.NoError(t, stores.Chunks.PutChunks(ctx, first...))
	second := makeChunks("doc-1", 1)
	second[0].Text = "replacement"
	require.NoError(t, stores.Chunks.PutChunks(ctx, second...))

	list, err := stores.Chunks.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "replacement", list[0].Text)

	_, err = stores.Chunks.GetChunk(ctx, first[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunkStore_MarkIndexed(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	chunks := makeChunks("doc-1", 2)
	require.NoError(t, stores.Chunks.PutChunks(ctx, chunks...))
	require.NoError(t, stores.Chunks.MarkIndexed(ctx, chunks[0].ID))

	list, err := stores.Chunks.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, list[0].Indexed)
	assert.False(t, list[1].Indexed)

	assert.ErrorIs(t, stores.Chunks.MarkIndexed(ctx, 424242), storage.ErrNotFound)
}

func TestChunkStore_DeleteFromSeq(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	chunks := makeChunks("doc-1", 5)
	require.NoError(t, stores.Chunks.PutChunks(ctx, chunks...))

	deleted, err := stores.Chunks.DeleteFromSeq(ctx, "doc-1", 3)
	require.NoError(t, err)
	assert.Equal(t, []core.ID{chunks[3].ID, chunks[4].ID}, deleted)

	list, err := stores.Chunks.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, stores.Chunks.DeleteChunks(ctx, chunks[2].ID, 777))
	list, err = stores.Chunks.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestChunkStore_Documents(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	doc := &core.Document{ID: "doc-1", CollectionID: "docs", JobID: "job-1", Title: "First"}
	require.NoError(t, stores.Chunks.PutDocument(ctx, doc))
	created := doc.CreatedAt
	require.False(t, created.IsZero())

	doc.Title = "First, revised"
	require.NoError(t, stores.Chunks.PutDocument(ctx, doc))
	require.NoError(t, stores.Chunks.PutDocument(ctx, &core.Document{ID: "doc-2", CollectionID: "docs"}))
	require.NoError(t, stores.Chunks.PutDocument(ctx, &core.Document{ID: "doc-3", CollectionID: "other"}))

	got, err := stores.Chunks.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "First, revised", got.Title)
	assert.Equal(t, created, got.CreatedAt)

	docs, err := stores.Chunks.ListDocuments(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc-1", docs[0].ID)

	_, err = stores.Chunks.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
