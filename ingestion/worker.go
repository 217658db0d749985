package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/poiesic/archivist/ai"
	"github.com/poiesic/archivist/chunking"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/extract"
	"github.com/poiesic/archivist/storage"
)

// releaseTimeout bounds the final write of an interrupted job.
const releaseTimeout = 5 * time.Second

// jobRun is one claimed job being processed by one worker. Its progress
// fields are owned by the worker goroutine; the flags may be set by the
// heartbeat and by Cancel.
type jobRun struct {
	s      *Scheduler
	job    *core.Job
	token  uint64
	quit   <-chan struct{}
	logger *slog.Logger

	coll    *core.Collection
	doc     *core.Document
	chunker *chunking.Chunker

	cancelRequested atomic.Bool
	claimLost       atomic.Bool
	stopHeartbeat   context.CancelFunc

	committed      int
	failed         int
	segmentsFailed int
	errors         []core.JobError
	nextSegment int
	nextSeq     int
}

func newJobRun(s *Scheduler, job *core.Job, quit <-chan struct{}) *jobRun {
	r := &jobRun{
		s:             s,
		job:           job,
		token:         job.ClaimToken,
		quit:          quit,
		logger:        s.logger.With("job", job.ID, "collection", job.CollectionID),
		stopHeartbeat:  func() {},
		committed:      job.ChunksCommitted,
		failed:         job.ChunksFailed,
		segmentsFailed: job.SegmentsFailed,
		errors:         slices.Clone(job.Errors),
		nextSegment:    job.NextSegment,
		nextSeq:        job.NextSeq,
	}
	r.cancelRequested.Store(job.CancelRequested)
	return r
}

func (r *jobRun) run(ctx context.Context) {
	hbCtx, stop := context.WithCancel(ctx)
	r.stopHeartbeat = stop
	defer stop()
	go r.beat(hbCtx)

	r.logger.Info("processing job", "segment", r.nextSegment, "seq", r.nextSeq, "claim", r.token)
	extractor, err := r.prepare(ctx)
	if err != nil {
		if r.interrupted(ctx) {
			r.release(ctx)
			return
		}
		r.logger.Error("job cannot run", "err", err)
		r.record(-1, err)
		r.finish(ctx, core.JobFailed)
		return
	}

segments:
	for seg, err := range extractor.Extract(ctx, r.job.Source) {
		if r.stopRequested(ctx) {
			r.release(ctx)
			return
		}
		if r.cancelRequested.Load() {
			r.logger.Info("cancellation observed", "segment", seg.Index)
			r.finish(ctx, core.JobCanceled)
			return
		}
		if err != nil && seg.Index < 0 {
			if r.interrupted(ctx) {
				r.release(ctx)
				return
			}
			r.logger.Warn("extraction ended with error", "err", err)
			r.record(-1, extractionError(-1, err))
			break
		}
		if seg.Index < r.nextSegment {
			continue
		}

		if err == nil {
			err = r.segment(ctx, seg)
		} else {
			err = extractionError(seg.Index, err)
			r.segmentFailed(seg.Index, 0, err)
		}
		switch {
		case err == nil:
		case r.interrupted(ctx):
			r.release(ctx)
			return
		case core.IsConfigurationError(err):
			r.nextSegment = seg.Index + 1
			break segments
		case errors.Is(err, ErrRollbackFailed):
			r.logger.Error("stopping job after failed rollback", "segment", seg.Index, "seq", r.nextSeq, "err", err)
			r.record(-1, err)
			r.nextSegment = seg.Index + 1
			break segments
		}

		r.nextSegment = seg.Index + 1
		if !r.checkpoint(ctx) {
			return
		}
	}

	if r.cancelRequested.Load() {
		r.logger.Info("cancellation observed after last segment", "segment", r.nextSegment)
		r.finish(ctx, core.JobCanceled)
		return
	}
	if r.committed == 0 && len(r.errors) == 0 {
		r.record(-1, core.NewExtractionError(-1, ErrNoChunks))
	}
	r.finish(ctx, core.FinalStatus(r.committed, len(r.errors)))
}

// prepare loads the collection, resolves the extractor and removes chunks
// a previous claim wrote past its last checkpoint.
func (r *jobRun) prepare(ctx context.Context) (extract.Extractor, error) {
	coll, err := r.s.deps.Collections.GetCollection(ctx, r.job.CollectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, core.NewConfigurationError(fmt.Errorf("collection %s: %w", r.job.CollectionID, err))
	}
	if err != nil {
		return nil, err
	}
	r.coll = coll
	if err := r.s.deps.Vectors.EnsureCollection(ctx, coll.ID, coll.Embedding); err != nil {
		return nil, err
	}
	if r.chunker, err = chunking.New(coll.Chunking); err != nil {
		return nil, err
	}
	extractor, err := r.s.deps.Extractors.Lookup(r.job.Source)
	if err != nil {
		return nil, err
	}

	docID := documentID(r.job)
	if docID == "" {
		return nil, core.NewConfigurationError(errors.New("job has no document"))
	}
	doc, err := r.s.deps.Chunks.GetDocument(ctx, docID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		doc = &core.Document{
			ID:           docID,
			CollectionID: coll.ID,
			JobID:        r.job.ID,
			Source:       r.job.Source,
			Metadata:     r.job.Metadata,
			ContentHash:  r.job.ContentHash,
		}
		if err := r.s.deps.Chunks.PutDocument(ctx, doc); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	r.doc = doc

	stale, err := r.s.deps.Chunks.DeleteFromSeq(ctx, docID, r.nextSeq)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		r.logger.Info("removed chunks past checkpoint", "chunks", len(stale), "seq", r.nextSeq)
		if err := r.s.deps.Vectors.Delete(ctx, coll.ID, stale...); err != nil {
			return nil, err
		}
	}
	return extractor, nil
}

// segment chunks, stores and indexes one segment. On failure the segment's
// chunks are removed so committed sequence numbers stay contiguous. If they
// cannot be removed the returned error wraps ErrRollbackFailed.
func (r *jobRun) segment(ctx context.Context, seg core.Segment) error {
	r.adoptTitle(ctx, seg)
	drafts, err := r.chunker.Segment(seg, r.nextSeq)
	if err != nil {
		r.segmentFailed(seg.Index, 0, err)
		return err
	}
	if len(drafts) == 0 {
		return nil
	}
	if err := r.commit(ctx, seg, drafts); err != nil {
		if r.interrupted(ctx) {
			return err
		}
		r.segmentFailed(seg.Index, len(drafts), err)
		if rerr := r.rollback(ctx); rerr != nil {
			return fmt.Errorf("%w: seq %d: %w", ErrRollbackFailed, r.nextSeq, rerr)
		}
		return err
	}
	r.committed += len(drafts)
	r.nextSeq += len(drafts)
	r.s.recorder.SegmentProcessed(OutcomeCommitted, len(drafts))
	return nil
}

func (r *jobRun) commit(ctx context.Context, seg core.Segment, drafts []chunking.Draft) error {
	chunks := make([]*core.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = &core.Chunk{
			DocumentID:   r.doc.ID,
			CollectionID: r.coll.ID,
			Seq:          d.Seq,
			Text:         d.Text,
			Metadata:     r.job.Metadata.Merge(d.Metadata),
			Spans:        []core.Span{d.Span},
		}
	}
	if err := r.s.deps.Chunks.PutChunks(ctx, chunks...); err != nil {
		return err
	}

	ids := make([]core.ID, len(chunks))
	for i, c := range chunks {
		vec, err := r.embed(ctx, c.Text)
		if err != nil {
			return core.NewEmbeddingError(seg.Index, err)
		}
		entry := storage.VectorEntry{ChunkID: c.ID, DocumentID: c.DocumentID, Vector: vec, Metadata: c.Metadata}
		if err := r.s.deps.Vectors.Upsert(ctx, r.coll.ID, entry); err != nil {
			return core.NewIndexUpsertError(seg.Index, err)
		}
		ids[i] = c.ID
	}
	return r.s.deps.Chunks.MarkIndexed(ctx, ids...)
}

func (r *jobRun) embed(ctx context.Context, text string) ([]float32, error) {
	limiter := r.s.limiter(r.coll.ID)
	model := r.coll.Embedding.Model
	var vec []float32
	err := retryWithBackoff(ctx, r.logger, r.s.embedAttempts, r.s.embedDelay, ai.Retryable, func() error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		v, err := r.s.deps.Embedder.Embed(ctx, text, r.coll.Embedding)
		r.s.recorder.EmbeddingObserved(model, time.Since(start), err)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if errors.Is(err, ai.ErrUnexpectedDimension) {
		err = core.NewConfigurationError(err)
	}
	return vec, err
}

// rollback removes chunks written past nextSeq. Leftover vectors only log:
// chunk IDs are never reused, so they cannot shadow later chunks.
func (r *jobRun) rollback(ctx context.Context) error {
	ids, err := r.s.deps.Chunks.DeleteFromSeq(ctx, r.doc.ID, r.nextSeq)
	if err != nil {
		return err
	}
	if err := r.s.deps.Vectors.Delete(ctx, r.coll.ID, ids...); err != nil {
		r.logger.Error("error rolling back segment vectors", "chunks", len(ids), "err", err)
	}
	return nil
}

// adoptTitle names the document after the first segment that carries a
// title.
func (r *jobRun) adoptTitle(ctx context.Context, seg core.Segment) {
	title, ok := seg.Metadata[extract.MetaTitle]
	if r.doc.Title != "" || !ok || title.Kind != core.KindString || title.Str == "" {
		return
	}
	r.doc.Title = title.Str
	if err := r.s.deps.Chunks.PutDocument(ctx, r.doc); err != nil {
		r.logger.Warn("error saving document title", "document", r.doc.ID, "err", err)
	}
}

func (r *jobRun) segmentFailed(segment, chunks int, err error) {
	r.logger.Warn("segment failed", "segment", segment, "chunks", chunks, "kind", core.KindOf(err), "err", err)
	r.failed += chunks
	r.segmentsFailed++
	r.record(segment, err)
	r.s.recorder.SegmentProcessed(OutcomeFailed, chunks)
}

func (r *jobRun) record(segment int, err error) {
	r.errors = append(r.errors, core.JobError{
		Segment:    segment,
		DocumentID: documentID(r.job),
		Kind:       core.KindOf(err),
		Message:    err.Error(),
		At:         r.s.now(),
	})
}

// extractionError attributes an extractor failure to the extraction stage
// unless the extractor already classified it.
func extractionError(segment int, err error) error {
	var ee *core.ExtractionError
	var ce *core.ConfigurationError
	if errors.As(err, &ee) || errors.As(err, &ce) {
		return err
	}
	return core.NewExtractionError(segment, err)
}

// apply copies the worker's progress onto a freshly read job.
func (r *jobRun) apply(job *core.Job) {
	job.ChunksCommitted = r.committed
	job.ChunksFailed = r.failed
	job.SegmentsFailed = r.segmentsFailed
	job.Errors = slices.Clone(r.errors)
	job.NextSegment = r.nextSegment
	job.NextSeq = r.nextSeq
}

func (r *jobRun) checkpoint(ctx context.Context) bool {
	job, err := r.s.deps.Jobs.UpdateJob(ctx, r.job.ID, r.token, func(job *core.Job) error {
		r.apply(job)
		job.HeartbeatAt = r.s.now()
		return nil
	})
	if err != nil {
		r.lost(ctx, "checkpoint", err)
		return false
	}
	if job.CancelRequested {
		r.cancelRequested.Store(true)
	}
	return true
}

func (r *jobRun) finish(ctx context.Context, status core.JobStatus) {
	r.stopHeartbeat()
	job, err := r.s.deps.Jobs.UpdateJob(ctx, r.job.ID, r.token, func(job *core.Job) error {
		r.apply(job)
		job.Status = status
		return nil
	})
	if err != nil {
		r.lost(ctx, "finish", err)
		return
	}
	r.s.recorder.JobFinished(job.Status)
	r.logger.Info("job finished", "status", job.Status, "committed", job.ChunksCommitted,
		"failed", job.ChunksFailed, "segments_failed", job.SegmentsFailed, "errors", len(job.Errors))
}

// release saves progress and clears the heartbeat so the job can be
// reclaimed at once instead of after the liveness timeout.
func (r *jobRun) release(ctx context.Context) {
	r.stopHeartbeat()
	if r.claimLost.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	_, err := r.s.deps.Jobs.UpdateJob(ctx, r.job.ID, r.token, func(job *core.Job) error {
		r.apply(job)
		job.HeartbeatAt = time.Time{}
		return nil
	})
	if err != nil {
		r.lost(ctx, "release", err)
		return
	}
	r.logger.Info("job released", "segment", r.nextSegment, "seq", r.nextSeq)
}

func (r *jobRun) lost(ctx context.Context, op string, err error) {
	switch {
	case errors.Is(err, core.ErrConcurrencyConflict):
		r.claimLost.Store(true)
		r.logger.Warn("claim lost to another worker", "op", op)
	case ctx.Err() != nil:
		r.logger.Debug("job update interrupted", "op", op, "err", err)
	default:
		r.logger.Error("error updating job", "op", op, "err", err)
	}
}

// beat refreshes the claim until ctx ends or the claim is lost.
func (r *jobRun) beat(ctx context.Context) {
	ticker := time.NewTicker(r.s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := r.s.deps.Jobs.UpdateJob(ctx, r.job.ID, r.token, func(job *core.Job) error {
			job.HeartbeatAt = r.s.now()
			return nil
		})
		switch {
		case err == nil:
			if job.CancelRequested {
				r.cancelRequested.Store(true)
			}
		case ctx.Err() != nil, errors.Is(err, core.ErrInvalidTransition):
			return
		case errors.Is(err, core.ErrConcurrencyConflict):
			r.claimLost.Store(true)
			r.logger.Warn("claim lost to another worker", "op", "heartbeat")
			return
		default:
			r.logger.Warn("heartbeat failed", "err", err)
		}
	}
}

func (r *jobRun) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || r.claimLost.Load()
}

// stopRequested reports whether the worker should stop at this segment
// boundary without finishing the job.
func (r *jobRun) stopRequested(ctx context.Context) bool {
	select {
	case <-r.quit:
		return true
	default:
		return r.interrupted(ctx)
	}
}
