// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package archivist wires storage, extraction, embedding, ingestion and
// retrieval into one engine.
package archivist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/archivist/ai"
	"github.com/poiesic/archivist/ai/openai"
	"github.com/poiesic/archivist/config"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/extract"
	"github.com/poiesic/archivist/ingestion"
	"github.com/poiesic/archivist/metrics"
	"github.com/poiesic/archivist/search"
	"github.com/poiesic/archivist/storage"
	"github.com/poiesic/archivist/storage/badger"
)

// Engine owns the stores and the services built on them.
type Engine struct {
	stores    *badger.Stores
	provider  ai.Provider
	scheduler *ingestion.Scheduler
	retriever *search.Retriever
	chunking  core.ChunkPolicy
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	aiConfig      *ai.Config
	provider      ai.Provider
	inMemory      bool
	logger        *slog.Logger
	registry      *extract.Registry
	chunking      core.ChunkPolicy
	metrics       *metrics.Metrics
	schedulerOpts []ingestion.Option
	retrieverOpts []search.Option
}

// WithAIConfig sets the embedding service configuration.
func WithAIConfig(cfg *ai.Config) Option {
	return func(o *options) {
		o.aiConfig = cfg
	}
}

// WithProvider uses provider instead of building one from the AI config.
// The engine closes it.
func WithProvider(provider ai.Provider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithInMemory keeps all data in memory. The path given to Open is ignored.
func WithInMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithExtractors replaces the default extractor registry.
func WithExtractors(registry *extract.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithDefaultChunking sets the policy for collections created without one.
func WithDefaultChunking(policy core.ChunkPolicy) Option {
	return func(o *options) {
		o.chunking = policy
	}
}

// WithMetrics reports ingestion and retrieval to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSchedulerOptions passes options through to the ingestion scheduler.
func WithSchedulerOptions(opts ...ingestion.Option) Option {
	return func(o *options) {
		o.schedulerOpts = append(o.schedulerOpts, opts...)
	}
}

// WithRetrieverOptions passes options through to the retriever.
func WithRetrieverOptions(opts ...search.Option) Option {
	return func(o *options) {
		o.retrieverOpts = append(o.retrieverOpts, opts...)
	}
}

// Open opens the database at path and builds the engine over it. The
// scheduler is not started.
func Open(path string, opts ...Option) (*Engine, error) {
	o := &options{
		aiConfig: ai.DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = extract.NewDefaultRegistry()
	}
	chunking := core.NormalizeChunkPolicy(o.chunking)
	if err := core.ValidateChunkPolicy(chunking); err != nil {
		return nil, core.NewConfigurationError(err)
	}

	stores, err := badger.Open(path, o.inMemory, badger.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	provider := o.provider
	if provider == nil {
		provider, err = openai.NewProvider(o.aiConfig)
		if err != nil {
			stores.Close()
			return nil, err
		}
	}

	schedOpts := []ingestion.Option{ingestion.WithLogger(o.logger)}
	retrOpts := []search.Option{search.WithLogger(o.logger)}
	if o.metrics != nil {
		schedOpts = append(schedOpts, ingestion.WithRecorder(o.metrics))
		retrOpts = append(retrOpts, search.WithMonitor(o.metrics))
	}

	scheduler, err := ingestion.NewScheduler(ingestion.Deps{
		Jobs:        stores.Jobs,
		Chunks:      stores.Chunks,
		Collections: stores.Collections,
		Vectors:     stores.Vectors,
		Embedder:    provider.Embedder(),
		Extractors:  o.registry,
	}, append(schedOpts, o.schedulerOpts...)...)
	if err != nil {
		provider.Close()
		stores.Close()
		return nil, err
	}

	retriever, err := search.NewRetriever(stores.Collections, stores.Chunks, stores.Vectors,
		provider.Embedder(), append(retrOpts, o.retrieverOpts...)...)
	if err != nil {
		provider.Close()
		stores.Close()
		return nil, err
	}

	return &Engine{
		stores:    stores,
		provider:  provider,
		scheduler: scheduler,
		retriever: retriever,
		chunking:  chunking,
		logger:    o.logger.With("component", "engine"),
	}, nil
}

// OpenConfig opens the engine described by cfg. Options given here are
// applied after the ones derived from cfg.
func OpenConfig(cfg config.Config, opts ...Option) (*Engine, error) {
	base := []Option{
		WithAIConfig(cfg.AIConfig()),
		WithDefaultChunking(cfg.Chunking.Policy()),
		WithSchedulerOptions(
			ingestion.WithPoolSize(cfg.Ingestion.Workers),
			ingestion.WithPerCollectionLimit(cfg.Ingestion.PerCollection),
			ingestion.WithPollInterval(cfg.Ingestion.PollInterval),
			ingestion.WithLivenessTimeout(cfg.Ingestion.LivenessTimeout),
			ingestion.WithEmbedRetry(cfg.Ingestion.EmbedRetries, cfg.Ingestion.EmbedRetryDelay),
			ingestion.WithEmbedRate(cfg.Ingestion.EmbedRate, cfg.Ingestion.EmbedBurst),
		),
		WithRetrieverOptions(
			search.WithOverfetch(cfg.Retrieval.Overfetch),
			search.WithMaxTopK(cfg.Retrieval.MaxTopK),
			search.WithVerbatimBoost(cfg.Retrieval.VerbatimBoost),
		),
	}
	if cfg.Storage.InMemory {
		base = append(base, WithInMemory())
	}
	return Open(cfg.Storage.Path, append(base, opts...)...)
}

// Start starts the ingestion scheduler.
func (e *Engine) Start(ctx context.Context) error {
	return e.scheduler.Start(ctx)
}

// Stop stops the ingestion scheduler, waiting for in-flight jobs to reach
// a segment boundary until ctx ends.
func (e *Engine) Stop(ctx context.Context) error {
	return e.scheduler.Stop(ctx)
}

// Close stops the scheduler if it is running and releases the provider and
// the stores.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if err := e.scheduler.Stop(ctx); err != nil && !errors.Is(err, ingestion.ErrNotStarted) {
		e.logger.Error("error stopping scheduler", "err", err)
		errs = append(errs, err)
	}
	if err := e.provider.Close(); err != nil {
		e.logger.Error("error closing AI provider", "err", err)
		errs = append(errs, err)
	}
	if err := e.stores.Close(); err != nil {
		e.logger.Error("error closing backend storage", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stores exposes the underlying repositories.
func (e *Engine) Stores() *badger.Stores {
	return e.stores
}

func (e *Engine) Scheduler() *ingestion.Scheduler {
	return e.scheduler
}

func (e *Engine) Retriever() *search.Retriever {
	return e.retriever
}

// Healthy reports whether the engine can serve requests.
func (e *Engine) Healthy(_ context.Context) error {
	if e.stores.Backend.IsClosed() {
		return errors.New("storage is closed")
	}
	return nil
}

// CreateOrg registers a tenant.
func (e *Engine) CreateOrg(ctx context.Context, org *core.Org) (*core.Org, error) {
	return e.stores.Orgs.CreateOrg(ctx, org)
}

// GetOrg returns storage.ErrNotFound for an unknown org.
func (e *Engine) GetOrg(ctx context.Context, id string) (*core.Org, error) {
	return e.stores.Orgs.GetOrg(ctx, id)
}

// ListOrgs returns all orgs ordered by ID.
func (e *Engine) ListOrgs(ctx context.Context) ([]*core.Org, error) {
	return e.stores.Orgs.ListOrgs(ctx)
}

// CreateCollection stores a collection and registers its vector space. A
// collection without a chunk policy gets the engine default.
func (e *Engine) CreateCollection(ctx context.Context, c *core.Collection) (*core.Collection, error) {
	in := *c
	if in.Chunking == (core.ChunkPolicy{}) {
		in.Chunking = e.chunking
	}
	coll, err := e.stores.Collections.CreateCollection(ctx, &in)
	if err != nil {
		return nil, err
	}
	if err := e.stores.Vectors.EnsureCollection(ctx, coll.ID, coll.Embedding); err != nil {
		e.logger.Warn("error registering vector space", "collection", coll.ID, "err", err)
		return nil, err
	}
	e.logger.Info("collection created", "org", coll.OrgID, "collection", coll.ID,
		"model", coll.Embedding.Model, "dim", coll.Embedding.Dim)
	return coll, nil
}

// GetCollection returns the collection if it belongs to orgID.
func (e *Engine) GetCollection(ctx context.Context, orgID, id string) (*core.Collection, error) {
	coll, err := e.stores.Collections.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if coll.OrgID != orgID {
		return nil, fmt.Errorf("%w: collection %s in org %s", storage.ErrNotFound, id, orgID)
	}
	return coll, nil
}

// ListCollections returns the org's collections ordered by ID.
func (e *Engine) ListCollections(ctx context.Context, orgID string) ([]*core.Collection, error) {
	if _, err := e.stores.Orgs.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	return e.stores.Collections.ListCollections(ctx, orgID)
}

// Submit queues a source for ingestion.
func (e *Engine) Submit(ctx context.Context, req ingestion.SubmitRequest) (ingestion.SubmitResult, error) {
	return e.scheduler.Submit(ctx, req)
}

// JobStatus returns a snapshot of a job.
func (e *Engine) JobStatus(ctx context.Context, id string) (core.JobView, error) {
	return e.scheduler.Status(ctx, id)
}

// ListJobs returns job snapshots in creation order.
func (e *Engine) ListJobs(ctx context.Context, filter storage.JobFilter) ([]core.JobView, error) {
	return e.scheduler.List(ctx, filter)
}

// CancelJob cancels or flags a job for cancellation.
func (e *Engine) CancelJob(ctx context.Context, id string) (core.JobView, error) {
	return e.scheduler.Cancel(ctx, id)
}

// Chunks returns a document's chunks ordered by sequence.
func (e *Engine) Chunks(ctx context.Context, documentID string) ([]*core.Chunk, error) {
	return e.stores.Chunks.ListByDocument(ctx, documentID)
}

// Retrieve ranks a collection's chunks against a query.
func (e *Engine) Retrieve(ctx context.Context, req search.RetrieveRequest) ([]core.ChunkResult, error) {
	return e.retriever.Retrieve(ctx, req)
}
