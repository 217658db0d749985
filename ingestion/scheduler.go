package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/archivist/ai"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/extract"
	"github.com/poiesic/archivist/storage"
	"golang.org/x/time/rate"
)

// Scheduler defaults.
const (
	DefaultPollInterval    = time.Second
	DefaultLivenessTimeout = 30 * time.Second
	DefaultEmbedAttempts   = 3
	DefaultEmbedRetryDelay = 200 * time.Millisecond
)

// Extractors resolves the extractor for a source.
type Extractors interface {
	Lookup(src core.SourceDescriptor) (extract.Extractor, error)
}

// Deps are the collaborators a Scheduler needs. All are required.
type Deps struct {
	Jobs        storage.JobStore
	Chunks      storage.ChunkStore
	Collections storage.CollectionRepository
	Vectors     storage.VectorIndex
	Embedder    ai.Embedder
	Extractors  Extractors
}

func (d Deps) validate() error {
	switch {
	case d.Jobs == nil:
		return ErrJobStoreRequired
	case d.Chunks == nil:
		return ErrChunkStoreRequired
	case d.Collections == nil:
		return ErrCollectionRepositoryRequired
	case d.Vectors == nil:
		return ErrVectorIndexRequired
	case d.Embedder == nil:
		return ErrEmbedderRequired
	case d.Extractors == nil:
		return ErrExtractorsRequired
	}
	return nil
}

// SubmitRequest asks for one source to be ingested into a collection.
type SubmitRequest struct {
	OrgID        string // optional; when set the collection must belong to it
	CollectionID string
	Source       core.SourceDescriptor
	Metadata     core.Metadata
}

// SubmitResult identifies the job that will produce the document.
// Existing is true when an earlier job with the same idempotency key was
// returned instead of a new one.
type SubmitResult struct {
	JobID      string
	DocumentID string
	Status     core.JobStatus
	Existing   bool
}

// Scheduler accepts ingestion requests and runs them on a worker pool.
type Scheduler struct {
	deps Deps

	workers       int
	perCollection int
	pollInterval  time.Duration
	liveness      time.Duration
	heartbeat     time.Duration
	embedAttempts int
	embedDelay    time.Duration
	embedRate     rate.Limit
	embedBurst    int
	workerID      string
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time

	wake chan struct{}

	mu       sync.Mutex
	pool     *ants.Pool
	started  bool
	quit     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	running  map[string]*jobRun
	perColl  map[string]int
	limiters map[string]*rate.Limiter
	inflight sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler) error

// WithPoolSize sets the number of jobs processed concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(s *Scheduler) error {
		if size < 1 {
			size = 1
		}
		s.workers = size
		return nil
	}
}

// WithPerCollectionLimit caps concurrent jobs per collection. Zero means
// only the pool size applies.
func WithPerCollectionLimit(n int) Option {
	return func(s *Scheduler) error {
		if n < 0 {
			return fmt.Errorf("per-collection limit cannot be negative: %d", n)
		}
		s.perCollection = n
		return nil
	}
}

// WithPollInterval sets how often the dispatcher looks for claimable jobs
// when nothing wakes it.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive: %s", d)
		}
		s.pollInterval = d
		return nil
	}
}

// WithLivenessTimeout sets how long a RUNNING job may go without a
// heartbeat before another worker may reclaim it.
func WithLivenessTimeout(d time.Duration) Option {
	return func(s *Scheduler) error {
		if d <= 0 {
			return fmt.Errorf("liveness timeout must be positive: %s", d)
		}
		s.liveness = d
		return nil
	}
}

// WithHeartbeatInterval sets how often a worker refreshes its claim.
// Default is a third of the liveness timeout.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Scheduler) error {
		if d <= 0 {
			return fmt.Errorf("heartbeat interval must be positive: %s", d)
		}
		s.heartbeat = d
		return nil
	}
}

// WithEmbedRetry sets the attempts and base backoff for transient
// embedding failures.
func WithEmbedRetry(attempts int, baseDelay time.Duration) Option {
	return func(s *Scheduler) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		s.embedAttempts = attempts
		s.embedDelay = baseDelay
		return nil
	}
}

// WithEmbedRate limits embedding calls per collection to perSecond with the
// given burst. Zero disables the limit.
func WithEmbedRate(perSecond float64, burst int) Option {
	return func(s *Scheduler) error {
		if perSecond < 0 {
			return fmt.Errorf("embed rate cannot be negative: %v", perSecond)
		}
		s.embedRate = rate.Inf
		if perSecond > 0 {
			s.embedRate = rate.Limit(perSecond)
		}
		s.embedBurst = max(burst, 1)
		return nil
	}
}

// WithWorkerID names this process in job claims.
func WithWorkerID(id string) Option {
	return func(s *Scheduler) error {
		if id == "" {
			return errors.New("worker id cannot be empty")
		}
		s.workerID = id
		return nil
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) error {
		if r == nil {
			r = nopRecorder{}
		}
		s.recorder = r
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewScheduler creates a scheduler. It does not process jobs until Start.
func NewScheduler(deps Deps, opts ...Option) (*Scheduler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	s := &Scheduler{
		deps:          deps,
		workers:       max(runtime.NumCPU()/2, 1),
		pollInterval:  DefaultPollInterval,
		liveness:      DefaultLivenessTimeout,
		embedAttempts: DefaultEmbedAttempts,
		embedDelay:    DefaultEmbedRetryDelay,
		embedRate:     rate.Inf,
		embedBurst:    1,
		workerID:      host + "-" + uuid.NewString()[:8],
		recorder:      nopRecorder{},
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		wake:          make(chan struct{}, 1),
		running:       make(map[string]*jobRun),
		perColl:       make(map[string]int),
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.heartbeat == 0 {
		s.heartbeat = s.liveness / 3
	}
	s.logger = s.logger.With("component", "scheduler", "worker", s.workerID)
	return s, nil
}

// Submit validates the request and records a PENDING job. It never
// extracts or embeds; the job runs later on the worker pool.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	coll, err := s.deps.Collections.GetCollection(ctx, req.CollectionID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("collection %q: %w", req.CollectionID, err)
	}
	if req.OrgID != "" && coll.OrgID != req.OrgID {
		return SubmitResult{}, fmt.Errorf("collection %q in org %q: %w", req.CollectionID, req.OrgID, storage.ErrNotFound)
	}
	if err := core.ValidateSource(req.Source); err != nil {
		return SubmitResult{}, err
	}
	if err := core.ValidateMetadata(req.Metadata, coll.Schema); err != nil {
		return SubmitResult{}, err
	}
	if _, err := s.deps.Extractors.Lookup(req.Source); err != nil {
		return SubmitResult{}, err
	}
	hash, err := extract.Fingerprint(req.Source)
	if err != nil {
		return SubmitResult{}, err
	}

	job := &core.Job{
		ID:             uuid.NewString(),
		OrgID:          coll.OrgID,
		CollectionID:   coll.ID,
		Source:         req.Source,
		Metadata:       req.Metadata.Clone(),
		DocumentIDs:    []string{uuid.NewString()},
		IdempotencyKey: core.IdempotencyKey(coll.ID, hash),
		ContentHash:    hash,
	}
	stored, created, err := s.deps.Jobs.CreateJob(ctx, job)
	if err != nil {
		return SubmitResult{}, err
	}
	s.recorder.JobSubmitted(!created)
	if created {
		s.logger.Debug("job submitted", "job", stored.ID, "collection", coll.ID, "kind", req.Source.Kind)
		s.nudge()
	} else {
		s.logger.Debug("resubmission matched existing job", "job", stored.ID, "status", stored.Status)
	}
	return SubmitResult{
		JobID:      stored.ID,
		DocumentID: documentID(stored),
		Status:     stored.Status,
		Existing:   !created,
	}, nil
}

// Cancel requests cancellation. PENDING jobs are canceled at once; RUNNING
// jobs stop at their next segment boundary.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (core.JobView, error) {
	job, err := s.deps.Jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return core.JobView{}, err
	}
	s.mu.Lock()
	if r := s.running[jobID]; r != nil {
		r.cancelRequested.Store(true)
	}
	s.mu.Unlock()
	return job.View(), nil
}

// Status returns a snapshot of the job as stored.
func (s *Scheduler) Status(ctx context.Context, jobID string) (core.JobView, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return core.JobView{}, err
	}
	return job.View(), nil
}

// List returns snapshots of the jobs matching filter, oldest first.
func (s *Scheduler) List(ctx context.Context, filter storage.JobFilter) ([]core.JobView, error) {
	jobs, err := s.deps.Jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]core.JobView, len(jobs))
	for i, job := range jobs {
		views[i] = job.View()
	}
	return views, nil
}

// Start launches the dispatcher and the worker pool. The context's values
// are kept but its cancellation is not; use Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.pool = pool
	s.cancel = cancel
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true
	go s.dispatch(runCtx, s.quit, s.done)
	s.logger.Info("scheduler started", "workers", s.workers, "per_collection", s.perCollection,
		"liveness", s.liveness)
	return nil
}

// Stop stops claiming jobs and waits for in-flight jobs to reach a segment
// boundary and release their claims. If ctx ends first, in-flight work is
// interrupted; those jobs stay RUNNING and are reclaimed later.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	close(s.quit)
	cancel, pool, done := s.cancel, s.pool, s.done
	s.mu.Unlock()

	<-done
	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		s.logger.Warn("stop deadline reached, interrupting in-flight jobs")
		cancel()
		<-finished
		err = ctx.Err()
	}
	cancel()
	pool.Release()
	s.logger.Info("scheduler stopped")
	return err
}

// Busy returns the number of jobs this scheduler is processing.
func (s *Scheduler) Busy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		s.fill(ctx, quit)
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// fill claims claimable jobs until the pool is full.
func (s *Scheduler) fill(ctx context.Context, quit <-chan struct{}) {
	free := s.workers - s.Busy()
	if free <= 0 {
		return
	}
	now := s.now()
	staleBefore := now.Add(-s.liveness)
	candidates, err := s.deps.Jobs.ListClaimable(ctx, staleBefore, s.workers*8)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("error listing claimable jobs", "err", err)
		}
		return
	}

	for _, job := range candidates {
		if free == 0 {
			return
		}
		select {
		case <-quit:
			return
		default:
		}
		if !s.reserve(job) {
			continue
		}
		claimed, err := s.deps.Jobs.ClaimJob(ctx, job.ID, s.workerID, now, staleBefore)
		if err != nil {
			s.unreserve(job.ID, job.CollectionID)
			if errors.Is(err, core.ErrConcurrencyConflict) {
				s.logger.Debug("lost claim race", "job", job.ID)
			} else if ctx.Err() == nil {
				s.logger.Error("error claiming job", "job", job.ID, "err", err)
			}
			continue
		}
		if job.Status == core.JobRunning {
			s.logger.Info("reclaiming stale job", "job", job.ID, "previous_worker", job.ClaimedBy)
		}

		r := newJobRun(s, claimed, quit)
		s.mu.Lock()
		s.running[job.ID] = r
		busy := len(s.running)
		s.mu.Unlock()
		s.recorder.WorkersBusy(busy)

		s.inflight.Add(1)
		if err := s.pool.Submit(func() {
			defer s.finished(r)
			r.run(ctx)
		}); err != nil {
			s.inflight.Done()
			s.unreserve(job.ID, job.CollectionID)
			s.logger.Error("error submitting job to pool", "job", job.ID, "err", err)
			r.release(ctx)
			continue
		}
		free--
	}
}

// reserve holds a pool slot for job unless it is already running here or
// its collection is at its cap.
func (s *Scheduler) reserve(job *core.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[job.ID]; ok {
		return false
	}
	if s.perCollection > 0 && s.perColl[job.CollectionID] >= s.perCollection {
		return false
	}
	s.running[job.ID] = nil
	s.perColl[job.CollectionID]++
	return true
}

func (s *Scheduler) unreserve(jobID, collectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
	if s.perColl[collectionID]--; s.perColl[collectionID] <= 0 {
		delete(s.perColl, collectionID)
	}
}

func (s *Scheduler) finished(r *jobRun) {
	s.unreserve(r.job.ID, r.job.CollectionID)
	s.recorder.WorkersBusy(s.Busy())
	s.inflight.Done()
	s.nudge()
}

func (s *Scheduler) limiter(collectionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[collectionID]
	if !ok {
		l = rate.NewLimiter(s.embedRate, s.embedBurst)
		s.limiters[collectionID] = l
	}
	return l
}

func documentID(job *core.Job) string {
	if len(job.DocumentIDs) == 0 {
		return ""
	}
	return job.DocumentIDs[0]
}
