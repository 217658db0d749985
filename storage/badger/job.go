package badger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
)

// JobStore implements storage.JobStore for BadgerDB. Every mutation is a
// read-modify-write transaction; badger's conflict detection turns them into
// compare-and-set operations.
type JobStore struct {
	backend *Backend
}

var _ storage.JobStore = (*JobStore)(nil)

// NewJobStore creates a new JobStore.
func NewJobStore(backend *Backend) *JobStore {
	return &JobStore{backend: backend}
}

// CreateJob stores a PENDING job unless a reusable job shares its
// idempotency key.
func (s *JobStore) CreateJob(ctx context.Context, job *core.Job) (*core.Job, bool, error) {
	var (
		result  *core.Job
		created bool
	)
	err := s.backend.Update(ctx, func(tx *badger.Txn) error {
		created = false
		if job.IdempotencyKey != "" {
			prevID, err := get(tx, makeJobIdemKey(job.IdempotencyKey), decodeString)
			switch {
			case err == nil:
				prev, err := get(tx, makeJobKey(prevID), storage.UnmarshalJob)
				if err != nil {
					return err
				}
				if prev.Status.Reusable() {
					result = prev
					return nil
				}
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		stored := *job
		if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		found, err := exists(tx, makeJobKey(stored.ID))
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: job %q", storage.ErrAlreadyExists, stored.ID)
		}
		now := timestamp()
		stored.Status = core.JobPending
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now

		if err := tx.Set(makeJobKey(stored.ID), storage.MarshalJob(&stored)); err != nil {
			return err
		}
		if err := tx.Set(makeJobTimeKey(stored.CreatedAt, stored.ID), []byte(stored.ID)); err != nil {
			return err
		}
		if err := tx.Set(makeJobStatusKey(stored.Status, stored.CreatedAt, stored.ID), []byte(stored.ID)); err != nil {
			return err
		}
		if stored.IdempotencyKey != "" {
			if err := tx.Set(makeJobIdemKey(stored.IdempotencyKey), []byte(stored.ID)); err != nil {
				return err
			}
		}
		result = &stored
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func decodeString(val []byte) (string, error) {
	return string(val), nil
}

// GetJob retrieves a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job *core.Job
	err := s.backend.View(func(tx *badger.Txn) error {
		var err error
		job, err = get(tx, makeJobKey(id), storage.UnmarshalJob)
		return err
	})
	return job, err
}

// ListJobs returns jobs in creation order.
func (s *JobStore) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*core.Job, error) {
	prefix := []byte(jobTimePrefix)
	if filter.Status != "" {
		prefix = makeJobStatusPrefix(filter.Status)
	}
	var jobs []*core.Job
	err := s.backend.View(func(tx *badger.Txn) error {
		ids, err := indexedIDs(tx, prefix)
		if err != nil {
			return err
		}
		for _, id := range ids {
			job, err := get(tx, makeJobKey(id), storage.UnmarshalJob)
			if err != nil {
				return err
			}
			if filter.CollectionID != "" && job.CollectionID != filter.CollectionID {
				continue
			}
			jobs = append(jobs, job)
			if filter.Limit > 0 && len(jobs) == filter.Limit {
				break
			}
		}
		return nil
	})
	return jobs, err
}

// ListClaimable returns PENDING jobs and stale RUNNING jobs, oldest first.
func (s *JobStore) ListClaimable(ctx context.Context, staleBefore time.Time, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.backend.View(func(tx *badger.Txn) error {
		for _, status := range []core.JobStatus{core.JobPending, core.JobRunning} {
			ids, err := indexedIDs(tx, makeJobStatusPrefix(status))
			if err != nil {
				return err
			}
			for _, id := range ids {
				job, err := get(tx, makeJobKey(id), storage.UnmarshalJob)
				if err != nil {
					return err
				}
				if claimable(job, staleBefore) {
					jobs = append(jobs, job)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(jobs, func(a, b *core.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func claimable(job *core.Job, staleBefore time.Time) bool {
	switch job.Status {
	case core.JobPending:
		return true
	case core.JobRunning:
		return job.HeartbeatAt.Before(staleBefore)
	}
	return false
}

// indexedIDs collects the job IDs stored as values under an index prefix.
func indexedIDs(tx *badger.Txn, prefix []byte) ([]string, error) {
	var ids []string
	err := scan(tx, prefix, nil, func(_, val []byte) error {
		ids = append(ids, string(val))
		return nil
	})
	return ids, err
}

// ClaimJob moves a claimable job to RUNNING under worker.
func (s *JobStore) ClaimJob(ctx context.Context, id, worker string, now, staleBefore time.Time) (*core.Job, error) {
	var claimed *core.Job
	err := s.backend.Update(ctx, func(tx *badger.Txn) error {
		job, err := get(tx, makeJobKey(id), storage.UnmarshalJob)
		if err != nil {
			return err
		}
		if !claimable(job, staleBefore) {
			return fmt.Errorf("%w: job %s is %s", core.ErrConcurrencyConflict, id, job.Status)
		}
		prev := job.Status
		job.Status = core.JobRunning
		job.ClaimedBy = worker
		job.ClaimToken++
		job.HeartbeatAt = now
		if job.StartedAt.IsZero() {
			job.StartedAt = now
		}
		job.UpdatedAt = now
		if err := s.write(tx, job, prev); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateJob applies fn to the job if the caller still holds its claim.
func (s *JobStore) UpdateJob(ctx context.Context, id string, token uint64, fn func(job *core.Job) error) (*core.Job, error) {
	var updated *core.Job
	err := s.backend.Update(ctx, func(tx *badger.Txn) error {
		job, err := get(tx, makeJobKey(id), storage.UnmarshalJob)
		if err != nil {
			return err
		}
		if job.ClaimToken != token {
			return fmt.Errorf("%w: job %s was claimed by %s", core.ErrConcurrencyConflict, id, job.ClaimedBy)
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s is already %s", core.ErrInvalidTransition, id, job.Status)
		}
		prev := job.Status
		if err := fn(job); err != nil {
			return err
		}
		if job.Status != prev && !prev.CanTransition(job.Status) {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, prev, job.Status)
		}
		now := timestamp()
		if job.Status.Terminal() && job.CompletedAt.IsZero() {
			job.CompletedAt = now
		}
		job.UpdatedAt = now
		if err := s.write(tx, job, prev); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RequestCancel cancels a PENDING job directly and flags a RUNNING one for
// its worker.
func (s *JobStore) RequestCancel(ctx context.Context, id string) (*core.Job, error) {
	var result *core.Job
	err := s.backend.Update(ctx, func(tx *badger.Txn) error {
		job, err := get(tx, makeJobKey(id), storage.UnmarshalJob)
		if err != nil {
			return err
		}
		prev := job.Status
		now := timestamp()
		switch job.Status {
		case core.JobPending:
			job.Status = core.JobCanceled
			job.CompletedAt = now
		case core.JobRunning:
			if job.CancelRequested {
				result = job
				return nil
			}
			job.CancelRequested = true
		default:
			return fmt.Errorf("%w: job %s is already %s", core.ErrInvalidTransition, id, job.Status)
		}
		job.UpdatedAt = now
		if err := s.write(tx, job, prev); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// write stores the job and moves its status index entry when the status
// changed from prev.
func (s *JobStore) write(tx *badger.Txn, job *core.Job, prev core.JobStatus) error {
	if err := tx.Set(makeJobKey(job.ID), storage.MarshalJob(job)); err != nil {
		return err
	}
	if job.Status == prev {
		return nil
	}
	if err := tx.Delete(makeJobStatusKey(prev, job.CreatedAt, job.ID)); err != nil {
		return err
	}
	return tx.Set(makeJobStatusKey(job.Status, job.CreatedAt, job.ID), []byte(job.ID))
}
