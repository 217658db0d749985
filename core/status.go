package core

// JobStatus is the state of an ingestion job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobPartial   JobStatus = "PARTIAL"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

var transitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCanceled},
	JobRunning: {JobCompleted, JobPartial, JobFailed, JobCanceled},
}

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobPartial, JobFailed, JobCanceled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reusable reports whether a job in status s satisfies a resubmission with
// the same idempotency key. Failed and canceled jobs may be superseded.
func (s JobStatus) Reusable() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobPartial:
		return true
	}
	return false
}

// FinalStatus derives the terminal status of a job that ran to the end of
// its source.
func FinalStatus(committed, errors int) JobStatus {
	switch {
	case committed == 0:
		return JobFailed
	case errors > 0:
		return JobPartial
	default:
		return JobCompleted
	}
}
