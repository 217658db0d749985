package ingestion

import (
	"time"

	"github.com/poiesic/archivist/core"
)

// Segment outcomes reported to a Recorder.
const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
)

// Recorder observes job processing. Implementations must be safe for
// concurrent use.
type Recorder interface {
	JobSubmitted(existing bool)
	JobFinished(status core.JobStatus)
	SegmentProcessed(outcome string, chunks int)
	EmbeddingObserved(model string, elapsed time.Duration, err error)
	WorkersBusy(n int)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted(bool)                              {}
func (nopRecorder) JobFinished(core.JobStatus)                     {}
func (nopRecorder) SegmentProcessed(string, int)                   {}
func (nopRecorder) EmbeddingObserved(string, time.Duration, error) {}
func (nopRecorder) WorkersBusy(int)                                {}
