package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestHashContent(t *testing.T) {
	a := HashContent("test content")
	b := HashContent("test content")
	if a != b {
		t.Errorf("HashContent() produced different digests for same content: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("HashContent() digest length = %d, want 64", len(a))
	}
	if HashContent("content1") == HashContent("content2") {
		t.Errorf("HashContent() produced same digest for different content")
	}
}

func TestIdempotencyKey(t *testing.T) {
	h := HashContent("body")
	if IdempotencyKey("a", h) != IdempotencyKey("a", h) {
		t.Error("IdempotencyKey() is not deterministic")
	}
	if IdempotencyKey("a", h) == IdempotencyKey("b", h) {
		t.Error("IdempotencyKey() must depend on the collection")
	}
}

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobCanceled, true},
		{JobPending, JobCompleted, false},
		{JobRunning, JobPartial, true},
		{JobRunning, JobPending, false},
		{JobCompleted, JobRunning, false},
		{JobFailed, JobPending, false},
		{JobCanceled, JobRunning, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}

	for _, s := range []JobStatus{JobCompleted, JobPartial, JobFailed, JobCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if JobRunning.Terminal() || JobPending.Terminal() {
		t.Error("pending and running are not terminal")
	}
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		committed, errs int
		want            JobStatus
	}{
		{committed: 3, errs: 0, want: JobCompleted},
		{committed: 2, errs: 1, want: JobPartial},
		{committed: 0, errs: 1, want: JobFailed},
		{committed: 0, errs: 0, want: JobFailed},
	}
	for _, tt := range tests {
		if got := FinalStatus(tt.committed, tt.errs); got != tt.want {
			t.Errorf("FinalStatus(%d, %d) = %s, want %s", tt.committed, tt.errs, got, tt.want)
		}
	}
}

func TestJobViewIsACopy(t *testing.T) {
	job := &Job{ID: "j1", DocumentIDs: []string{"d1"}, Errors: []JobError{{Segment: 1}}}
	view := job.View()
	job.DocumentIDs[0] = "changed"
	job.Errors[0].Segment = 7
	if view.DocumentIDs[0] != "d1" || view.Errors[0].Segment != 1 {
		t.Errorf("View() shares memory with the job: %+v", view)
	}
}

func TestStageErrors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err  error
		kind string
	}{
		{NewExtractionError(1, cause), KindExtraction},
		{NewChunkingError(1, cause), KindChunking},
		{NewEmbeddingError(2, cause), KindEmbedding},
		{NewIndexUpsertError(2, cause), KindIndexUpsert},
		{NewConfigurationError(cause), KindConfiguration},
		{cause, KindStorage},
		{fmt.Errorf("wrapped: %w", NewEmbeddingError(0, cause)), KindEmbedding},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.kind)
		}
		if !errors.Is(tt.err, cause) {
			t.Errorf("%v should wrap its cause", tt.err)
		}
	}
	if !IsConfigurationError(NewConfigurationError(cause)) || IsConfigurationError(NewEmbeddingError(0, cause)) {
		t.Error("IsConfigurationError() misclassified")
	}
}

func TestValueJSON(t *testing.T) {
	var md Metadata
	if err := json.Unmarshal([]byte(`{"lang":"en","year":2024,"draft":false}`), &md); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !md["lang"].Equal(String("en")) || !md["year"].Equal(Number(2024)) || !md["draft"].Equal(Bool(false)) {
		t.Errorf("decoded metadata = %+v", md)
	}
	if err := json.Unmarshal([]byte(`{"tags":["a"]}`), &md); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("arrays should be rejected, got %v", err)
	}

	out, err := json.Marshal(Metadata{"year": Number(2024)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"year":2024}` {
		t.Errorf("marshal = %s", out)
	}
}

func TestMetadataMerge(t *testing.T) {
	base := Metadata{"lang": String("en"), "year": Number(2020)}
	merged := base.Merge(Metadata{"year": Number(2024)})
	if !merged["year"].Equal(Number(2024)) || !merged["lang"].Equal(String("en")) {
		t.Errorf("Merge() = %+v", merged)
	}
	if !base["year"].Equal(Number(2020)) {
		t.Error("Merge() modified the receiver")
	}
}
