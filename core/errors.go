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


package core

import (
	"errors"
	"fmt"
)

// Domain validation errors
var (
	// ErrInvalidID indicates an org or collection identifier is malformed.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrInvalidEmbeddingConfig indicates a collection's embedding config is unusable.
	ErrInvalidEmbeddingConfig = errors.New("invalid embedding config")

	// ErrInvalidChunkPolicy indicates a chunk policy cannot be applied.
	ErrInvalidChunkPolicy = errors.New("invalid chunk policy")

	// ErrInvalidSource indicates a source descriptor is incomplete or unknown.
	ErrInvalidSource = errors.New("invalid source descriptor")

	// ErrInvalidMetadata indicates metadata violates the collection schema.
	ErrInvalidMetadata = errors.New("invalid metadata")

	// ErrInvalidFilter indicates a malformed query filter.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrEmptyQuery indicates a retrieval request without query text.
	ErrEmptyQuery = errors.New("query cannot be empty")
)

// Job state errors
var (
	// ErrConcurrencyConflict indicates the job is claimed by another worker
	// or changed underneath the caller.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidTransition indicates the state machine forbids the change.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Failure kinds recorded in JobError.Kind.
const (
	KindExtraction    = "extraction"
	KindChunking      = "chunking"
	KindEmbedding     = "embedding"
	KindIndexUpsert   = "index_upsert"
	KindConfiguration = "configuration"
	KindStorage       = "storage"
)

// StageError is a failure in one stage of ingestion, attributed to a segment.
// Segment is -1 when no segment applies.
type StageError struct {
	Kind    string
	Segment int
	Err     error
}

func (e *StageError) Error() string {
	if e.Segment < 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (segment %d): %v", e.Kind, e.Segment, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExtractionError reports that content could not be extracted.
type ExtractionError struct{ StageError }

// ChunkingError reports that a segment could not be split.
type ChunkingError struct{ StageError }

// EmbeddingError reports that the embedding capability failed.
type EmbeddingError struct{ StageError }

// IndexUpsertError reports that a vector could not be written to the index.
type IndexUpsertError struct{ StageError }

// ConfigurationError reports an unusable collection or job configuration.
// It is never retried.
type ConfigurationError struct{ StageError }

// NewExtractionError wraps err as an extraction failure.
func NewExtractionError(segment int, err error) error {
	return &ExtractionError{StageError{Kind: KindExtraction, Segment: segment, Err: err}}
}

// NewChunkingError wraps err as a chunking failure.
func NewChunkingError(segment int, err error) error {
	return &ChunkingError{StageError{Kind: KindChunking, Segment: segment, Err: err}}
}

// NewEmbeddingError wraps err as an embedding failure.
func NewEmbeddingError(segment int, err error) error {
	return &EmbeddingError{StageError{Kind: KindEmbedding, Segment: segment, Err: err}}
}

// NewIndexUpsertError wraps err as a vector upsert failure.
func NewIndexUpsertError(segment int, err error) error {
	return &IndexUpsertError{StageError{Kind: KindIndexUpsert, Segment: segment, Err: err}}
}

// NewConfigurationError wraps err as a configuration failure.
func NewConfigurationError(err error) error {
	return &ConfigurationError{StageError{Kind: KindConfiguration, Segment: -1, Err: err}}
}

// KindOf returns the failure kind of err, or KindStorage for errors outside
// the ingestion taxonomy.
func KindOf(err error) string {
	var se interface{ stage() *StageError }
	if errors.As(err, &se) {
		return se.stage().Kind
	}
	return KindStorage
}

func (e *StageError) stage() *StageError { return e }

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
