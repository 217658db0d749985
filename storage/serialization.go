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


package storage

import (
	"sort"

	"github.com/poiesic/archivist/core"
)

// MarshalID serializes an ID to bytes.
func MarshalID(id core.ID) []byte {
	var e encoder
	e.uint64(uint64(id))
	return e.buf
}

// UnmarshalID deserializes an ID from bytes.
func UnmarshalID(data []byte) (core.ID, error) {
	d := newDecoder(data)
	id := core.ID(d.uint64())
	return id, d.finish()
}

// MarshalOrg serializes an Org to bytes.
func MarshalOrg(org *core.Org) []byte {
	var e encoder
	e.string(org.ID)
	e.string(org.DisplayName)
	e.time(org.CreatedAt)
	e.time(org.UpdatedAt)
	return e.buf
}

// UnmarshalOrg deserializes an Org from bytes.
func UnmarshalOrg(data []byte) (*core.Org, error) {
	d := newDecoder(data)
	org := &core.Org{
		ID:          d.string(),
		DisplayName: d.string(),
		CreatedAt:   d.time(),
		UpdatedAt:   d.time(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return org, nil
}

func (e *encoder) embedding(cfg core.EmbeddingConfig) {
	e.string(cfg.Model)
	e.int(cfg.Dim)
	e.bool(cfg.Normalize)
	e.string(cfg.Metric)
}

func (d *decoder) embedding() core.EmbeddingConfig {
	return core.EmbeddingConfig{
		Model:     d.string(),
		Dim:       d.int(),
		Normalize: d.bool(),
		Metric:    d.string(),
	}
}

// MarshalEmbeddingConfig serializes an EmbeddingConfig to bytes.
func MarshalEmbeddingConfig(cfg core.EmbeddingConfig) []byte {
	var e encoder
	e.embedding(cfg)
	return e.buf
}

// UnmarshalEmbeddingConfig deserializes an EmbeddingConfig from bytes.
func UnmarshalEmbeddingConfig(data []byte) (core.EmbeddingConfig, error) {
	d := newDecoder(data)
	cfg := d.embedding()
	return cfg, d.finish()
}

// MarshalCollection serializes a Collection to bytes.
func MarshalCollection(c *core.Collection) []byte {
	var e encoder
	e.string(c.ID)
	e.string(c.OrgID)
	e.string(c.Name)
	e.embedding(c.Embedding)
	e.bool(c.Schema != nil)
	if c.Schema != nil {
		names := make([]string, 0, len(c.Schema.Fields))
		for name := range c.Schema.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		e.int(len(names))
		for _, name := range names {
			spec := c.Schema.Fields[name]
			e.string(name)
			e.uint64(uint64(spec.Kind))
			e.bool(spec.Required)
		}
	}
	e.string(c.Chunking.Strategy)
	e.int(c.Chunking.MaxChars)
	e.int(c.Chunking.Overlap)
	e.time(c.CreatedAt)
	return e.buf
}

// UnmarshalCollection deserializes a Collection from bytes.
func UnmarshalCollection(data []byte) (*core.Collection, error) {
	d := newDecoder(data)
	c := &core.Collection{
		ID:        d.string(),
		OrgID:     d.string(),
		Name:      d.string(),
		Embedding: d.embedding(),
	}
	if d.bool() {
		n := d.length()
		c.Schema = &core.MetadataSchema{Fields: make(map[string]core.FieldSpec, n)}
		for i := 0; i < n && d.err == nil; i++ {
			name := d.string()
			c.Schema.Fields[name] = core.FieldSpec{
				Kind:     core.ValueKind(d.uint64()),
				Required: d.bool(),
			}
		}
	}
	c.Chunking = core.ChunkPolicy{
		Strategy: d.string(),
		MaxChars: d.int(),
		Overlap:  d.int(),
	}
	c.CreatedAt = d.time()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// MarshalDocument serializes a Document to bytes.
func MarshalDocument(doc *core.Document) []byte {
	var e encoder
	e.string(doc.ID)
	e.string(doc.CollectionID)
	e.string(doc.JobID)
	e.source(doc.Source)
	e.metadata(doc.Metadata)
	e.string(doc.ContentHash)
	e.string(doc.Title)
	e.time(doc.CreatedAt)
	return e.buf
}

// UnmarshalDocument deserializes a Document from bytes.
func UnmarshalDocument(data []byte) (*core.Document, error) {
	d := newDecoder(data)
	doc := &core.Document{
		ID:           d.string(),
		CollectionID: d.string(),
		JobID:        d.string(),
		Source:       d.source(),
		Metadata:     d.metadata(),
		ContentHash:  d.string(),
		Title:        d.string(),
		CreatedAt:    d.time(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return doc, nil
}

// MarshalChunk serializes a Chunk to bytes.
func MarshalChunk(c *core.Chunk) []byte {
	var e encoder
	e.uint64(uint64(c.ID))
	e.string(c.DocumentID)
	e.string(c.CollectionID)
	e.int(c.Seq)
	e.string(c.Text)
	e.metadata(c.Metadata)
	e.int(len(c.Spans))
	for _, sp := range c.Spans {
		e.int(sp.Segment)
		e.int(sp.Start)
		e.int(sp.End)
		e.int(sp.SourceStart)
		e.int(sp.SourceEnd)
	}
	e.bool(c.Indexed)
	e.time(c.CreatedAt)
	return e.buf
}

// UnmarshalChunk deserializes a Chunk from bytes.
func UnmarshalChunk(data []byte) (*core.Chunk, error) {
	d := newDecoder(data)
	c := &core.Chunk{
		ID:           core.ID(d.uint64()),
		DocumentID:   d.string(),
		CollectionID: d.string(),
		Seq:          d.int(),
		Text:         d.string(),
		Metadata:     d.metadata(),
	}
	if n := d.length(); n > 0 {
		c.Spans = make([]core.Span, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			c.Spans = append(c.Spans, core.Span{
				Segment:     d.int(),
				Start:       d.int(),
				End:         d.int(),
				SourceStart: d.int(),
				SourceEnd:   d.int(),
			})
		}
	}
	c.Indexed = d.bool()
	c.CreatedAt = d.time()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// MarshalJob serializes a Job to bytes.
func MarshalJob(j *core.Job) []byte {
	var e encoder
	e.string(j.ID)
	e.string(j.OrgID)
	e.string(j.CollectionID)
	e.source(j.Source)
	e.metadata(j.Metadata)
	e.strings(j.DocumentIDs)
	e.string(string(j.Status))
	e.int(j.ChunksCommitted)
	e.int(j.ChunksFailed)
	e.int(j.SegmentsFailed)
	e.int(len(j.Errors))
	for _, je := range j.Errors {
		e.int(je.Segment)
		e.string(je.DocumentID)
		e.string(je.Kind)
		e.string(je.Message)
		e.time(je.At)
	}
	e.string(j.IdempotencyKey)
	e.string(j.ContentHash)
	e.string(j.ClaimedBy)
	e.uint64(j.ClaimToken)
	e.time(j.HeartbeatAt)
	e.bool(j.CancelRequested)
	e.int(j.NextSegment)
	e.int(j.NextSeq)
	e.time(j.CreatedAt)
	e.time(j.UpdatedAt)
	e.time(j.StartedAt)
	e.time(j.CompletedAt)
	return e.buf
}

// UnmarshalJob deserializes a Job from bytes.
func UnmarshalJob(data []byte) (*core.Job, error) {
	d := newDecoder(data)
	j := &core.Job{
		ID:              d.string(),
		OrgID:           d.string(),
		CollectionID:    d.string(),
		Source:          d.source(),
		Metadata:        d.metadata(),
		DocumentIDs:     d.strings(),
		Status:          core.JobStatus(d.string()),
		ChunksCommitted: d.int(),
		ChunksFailed:    d.int(),
		SegmentsFailed:  d.int(),
	}
	if n := d.length(); n > 0 {
		j.Errors = make([]core.JobError, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			j.Errors = append(j.Errors, core.JobError{
				Segment:    d.int(),
				DocumentID: d.string(),
				Kind:       d.string(),
				Message:    d.string(),
				At:         d.time(),
			})
		}
	}
	j.IdempotencyKey = d.string()
	j.ContentHash = d.string()
	j.ClaimedBy = d.string()
	j.ClaimToken = d.uint64()
	j.HeartbeatAt = d.time()
	j.CancelRequested = d.bool()
	j.NextSegment = d.int()
	j.NextSeq = d.int()
	j.CreatedAt = d.time()
	j.UpdatedAt = d.time()
	j.StartedAt = d.time()
	j.CompletedAt = d.time()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return j, nil
}

// MarshalVectorEntry serializes a VectorEntry to bytes. The chunk ID lives in
// the key and is not repeated.
func MarshalVectorEntry(v *VectorEntry) []byte {
	var e encoder
	e.string(v.DocumentID)
	e.float32s(v.Vector)
	e.metadata(v.Metadata)
	return e.buf
}

// UnmarshalVectorEntry deserializes a VectorEntry from bytes.
func UnmarshalVectorEntry(data []byte) (*VectorEntry, error) {
	d := newDecoder(data)
	v := &VectorEntry{
		DocumentID: d.string(),
		Vector:     d.float32s(),
		Metadata:   d.metadata(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return v, nil
}
