package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/poiesic/archivist/core"
)

// Protocol names the wire contract of query responses.
const Protocol = "brp-v0.1"

type orgRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type orgResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func orgToResponse(o *core.Org) orgResponse {
	return orgResponse{ID: o.ID, DisplayName: o.DisplayName, CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt}
}

type embeddingDTO struct {
	Model     string `json:"model"`
	Dim       int    `json:"dim"`
	Normalize bool   `json:"normalize,omitempty"`
	Metric    string `json:"metric,omitempty"`
}

type fieldDTO struct {
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

type chunkingDTO struct {
	Strategy string `json:"strategy,omitempty"`
	MaxChars int    `json:"max_chars,omitempty"`
	Overlap  int    `json:"overlap,omitempty"`
}

type collectionRequest struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Embedding embeddingDTO        `json:"embedding"`
	Schema    map[string]fieldDTO `json:"metadata_schema,omitempty"`
	Chunking  *chunkingDTO        `json:"chunking,omitempty"`
}

func (req collectionRequest) toCore(orgID string) (*core.Collection, error) {
	c := &core.Collection{
		ID:    req.ID,
		OrgID: orgID,
		Name:  req.Name,
		Embedding: core.EmbeddingConfig{
			Model:     req.Embedding.Model,
			Dim:       req.Embedding.Dim,
			Normalize: req.Embedding.Normalize,
			Metric:    req.Embedding.Metric,
		},
	}
	if req.Schema != nil {
		c.Schema = &core.MetadataSchema{Fields: make(map[string]core.FieldSpec, len(req.Schema))}
		for name, f := range req.Schema {
			kind, err := core.ParseValueKind(f.Type)
			if err != nil {
				return nil, fmt.Errorf("metadata_schema.%s: %w", name, err)
			}
			c.Schema.Fields[name] = core.FieldSpec{Kind: kind, Required: f.Required}
		}
	}
	if req.Chunking != nil {
		c.Chunking = core.ChunkPolicy{
			Strategy: req.Chunking.Strategy,
			MaxChars: req.Chunking.MaxChars,
			Overlap:  req.Chunking.Overlap,
		}
	}
	return c, nil
}

type collectionResponse struct {
	ID        string              `json:"id"`
	OrgID     string              `json:"org_id"`
	Name      string              `json:"name,omitempty"`
	Embedding embeddingDTO        `json:"embedding"`
	Schema    map[string]fieldDTO `json:"metadata_schema,omitempty"`
	Chunking  chunkingDTO         `json:"chunking"`
	CreatedAt time.Time           `json:"created_at"`
}

func collectionToResponse(c *core.Collection) collectionResponse {
	resp := collectionResponse{
		ID:    c.ID,
		OrgID: c.OrgID,
		Name:  c.Name,
		Embedding: embeddingDTO{
			Model:     c.Embedding.Model,
			Dim:       c.Embedding.Dim,
			Normalize: c.Embedding.Normalize,
			Metric:    c.Embedding.Metric,
		},
		Chunking: chunkingDTO{
			Strategy: c.Chunking.Strategy,
			MaxChars: c.Chunking.MaxChars,
			Overlap:  c.Chunking.Overlap,
		},
		CreatedAt: c.CreatedAt,
	}
	if c.Schema != nil {
		resp.Schema = make(map[string]fieldDTO, len(c.Schema.Fields))
		for name, f := range c.Schema.Fields {
			resp.Schema[name] = fieldDTO{Type: f.Kind.String(), Required: f.Required}
		}
	}
	return resp
}

type sourceDTO struct {
	Kind   core.SourceKind `json:"kind"`
	Text   string          `json:"text,omitempty"`
	URI    string          `json:"uri,omitempty"`
	Format string          `json:"format,omitempty"`
}

type ingestRequest struct {
	Source   sourceDTO     `json:"source"`
	Metadata core.Metadata `json:"metadata,omitempty"`
}

type ingestResponse struct {
	JobID      string         `json:"job_id"`
	DocumentID string         `json:"document_id"`
	Status     core.JobStatus `json:"status"`
	Existing   bool           `json:"existing"`
}

type jobErrorDTO struct {
	Segment    int       `json:"segment"`
	DocumentID string    `json:"document_id,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

type jobResponse struct {
	JobID           string         `json:"job_id"`
	CollectionID    string         `json:"collection_id"`
	Status          core.JobStatus `json:"status"`
	DocumentIDs     []string       `json:"document_ids"`
	ChunksCommitted int            `json:"chunks_committed"`
	ChunksFailed    int            `json:"chunks_failed"`
	SegmentsFailed  int            `json:"segments_failed"`
	Errors          []jobErrorDTO  `json:"errors"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func jobToResponse(v core.JobView) jobResponse {
	resp := jobResponse{
		JobID:           v.JobID,
		CollectionID:    v.CollectionID,
		Status:          v.Status,
		DocumentIDs:     v.DocumentIDs,
		ChunksCommitted: v.ChunksCommitted,
		ChunksFailed:    v.ChunksFailed,
		SegmentsFailed:  v.SegmentsFailed,
		Errors:          make([]jobErrorDTO, len(v.Errors)),
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
	if resp.DocumentIDs == nil {
		resp.DocumentIDs = []string{}
	}
	for i, e := range v.Errors {
		resp.Errors[i] = jobErrorDTO{Segment: e.Segment, DocumentID: e.DocumentID, Kind: e.Kind, Message: e.Message, At: e.At}
	}
	return resp
}

// filterDTO maps metadata keys to a scalar, meaning equality, or to an
// object of operators:
//
//	{"lang": "en", "year": {"gte": 2020, "lt": 2024}}
type filterDTO map[string]json.RawMessage

func (f filterDTO) toCore() (core.Filter, error) {
	var filter core.Filter
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		raw := bytes.TrimSpace(f[key])
		if len(raw) > 0 && raw[0] == '{' {
			var ops map[string]core.Value
			if err := json.Unmarshal(raw, &ops); err != nil {
				return core.Filter{}, fmt.Errorf("%w: %s: %v", core.ErrInvalidFilter, key, err)
			}
			names := make([]string, 0, len(ops))
			for op := range ops {
				names = append(names, op)
			}
			slices.Sort(names)
			for _, op := range names {
				filter.Conditions = append(filter.Conditions, core.Condition{Key: key, Op: core.FilterOp(op), Value: ops[op]})
			}
			continue
		}
		var v core.Value
		if err := json.Unmarshal(raw, &v); err != nil {
			return core.Filter{}, fmt.Errorf("%w: %s: %v", core.ErrInvalidFilter, key, err)
		}
		filter.Conditions = append(filter.Conditions, core.Eq(key, v))
	}
	return filter, filter.Validate()
}

type queryRequest struct {
	Query  string    `json:"query"`
	TopK   int       `json:"top_k"`
	Filter filterDTO `json:"filter,omitempty"`
}

type spanDTO struct {
	Segment     int `json:"segment"`
	Start       int `json:"start"`
	End         int `json:"end"`
	SourceStart int `json:"source_start"`
	SourceEnd   int `json:"source_end"`
}

type resultDTO struct {
	ChunkID    core.ID       `json:"chunk_id"`
	DocumentID string        `json:"document_id"`
	Seq        int           `json:"seq"`
	Score      float32       `json:"score"`
	Text       string        `json:"text"`
	Metadata   core.Metadata `json:"metadata"`
	Spans      []spanDTO     `json:"spans,omitempty"`
}

type queryResponse struct {
	Results  []resultDTO `json:"results"`
	Protocol string      `json:"protocol"`
}

func resultsToResponse(results []core.ChunkResult) queryResponse {
	resp := queryResponse{Results: make([]resultDTO, len(results)), Protocol: Protocol}
	for i, r := range results {
		md := r.Metadata
		if md == nil {
			md = core.Metadata{}
		}
		spans := make([]spanDTO, len(r.Spans))
		for j, s := range r.Spans {
			spans[j] = spanDTO{
				Segment:     s.Segment,
				Start:       s.Start,
				End:         s.End,
				SourceStart: s.SourceStart,
				SourceEnd:   s.SourceEnd,
			}
		}
		resp.Results[i] = resultDTO{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Seq:        r.Seq,
			Score:      r.Score,
			Text:       r.Text,
			Metadata:   md,
			Spans:      spans,
		}
	}
	return resp
}
