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
	"fmt"
	"regexp"
	"sort"
)

// Chunking strategies.
const (
	StrategyFixed     = "fixed"
	StrategyRecursive = "recursive"
)

// Default chunk sizes, in characters.
const (
	DefaultMaxChars = 800
	DefaultOverlap  = 120
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidateID checks that an org or collection identifier is a slug.
func ValidateID(id string) error {
	if !slugPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidID, id, slugPattern)
	}
	return nil
}

// ValidateOrg validates an Org according to domain rules.
func ValidateOrg(org *Org) error {
	if org == nil {
		return fmt.Errorf("%w: org is nil", ErrInvalidID)
	}
	return ValidateID(org.ID)
}

// ValidateEmbeddingConfig validates an EmbeddingConfig.
//
// Validation rules:
//   - Model must not be empty
//   - Dim must be positive
//   - Metric must be empty, cosine or dot
func ValidateEmbeddingConfig(cfg EmbeddingConfig) error {
	if cfg.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidEmbeddingConfig)
	}
	if cfg.Dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidEmbeddingConfig, cfg.Dim)
	}
	switch cfg.Metric {
	case "", MetricCosine, MetricDot:
	default:
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidEmbeddingConfig, cfg.Metric)
	}
	return nil
}

// NormalizeChunkPolicy fills unset fields with defaults.
func NormalizeChunkPolicy(p ChunkPolicy) ChunkPolicy {
	if p.Strategy == "" {
		p.Strategy = StrategyFixed
	}
	if p.MaxChars == 0 {
		p.MaxChars = DefaultMaxChars
		if p.Overlap == 0 {
			p.Overlap = DefaultOverlap
		}
	}
	return p
}

// ValidateChunkPolicy validates a ChunkPolicy after normalization.
func ValidateChunkPolicy(p ChunkPolicy) error {
	switch p.Strategy {
	case StrategyFixed, StrategyRecursive:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidChunkPolicy, p.Strategy)
	}
	if p.MaxChars <= 0 {
		return fmt.Errorf("%w: max chars must be positive", ErrInvalidChunkPolicy)
	}
	if p.Overlap < 0 || p.Overlap >= p.MaxChars {
		return fmt.Errorf("%w: overlap must be in [0, %d)", ErrInvalidChunkPolicy, p.MaxChars)
	}
	return nil
}

// ValidateCollection validates a Collection according to domain rules.
//
// NOT validated (checked by storage):
//   - Org existence
//   - ID uniqueness
func ValidateCollection(c *Collection) error {
	if c == nil {
		return fmt.Errorf("%w: collection is nil", ErrInvalidID)
	}
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if err := ValidateID(c.OrgID); err != nil {
		return err
	}
	if err := ValidateEmbeddingConfig(c.Embedding); err != nil {
		return err
	}
	if err := ValidateChunkPolicy(c.Chunking); err != nil {
		return err
	}
	if c.Schema != nil {
		for name, spec := range c.Schema.Fields {
			if name == "" {
				return fmt.Errorf("%w: schema field without name", ErrInvalidMetadata)
			}
			if spec.Kind < KindString || spec.Kind > KindBool {
				return fmt.Errorf("%w: field %q has unknown kind", ErrInvalidMetadata, name)
			}
		}
	}
	return nil
}

// ValidateSource validates a SourceDescriptor.
func ValidateSource(src SourceDescriptor) error {
	switch src.Kind {
	case SourceInlineText:
		if src.Text == "" {
			return fmt.Errorf("%w: inline_text requires text", ErrInvalidSource)
		}
	case SourceFileRef, SourceURL, SourceMedia:
		if src.URI == "" {
			return fmt.Errorf("%w: %s requires uri", ErrInvalidSource, src.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSource, src.Kind)
	}
	return nil
}

// ValidateMetadata checks document metadata against a schema. A nil schema
// accepts any scalar metadata.
func ValidateMetadata(md Metadata, schema *MetadataSchema) error {
	for key, v := range md {
		if v.Kind < KindString || v.Kind > KindBool {
			return fmt.Errorf("%w: %q has no value", ErrInvalidMetadata, key)
		}
	}
	if schema == nil {
		return nil
	}
	keys := make([]string, 0, len(md))
	for key := range md {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		spec, ok := schema.Fields[key]
		if !ok {
			return fmt.Errorf("%w: %q is not declared in the collection schema", ErrInvalidMetadata, key)
		}
		if md[key].Kind != spec.Kind {
			return fmt.Errorf("%w: %q must be %s, got %s", ErrInvalidMetadata, key, spec.Kind, md[key].Kind)
		}
	}
	for name, spec := range schema.Fields {
		if _, ok := md[name]; spec.Required && !ok {
			return fmt.Errorf("%w: %q is required", ErrInvalidMetadata, name)
		}
	}
	return nil
}
