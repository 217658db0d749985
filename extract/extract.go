// Package extract turns source descriptors into ordered segments of text.
//
// Extractors are looked up by source kind and format. A registry without a
// matching extractor reports a configuration error, which fails the job
// without retries.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/poiesic/archivist/core"
)

var (
	// ErrUnsupportedSource indicates no extractor is registered for a
	// source kind and format.
	ErrUnsupportedSource = errors.New("unsupported source")

	// ErrEmptyContent indicates the source produced no text at all.
	ErrEmptyContent = errors.New("source has no extractable content")

	// ErrBodyTooLarge indicates a fetched body exceeded the size cap.
	ErrBodyTooLarge = errors.New("response body too large")
)

// Extractor yields the segments of one source, in order. The returned
// sequence may be iterated again and yields the same segments for the same
// content. An error yielded with a segment index affects only that segment;
// an error yielded with Index -1 ends extraction.
type Extractor interface {
	Extract(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error]
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error]

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error] {
	return f(ctx, src)
}

// Segment metadata keys set by the built-in extractors.
const (
	MetaTitle  = "title"
	MetaMethod = "extraction_method"
)

// anyFormat registers an extractor for every format of a kind.
const anyFormat = "*"

// Registry maps (kind, format) pairs to extractors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// NewDefaultRegistry creates a registry with the built-in extractors:
// inline text, text/markdown/HTML files and web pages. Media has no
// built-in extractor.
func NewDefaultRegistry(opts ...WebOption) *Registry {
	r := NewRegistry()
	r.Register(core.SourceInlineText, anyFormat, NewTextExtractor())
	r.Register(core.SourceFileRef, "txt", NewTextExtractor())
	r.Register(core.SourceFileRef, "md", NewMarkdownExtractor())
	r.Register(core.SourceFileRef, "html", NewHTMLExtractor())
	r.Register(core.SourceURL, anyFormat, NewWebExtractor(opts...))
	return r
}

func registryKey(kind core.SourceKind, format string) string {
	return string(kind) + "/" + format
}

// Register installs e for kind and format. Format "*" matches any format
// without a more specific registration.
func (r *Registry) Register(kind core.SourceKind, format string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[registryKey(kind, format)] = e
}

// RegisterAny installs e for every format of kind.
func (r *Registry) RegisterAny(kind core.SourceKind, e Extractor) {
	r.Register(kind, anyFormat, e)
}

// Lookup returns the extractor for src. A missing extractor is a
// configuration error.
func (r *Registry) Lookup(src core.SourceDescriptor) (Extractor, error) {
	format := Format(src)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.extractors[registryKey(src.Kind, format)]; ok {
		return e, nil
	}
	if e, ok := r.extractors[registryKey(src.Kind, anyFormat)]; ok {
		return e, nil
	}
	return nil, core.NewConfigurationError(fmt.Errorf("%w: kind %q format %q", ErrUnsupportedSource, src.Kind, format))
}

// Format returns the descriptor's format, inferred from the URI extension
// when omitted. Inline text defaults to txt.
func Format(src core.SourceDescriptor) string {
	if src.Format != "" {
		return strings.ToLower(src.Format)
	}
	if src.Kind == core.SourceInlineText {
		return "txt"
	}
	uri := src.URI
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	switch ext := strings.TrimPrefix(strings.ToLower(path.Ext(uri)), "."); ext {
	case "markdown":
		return "md"
	case "htm", "xhtml":
		return "html"
	case "text":
		return "txt"
	default:
		return ext
	}
}

// Fingerprint returns the content hash used for deduplication. Inline text
// and files are hashed by content; URLs and media by their URI, since
// fetching them is the worker's job.
func Fingerprint(src core.SourceDescriptor) (string, error) {
	switch src.Kind {
	case core.SourceInlineText:
		return core.HashContent(src.Text), nil
	case core.SourceFileRef:
		f, err := os.Open(filePath(src.URI))
		if err != nil {
			return "", fmt.Errorf("%w: %v", core.ErrInvalidSource, err)
		}
		defer f.Close()
		h := core.NewContentHasher()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return h.Sum(), nil
	default:
		return core.HashContent(string(src.Kind) + "\x00" + src.URI), nil
	}
}

func filePath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// Collect drains an extraction into a slice, stopping at the first error.
func Collect(seq iter.Seq2[core.Segment, error]) ([]core.Segment, error) {
	var out []core.Segment
	for seg, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// fatal yields a single extraction-ending error.
func fatal(err error) iter.Seq2[core.Segment, error] {
	return func(yield func(core.Segment, error) bool) {
		yield(core.Segment{Index: -1}, core.NewExtractionError(-1, err))
	}
}

// piece is a span of source text that becomes one segment.
type piece struct {
	text  string
	start int // rune offset in the source
	meta  core.Metadata
}

// splitOn cuts text at every sep, keeping rune offsets and dropping blank
// pieces.
func splitOn(text, sep string) []piece {
	var out []piece
	offset := 0
	sepRunes := len([]rune(sep))
	for _, part := range strings.Split(text, sep) {
		if strings.TrimSpace(part) != "" {
			out = append(out, piece{text: part, start: offset})
		}
		offset += len([]rune(part)) + sepRunes
	}
	return out
}

// emit yields pieces as consecutive segments. No pieces at all is an
// extraction error.
func emit(ctx context.Context, pieces []piece, method string) iter.Seq2[core.Segment, error] {
	if len(pieces) == 0 {
		return fatal(ErrEmptyContent)
	}
	return func(yield func(core.Segment, error) bool) {
		for i, p := range pieces {
			if err := ctx.Err(); err != nil {
				yield(core.Segment{Index: -1}, core.NewExtractionError(-1, err))
				return
			}
			md := core.Metadata{MetaMethod: core.String(method)}.Merge(p.meta)
			seg := core.Segment{
				Index:    i,
				Text:     p.text,
				Start:    p.start,
				End:      p.start + len([]rune(p.text)),
				Metadata: md,
			}
			if !yield(seg, nil) {
				return
			}
		}
	}
}
