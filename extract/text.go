package extract

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/archivist/core"
)

// pageBreak separates pages in plain text exports.
const pageBreak = "\f"

// maxPageBytes bounds a single page read from a text file.
const maxPageBytes = 64 << 20

// TextExtractor reads plain text, inline or from a file. Form feeds split
// the text into page segments. Files are opened when the sequence is
// iterated and read one page at a time.
type TextExtractor struct{}

var _ Extractor = (*TextExtractor)(nil)

// NewTextExtractor creates a TextExtractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// Extract implements Extractor.
func (e *TextExtractor) Extract(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error] {
	var open func() (io.ReadCloser, error)
	switch src.Kind {
	case core.SourceInlineText:
		open = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(src.Text)), nil
		}
	case core.SourceFileRef:
		path := filePath(src.URI)
		open = func() (io.ReadCloser, error) {
			return os.Open(path)
		}
	default:
		return fatal(fmt.Errorf("%w: %s", ErrUnsupportedSource, src.Kind))
	}
	return streamPages(ctx, open)
}

// streamPages yields the non-blank form-feed pages of the reader returned
// by open. Each iteration reopens the source.
func streamPages(ctx context.Context, open func() (io.ReadCloser, error)) iter.Seq2[core.Segment, error] {
	return func(yield func(core.Segment, error) bool) {
		fail := func(err error) {
			yield(core.Segment{Index: -1}, core.NewExtractionError(-1, err))
		}
		rc, err := open()
		if err != nil {
			fail(err)
			return
		}
		defer rc.Close()

		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 0, 64*1024), maxPageBytes)
		sc.Split(scanPages)
		index, offset := 0, 0
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
			page := sc.Text()
			start := offset
			offset += utf8.RuneCountInString(page) + 1
			if strings.TrimSpace(page) == "" {
				continue
			}
			seg := core.Segment{
				Index:    index,
				Text:     page,
				Start:    start,
				End:      start + utf8.RuneCountInString(page),
				Metadata: core.Metadata{MetaMethod: core.String("text")},
			}
			index++
			if !yield(seg, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			fail(err)
			return
		}
		if index == 0 {
			fail(ErrEmptyContent)
		}
	}
}

// scanPages is a bufio.SplitFunc that cuts at form feeds.
func scanPages(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\f'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func readText(src core.SourceDescriptor) (string, error) {
	switch src.Kind {
	case core.SourceInlineText:
		return src.Text, nil
	case core.SourceFileRef:
		data, err := os.ReadFile(filePath(src.URI))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, src.Kind)
}

// MarkdownExtractor splits markdown into one segment per heading section.
// Text before the first heading forms its own segment.
type MarkdownExtractor struct{}

var _ Extractor = (*MarkdownExtractor)(nil)

// NewMarkdownExtractor creates a MarkdownExtractor.
func NewMarkdownExtractor() *MarkdownExtractor {
	return &MarkdownExtractor{}
}

var headingLine = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t#]*$`)

// Extract implements Extractor.
func (e *MarkdownExtractor) Extract(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error] {
	text, err := readText(src)
	if err != nil {
		return fatal(err)
	}
	return emit(ctx, markdownSections(text), "markdown")
}

func markdownSections(text string) []piece {
	bounds := headingLine.FindAllStringSubmatchIndex(text, -1)
	var out []piece
	add := func(from, to int, heading string) {
		body := text[from:to]
		if strings.TrimSpace(body) == "" {
			return
		}
		p := piece{text: body, start: len([]rune(text[:from]))}
		if heading != "" {
			p.meta = core.Metadata{"section": core.String(heading)}
		}
		out = append(out, p)
	}
	prev, heading := 0, ""
	for _, b := range bounds {
		add(prev, b[0], heading)
		prev, heading = b[0], text[b[2]:b[3]]
	}
	add(prev, len(text), heading)
	return out
}
