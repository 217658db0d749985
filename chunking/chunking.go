// Package chunking splits extracted segments into retrievable chunks.
//
// Chunking is pure and deterministic: the same segments and policy always
// produce the same drafts. Chunks never cross segment boundaries, and every
// draft records where its text sits inside its segment.
package chunking

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/poiesic/archivist/core"
	"github.com/tmc/langchaingo/textsplitter"
)

// ErrUnsplittable indicates a splitter failed on a segment.
var ErrUnsplittable = errors.New("segment cannot be split")

// Draft is a chunk before it has been stored.
type Draft struct {
	Seq      int
	Text     string
	Span     core.Span
	Metadata core.Metadata
}

// Chunker applies one chunk policy.
type Chunker struct {
	policy core.ChunkPolicy
	split  func(text string) ([]string, error)
}

// New validates policy and returns a Chunker for it. Zero fields take the
// defaults. An invalid policy is a configuration error.
func New(policy core.ChunkPolicy) (*Chunker, error) {
	policy = core.NormalizeChunkPolicy(policy)
	if err := core.ValidateChunkPolicy(policy); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	c := &Chunker{policy: policy}
	if policy.Strategy == core.StrategyRecursive {
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(policy.MaxChars),
			textsplitter.WithChunkOverlap(policy.Overlap),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		)
		c.split = splitter.SplitText
	}
	return c, nil
}

// Policy returns the normalized policy.
func (c *Chunker) Policy() core.ChunkPolicy {
	return c.policy
}

// Chunk splits every segment and numbers the drafts from startSeq.
func Chunk(segments []core.Segment, policy core.ChunkPolicy, startSeq int) ([]Draft, error) {
	c, err := New(policy)
	if err != nil {
		return nil, err
	}
	var out []Draft
	seq := startSeq
	for _, seg := range segments {
		drafts, err := c.Segment(seg, seq)
		if err != nil {
			return out, err
		}
		out = append(out, drafts...)
		seq += len(drafts)
	}
	return out, nil
}

// Segment splits one segment, numbering drafts from startSeq. A segment with
// no visible text yields no drafts.
func (c *Chunker) Segment(seg core.Segment, startSeq int) ([]Draft, error) {
	var pieces []piece
	if c.split != nil {
		texts, err := c.split(seg.Text)
		if err != nil {
			return nil, core.NewChunkingError(seg.Index, fmt.Errorf("%w: %v", ErrUnsplittable, err))
		}
		pieces = locate(seg.Text, texts)
	} else {
		pieces = windows([]rune(seg.Text), c.policy.MaxChars, c.policy.Overlap)
	}

	drafts := make([]Draft, 0, len(pieces))
	for _, p := range pieces {
		if strings.TrimSpace(p.text) == "" {
			continue
		}
		drafts = append(drafts, Draft{
			Seq:      startSeq + len(drafts),
			Text:     p.text,
			Span: core.Span{
				Segment:     seg.Index,
				Start:       p.start,
				End:         p.end,
				SourceStart: seg.Start + p.start,
				SourceEnd:   seg.Start + p.end,
			},
			Metadata: seg.Metadata.Clone(),
		})
	}
	return drafts, nil
}

type piece struct {
	text       string
	start, end int
}

// windows cuts runes into windows of at most size runes, each starting
// overlap runes before the previous one ended. A window that would split a
// word is shortened to the last whitespace in its second half.
func windows(runes []rune, size, overlap int) []piece {
	var out []piece
	start := 0
	for start < len(runes) {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}
		out = append(out, piece{text: string(runes[start:end]), start: start, end: end})
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// locate finds each split in text, in order, and records its rune span.
// Splits that cannot be found exactly get the span of the whole text.
func locate(text string, texts []string) []piece {
	out := make([]piece, 0, len(texts))
	from := 0
	total := utf8.RuneCountInString(text)
	for _, p := range texts {
		i := strings.Index(text[from:], p)
		if i < 0 {
			out = append(out, piece{text: p, start: 0, end: total})
			continue
		}
		b := from + i
		start := utf8.RuneCountInString(text[:b])
		out = append(out, piece{text: p, start: start, end: start + utf8.RuneCountInString(p)})
		// Overlapping pieces may begin inside the previous one.
		_, w := utf8.DecodeRuneInString(text[b:])
		from = b + w
	}
	return out
}
