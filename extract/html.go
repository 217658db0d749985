package extract

import (
	"context"
	"html"
	"iter"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/poiesic/archivist/core"
)

// HTMLExtractor converts an HTML file to text. The page is one segment
// carrying the document title.
type HTMLExtractor struct{}

var _ Extractor = (*HTMLExtractor)(nil)

// NewHTMLExtractor creates an HTMLExtractor.
func NewHTMLExtractor() *HTMLExtractor {
	return &HTMLExtractor{}
}

// Extract implements Extractor.
func (e *HTMLExtractor) Extract(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error] {
	raw, err := readText(src)
	if err != nil {
		return fatal(err)
	}
	return emit(ctx, htmlPieces(raw, src.URI), "html")
}

func htmlPieces(raw, uri string) []piece {
	text := stripHTML(raw)
	if text == "" {
		return nil
	}
	return []piece{{
		text: text,
		meta: core.Metadata{MetaTitle: core.String(htmlTitle(raw, uri))},
	}}
}

// Pre-compiled regular expressions for HTML parsing performance.
var (
	titleTag        = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptTag       = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag        = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	noscriptTag     = regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`)
	headTag         = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	svgTag          = regexp.MustCompile(`(?is)<svg[^>]*>.*?</svg>`)
	htmlComments    = regexp.MustCompile(`(?s)<!--.*?-->`)
	closeBlockTags  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article)>`)
	openBlockTags   = regexp.MustCompile(`(?i)<(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article)[^>]*>`)
	lineBreakTags   = regexp.MustCompile(`(?i)<(br|hr)\s*/?>`)
	anyTag          = regexp.MustCompile(`<[^>]+>`)
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
)

// htmlTitle returns the <title> text, or a name derived from the URI.
func htmlTitle(content, uri string) string {
	if m := titleTag.FindStringSubmatch(content); len(m) > 1 {
		if title := strings.TrimSpace(html.UnescapeString(m[1])); title != "" {
			return title
		}
	}
	name := filepath.Base(strings.TrimRight(uri, "/"))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return strings.NewReplacer("_", " ", "-", " ").Replace(name)
}

// stripHTML removes markup and returns readable text, one block per line.
func stripHTML(content string) string {
	for _, re := range []*regexp.Regexp{scriptTag, styleTag, noscriptTag, headTag, svgTag, htmlComments} {
		content = re.ReplaceAllString(content, "")
	}
	content = openBlockTags.ReplaceAllString(content, "\n")
	content = closeBlockTags.ReplaceAllString(content, "\n")
	content = lineBreakTags.ReplaceAllString(content, "\n")
	content = anyTag.ReplaceAllString(content, "")
	content = html.UnescapeString(content)
	content = horizontalSpace.ReplaceAllString(content, " ")

	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
