package extract

import (
	"context"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/poiesic/archivist/core"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBodyBytes = 16 << 20
	defaultUserAgent    = "archivist/0.1"
)

// WebExtractor fetches a page over HTTP and extracts its text. HTML pages
// are stripped of markup; other text content is used as is.
type WebExtractor struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

var _ Extractor = (*WebExtractor)(nil)

// WebOption configures a WebExtractor.
type WebOption func(*WebExtractor)

// WithHTTPClient sets the HTTP client used for fetches.
func WithHTTPClient(client *http.Client) WebOption {
	return func(w *WebExtractor) {
		if client != nil {
			w.client = client
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) WebOption {
	return func(w *WebExtractor) {
		w.userAgent = ua
	}
}

// WithMaxBytes caps the size of a fetched body. Larger bodies fail
// extraction.
func WithMaxBytes(n int64) WebOption {
	return func(w *WebExtractor) {
		if n > 0 {
			w.maxBytes = n
		}
	}
}

// NewWebExtractor creates a WebExtractor.
func NewWebExtractor(opts ...WebOption) *WebExtractor {
	w := &WebExtractor{
		client:    &http.Client{Timeout: defaultFetchTimeout},
		userAgent: defaultUserAgent,
		maxBytes:  defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Extract implements Extractor.
func (w *WebExtractor) Extract(ctx context.Context, src core.SourceDescriptor) iter.Seq2[core.Segment, error] {
	if !strings.HasPrefix(src.URI, "http://") && !strings.HasPrefix(src.URI, "https://") {
		return fatal(fmt.Errorf("%w: %q is not an http(s) URL", core.ErrInvalidSource, src.URI))
	}
	body, contentType, err := w.fetch(ctx, src.URI)
	if err != nil {
		return fatal(err)
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	var pieces []piece
	if strings.Contains(mediaType, "html") || Format(src) == "html" {
		pieces = htmlPieces(body, src.URI)
	} else {
		pieces = splitOn(body, pageBreak)
	}
	for i := range pieces {
		pieces[i].meta = core.Metadata{"url": core.String(src.URI)}.Merge(pieces[i].meta)
	}
	return emit(ctx, pieces, "web")
}

func (w *WebExtractor) fetch(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes+1))
	if err != nil {
		return "", "", err
	}
	if int64(len(data)) > w.maxBytes {
		return "", "", fmt.Errorf("fetch %s: %w: limit %d bytes", url, ErrBodyTooLarge, w.maxBytes)
	}
	return string(data), resp.Header.Get("Content-Type"), nil
}
