// Package scrape implements the ingestion collaborator: fetching an article
// URL and returning its text, assets and page metadata.
package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dshills/postgraph/graph"
)

// maxPageBytes bounds how much of a page or API response is read.
const maxPageBytes = 5 << 20

const defaultUserAgent = "postgraph/1.0 (+article ingestion)"

// Option configures a scraper.
type Option func(*options)

type options struct {
	client    *http.Client
	userAgent string
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithTimeout sets the per-request timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.client = &http.Client{Timeout: d}
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

func newOptions(opts []Option) options {
	o := options{client: &http.Client{Timeout: 60 * time.Second}, userAgent: defaultUserAgent}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// HTMLScraper fetches pages directly and extracts the article body.
type HTMLScraper struct {
	opts options
}

var _ graph.Scraper = (*HTMLScraper)(nil)

// NewHTMLScraper creates a scraper that GETs the article itself.
func NewHTMLScraper(opts ...Option) *HTMLScraper {
	return &HTMLScraper{opts: newOptions(opts)}
}

// Fetch implements graph.Scraper.
func (s *HTMLScraper) Fetch(ctx context.Context, rawURL string) (graph.Article, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return graph.Article{}, fmt.Errorf("invalid url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return graph.Article{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.opts.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.opts.client.Do(req)
	if err != nil {
		return graph.Article{}, fmt.Errorf("fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return graph.Article{}, fmt.Errorf("fetch failed (%d)", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return graph.Article{}, fmt.Errorf("unsupported content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return graph.Article{}, fmt.Errorf("failed to read page: %w", err)
	}
	// Redirects change the base for relative image URLs.
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	return Extract(base, bytes.NewReader(body))
}
