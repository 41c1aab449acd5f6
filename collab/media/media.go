// Package media downloads approved images for upload.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/logging"
)

const (
	// MaxBytes bounds a downloaded image.
	MaxBytes = 15 << 20

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	accept    = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
)

// ErrNotImage is returned when the URL does not serve an image.
var ErrNotImage = errors.New("not an image")

// StatusError is a non-2xx image response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("image download failed (%d)", e.StatusCode)
}

// Fetcher implements graph.MediaFetcher over HTTP.
//
// The article URL is sent as Referer; a 403 is repeated once with the image's
// own origin, which many CDNs accept for hotlink protection. Network errors
// and timeouts are returned as they are; the publish node records the failed
// download and publishes without the image.
type Fetcher struct {
	client *http.Client
	logger logging.Logger
}

var _ graph.MediaFetcher = (*Fetcher)(nil)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements graph.MediaFetcher.
func (f *Fetcher) Fetch(ctx context.Context, imageURL, referer string) (graph.Media, error) {
	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return graph.Media{}, fmt.Errorf("invalid image url %q", imageURL)
	}

	return f.fetchWithFallback(ctx, u, referer)
}

func (f *Fetcher) fetchWithFallback(ctx context.Context, u *url.URL, referer string) (graph.Media, error) {
	origin := u.Scheme + "://" + u.Host + "/"
	m, err := f.get(ctx, u, referer)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusForbidden && referer != origin {
		f.logger.Debug("image download forbidden, retrying with origin referer", "url", u.String())
		return f.get(ctx, u, origin)
	}
	return m, err
}

func (f *Fetcher) get(ctx context.Context, u *url.URL, referer string) (graph.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return graph.Media{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return graph.Media{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return graph.Media{}, &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBytes+1))
	if err != nil {
		return graph.Media{}, err
	}
	if len(data) > MaxBytes {
		return graph.Media{}, fmt.Errorf("image exceeds %d bytes", MaxBytes)
	}
	if len(data) == 0 {
		return graph.Media{}, errors.New("image is empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return graph.Media{}, fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}

	return graph.Media{
		Data:        data,
		ContentType: contentType,
		Filename:    filename(resp.Request.URL, contentType),
	}, nil
}

// filename is the last path segment, or "image" plus an extension for the
// content type.
func filename(u *url.URL, contentType string) string {
	if base := path.Base(u.Path); base != "." && base != "/" && base != "" && path.Ext(base) != "" {
		return base
	}
	ext := ".img"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[0]
	}
	return "image" + ext
}
