package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dshills/postgraph/graph"
)

// DefaultFirecrawlURL is the hosted Firecrawl API.
const DefaultFirecrawlURL = "https://api.firecrawl.dev"

// ErrMissingAPIKey is returned when a Firecrawl scraper has no API key.
var ErrMissingAPIKey = errors.New("firecrawl API key is not set")

// Firecrawl scrapes through the Firecrawl /v1/scrape API, asking for the
// main content as markdown and HTML. Images are taken from the response when
// Firecrawl reports them, else extracted from the returned HTML.
type Firecrawl struct {
	baseURL string
	apiKey  string
	opts    options
}

var _ graph.Scraper = (*Firecrawl)(nil)

// NewFirecrawl creates a Firecrawl scraper. An empty baseURL uses
// DefaultFirecrawlURL.
func NewFirecrawl(baseURL, apiKey string, opts ...Option) *Firecrawl {
	if baseURL == "" {
		baseURL = DefaultFirecrawlURL
	}
	return &Firecrawl{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		opts:    newOptions(opts),
	}
}

type firecrawlRequest struct {
	URL                string   `json:"url"`
	Formats            []string `json:"formats"`
	IncludeTags        []string `json:"includeTags,omitempty"`
	ExcludeTags        []string `json:"excludeTags,omitempty"`
	OnlyMainContent    bool     `json:"onlyMainContent"`
	Timeout            int      `json:"timeout"`
	WaitFor            int      `json:"waitFor,omitempty"`
	BlockAds           bool     `json:"blockAds"`
	RemoveBase64Images bool     `json:"removeBase64Images"`
}

type firecrawlResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string                     `json:"markdown"`
		HTML     string                     `json:"html"`
		Metadata map[string]json.RawMessage `json:"metadata"`
		Images   []json.RawMessage          `json:"images"`
	} `json:"data"`
}

type firecrawlImage struct {
	Src    string `json:"src"`
	URL    string `json:"url"`
	Alt    string `json:"alt"`
	Width  any    `json:"width"`
	Height any    `json:"height"`
}

// Fetch implements graph.Scraper.
func (f *Firecrawl) Fetch(ctx context.Context, rawURL string) (graph.Article, error) {
	if f.apiKey == "" {
		return graph.Article{}, ErrMissingAPIKey
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return graph.Article{}, fmt.Errorf("invalid url: %w", err)
	}

	payload, err := json.Marshal(firecrawlRequest{
		URL:                rawURL,
		Formats:            []string{"markdown", "html"},
		IncludeTags:        []string{"article", "main"},
		ExcludeTags:        []string{"nav", "footer", "aside"},
		OnlyMainContent:    true,
		Timeout:            45000,
		WaitFor:            1500,
		BlockAds:           true,
		RemoveBase64Images: true,
	})
	if err != nil {
		return graph.Article{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/scrape", bytes.NewReader(payload))
	if err != nil {
		return graph.Article{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.opts.userAgent)

	resp, err := f.opts.client.Do(req)
	if err != nil {
		return graph.Article{}, fmt.Errorf("firecrawl request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return graph.Article{}, fmt.Errorf("failed to read firecrawl response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return graph.Article{}, fmt.Errorf("firecrawl scrape failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out firecrawlResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return graph.Article{}, fmt.Errorf("failed to decode firecrawl response: %w", err)
	}
	if out.Success != nil && !*out.Success {
		return graph.Article{}, fmt.Errorf("firecrawl scrape unsuccessful: %s", out.Error)
	}
	return f.article(base, out)
}

func (f *Firecrawl) article(base *url.URL, resp firecrawlResponse) (graph.Article, error) {
	meta := flattenMetadata(resp.Data.Metadata)

	var fromHTML graph.Article
	if resp.Data.HTML != "" {
		parsed, err := Extract(base, strings.NewReader(resp.Data.HTML))
		if err == nil {
			fromHTML = parsed
		}
	}

	a := graph.Article{
		Title:    meta["title"],
		Text:     strings.TrimSpace(resp.Data.Markdown),
		Metadata: meta,
	}
	if a.Title == "" {
		a.Title = firstNonEmpty(meta["og:title"], fromHTML.Title)
	}
	if a.Text == "" {
		a.Text = fromHTML.Text
	}

	a.Assets = images(base, resp.Data.Images)
	if len(a.Assets) == 0 {
		a.Assets = fromHTML.Assets
	}
	seen := map[string]bool{}
	for _, asset := range a.Assets {
		seen[asset.URL] = true
	}
	for _, key := range []string{"og:image", "twitter:image"} {
		if u := resolve(base, meta[key]); u != "" {
			meta[key] = u
			if !seen[u] {
				seen[u] = true
				a.Assets = append(a.Assets, graph.Asset{URL: u})
			}
		}
	}
	return a, nil
}

// flattenMetadata keeps string values (and the first string of arrays) and
// maps Firecrawl's camelCase image keys onto their meta tag names.
func flattenMetadata(raw map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[strings.ToLower(k)] = strings.TrimSpace(s)
			continue
		}
		var list []string
		if json.Unmarshal(v, &list) == nil && len(list) > 0 {
			out[strings.ToLower(k)] = strings.TrimSpace(list[0])
		}
	}
	aliases := map[string]string{"ogimage": "og:image", "ogtitle": "og:title", "twitterimage": "twitter:image"}
	for from, to := range aliases {
		if v := out[from]; v != "" && out[to] == "" {
			out[to] = v
		}
	}
	return out
}

// images accepts Firecrawl image entries as URL strings or objects.
func images(base *url.URL, raw []json.RawMessage) []graph.Asset {
	var out []graph.Asset
	seen := map[string]bool{}
	for _, r := range raw {
		var img firecrawlImage
		var s string
		if json.Unmarshal(r, &s) == nil {
			img.Src = s
		} else if json.Unmarshal(r, &img) != nil {
			continue
		}
		u := resolve(base, firstNonEmpty(img.Src, img.URL))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, graph.Asset{
			URL:     u,
			AltText: strings.TrimSpace(img.Alt),
			Width:   dimension(img.Width),
			Height:  dimension(img.Height),
		})
	}
	return out
}

func dimension(v any) int {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return int(n)
		}
	case string:
		return atoi(n)
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
