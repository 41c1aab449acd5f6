package graph

import "context"

// Asset is an image discovered while scraping an article.
type Asset struct {
	URL     string `json:"url"`
	AltText string `json:"alt_text,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// Article is the scraped form of an ingested URL.
type Article struct {
	Title  string
	Text   string
	Assets []Asset

	// Metadata carries page meta tags such as "og:image".
	Metadata map[string]string
}

// Scraper fetches article text and assets.
type Scraper interface {
	Fetch(ctx context.Context, url string) (Article, error)
}

// GenerationInput is the material a Generator drafts from.
type GenerationInput struct {
	Platform Platform
	Title    string
	URL      string
	Text     string
	Insights []string
}

// Generator drafts the post text for one platform.
type Generator interface {
	Generate(ctx context.Context, in GenerationInput) (string, error)
}

// Analysis summarizes an article before drafting.
type Analysis struct {
	Topic          string   `json:"topic"`
	KeyInsights    []string `json:"key_insights,omitempty"`
	Tone           string   `json:"tone"`
	RelevanceScore float64  `json:"relevance_score"`
}

// Analyzer optionally classifies an article. When no Analyzer is configured
// the engine scores relevance with a text heuristic.
type Analyzer interface {
	Analyze(ctx context.Context, title, text string) (Analysis, error)
}

// Credentials answers whether a usable platform token exists. It never
// exposes the token itself.
type Credentials interface {
	HasValidToken(ctx context.Context, ownerID string, platform Platform, connectionID string) (bool, error)
}

// Connections resolves the default linked account for a platform.
type Connections interface {
	ResolveDefault(ctx context.Context, ownerID string, platform Platform) (connectionID string, ok bool, err error)
}

// Media is downloaded image content.
type Media struct {
	Data        []byte
	ContentType string
	Filename    string
}

// MediaFetcher downloads an approved image.
type MediaFetcher interface {
	Fetch(ctx context.Context, imageURL, referer string) (Media, error)
}

// UploadRequest asks the delegate to upload media for a platform.
type UploadRequest struct {
	Platform     Platform
	OwnerID      string
	ConnectionID string
	Media        Media
}

// PublishRequest asks the delegate to publish a post.
type PublishRequest struct {
	Platform     Platform
	OwnerID      string
	ConnectionID string
	Text         string
	MediaID      string
	Metadata     map[string]string
}

// Delegate performs platform-facing operations on behalf of an owner. It is
// the only component that holds credentials and the only one that retries.
//
// Implementations return an error matching ErrAuthRequired when the owner
// must reconnect the platform.
type Delegate interface {
	UploadMedia(ctx context.Context, req UploadRequest) (mediaID string, err error)
	PublishPost(ctx context.Context, req PublishRequest) (postID string, err error)
}

// Collaborators are the external dependencies an Engine drives.
//
// Scraper, Generator, Credentials, Connections and Delegate are required.
// Analyzer and Media are optional: without Media every image upload is
// skipped and posts are published as text.
type Collaborators struct {
	Scraper     Scraper
	Generator   Generator
	Analyzer    Analyzer
	Credentials Credentials
	Connections Connections
	Delegate    Delegate
	Media       MediaFetcher
}

func (c Collaborators) validate() error {
	switch {
	case c.Scraper == nil:
		return &EngineError{Message: "scraper is required", Code: "MISSING_COLLABORATOR"}
	case c.Generator == nil:
		return &EngineError{Message: "generator is required", Code: "MISSING_COLLABORATOR"}
	case c.Credentials == nil:
		return &EngineError{Message: "credential collaborator is required", Code: "MISSING_COLLABORATOR"}
	case c.Connections == nil:
		return &EngineError{Message: "connection collaborator is required", Code: "MISSING_COLLABORATOR"}
	case c.Delegate == nil:
		return &EngineError{Message: "delegate is required", Code: "MISSING_COLLABORATOR"}
	}
	return nil
}
