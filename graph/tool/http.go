package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes bounds how much of a platform response body is read.
const maxResponseBytes = 1 << 20

// HTTPPlatform is a Platform that talks JSON over HTTP to a platform API
// gateway.
//
// Requests:
//   - POST {base}/posts with a JSON Post body
//   - POST {base}/media with the raw bytes; Content-Type and X-Filename headers
//
// Both send "Authorization: Bearer <token>" and expect {"id": "..."} on 2xx.
// Any other status becomes a *PlatformError carrying the response body.
//
// Example usage:
//
//	twitter := NewHTTPPlatform("https://gateway.internal/twitter")
//	id, err := twitter.Publish(ctx, token, Post{Text: "hello"})
type HTTPPlatform struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPlatform creates a platform client rooted at baseURL.
func NewHTTPPlatform(baseURL string) *HTTPPlatform {
	return &HTTPPlatform{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			// Timeout handled via context
		},
	}
}

// WithHTTPClient replaces the underlying client.
func (h *HTTPPlatform) WithHTTPClient(c *http.Client) *HTTPPlatform {
	h.client = c
	return h
}

// Publish creates a post.
func (h *HTTPPlatform) Publish(ctx context.Context, accessToken string, post Post) (string, error) {
	body, err := json.Marshal(post)
	if err != nil {
		return "", fmt.Errorf("failed to encode post: %w", err)
	}
	return h.do(ctx, "/posts", accessToken, "application/json", nil, body)
}

// Upload stores media and returns its platform ID.
func (h *HTTPPlatform) Upload(ctx context.Context, accessToken string, upload Upload) (string, error) {
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var headers map[string]string
	if upload.Filename != "" {
		headers = map[string]string{"X-Filename": upload.Filename}
	}
	return h.do(ctx, "/media", accessToken, contentType, headers, upload.Data)
}

func (h *HTTPPlatform) do(ctx context.Context, path, accessToken, contentType string, headers map[string]string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &PlatformError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("response has no id")
	}
	return out.ID, nil
}

// errorMessage prefers a JSON {"error": ...} or {"message": ...} field over
// the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}
