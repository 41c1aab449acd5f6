// Package tool implements the delegate side of publish delegation: the
// credential-holding service that exposes publish_post and upload_media as
// MCP tools and talks to the platforms.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/postgraph/graph"
)

// Tool defines the interface for executable tools served to the engine's
// delegation client.
//
// Call receives the raw tool arguments and returns a JSON-serializable result.
// A returned error means the call itself was malformed (missing arguments,
// unknown platform); platform failures are reported inside the result so the
// caller can classify them.
type Tool interface {
	// Name returns the tool name the client invokes, for example
	// "publish_post".
	Name() string

	// Call executes the tool with the provided input.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// ErrNoToken is returned by a TokenVault that holds no usable token for the
// requested owner, platform and connection.
var ErrNoToken = errors.New("no token")

// Token is a platform access token held by the vault.
type Token struct {
	AccessToken  string
	RefreshToken string

	// ExpiresAt is zero for tokens that do not expire.
	ExpiresAt time.Time
}

// expirySkew treats tokens expiring within this window as already expired.
const expirySkew = 30 * time.Second

// Expired reports whether t should be refreshed before use at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Add(expirySkew).Before(t.ExpiresAt)
}

// TokenVault stores platform credentials. The engine never sees tokens; only
// the delegate service reads them.
type TokenVault interface {
	// Token returns the current token. An empty connectionID selects the
	// owner's default connection for platform.
	Token(ctx context.Context, ownerID string, platform graph.Platform, connectionID string) (Token, error)

	// Refresh exchanges the refresh token and returns the new token.
	// ErrNoToken means the owner must reconnect. A non-empty token returned
	// with an error is still usable; the error reports a storage problem.
	Refresh(ctx context.Context, ownerID string, platform graph.Platform, connectionID string) (Token, error)
}

// Post is the content sent to a platform.
type Post struct {
	Text     string            `json:"text"`
	MediaID  string            `json:"media_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Upload is a media payload sent to a platform.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Platform is the platform-facing shim a tool publishes through.
type Platform interface {
	Publish(ctx context.Context, accessToken string, post Post) (postID string, err error)
	Upload(ctx context.Context, accessToken string, upload Upload) (mediaID string, err error)
}

// PlatformError is a non-success platform response.
type PlatformError struct {
	StatusCode int
	Message    string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}
