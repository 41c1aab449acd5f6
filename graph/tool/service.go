package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/delegate"
	"github.com/dshills/postgraph/logging"
)

// Service owns platform credentials and performs publish and upload on
// behalf of the engine.
//
// Before each platform call it loads the token from the vault and refreshes
// it when expired. A platform 401 triggers one refresh and one retry. Any
// failure is reported in the tool result with an error_class the client
// uses to decide whether to retry.
type Service struct {
	vault     TokenVault
	platforms map[graph.Platform]Platform
	logger    logging.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l logging.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now for token expiry checks.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service publishing through platforms.
func NewService(vault TokenVault, platforms map[graph.Platform]Platform, opts ...ServiceOption) (*Service, error) {
	if vault == nil {
		return nil, errors.New("tool: token vault is required")
	}
	if len(platforms) == 0 {
		return nil, errors.New("tool: at least one platform is required")
	}
	s := &Service{
		vault:     vault,
		platforms: platforms,
		logger:    logging.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PublishPost returns the publish_post tool.
func (s *Service) PublishPost() Tool { return publishPostTool{s} }

// UploadMedia returns the upload_media tool.
func (s *Service) UploadMedia() Tool { return uploadMediaTool{s} }

// Tools returns every tool the service exposes.
func (s *Service) Tools() []Tool { return []Tool{s.PublishPost(), s.UploadMedia()} }

type publishPostTool struct{ s *Service }

func (publishPostTool) Name() string { return delegate.ToolPublishPost }

func (t publishPostTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	target, err := t.s.target(input)
	if err != nil {
		return nil, err
	}
	text, _ := input[delegate.ArgText].(string)
	if text == "" {
		return nil, fmt.Errorf("%s parameter required (string)", delegate.ArgText)
	}
	post := Post{Text: text}
	post.MediaID, _ = input[delegate.ArgMediaID].(string)
	if post.Metadata, err = metadataArg(input[delegate.ArgMetadata]); err != nil {
		return nil, err
	}

	postID, f := t.s.invoke(ctx, target, func(access string) (string, error) {
		return target.platform.Publish(ctx, access, post)
	})
	if f != nil {
		return map[string]interface{}{
			"status":      delegate.StatusFailure,
			"error":       f.reason,
			"error_class": string(f.class),
		}, nil
	}
	t.s.logger.Info("post published", "platform", target.name, "owner_id", target.owner, "post_id", postID)
	return map[string]interface{}{
		"post_id": postID,
		"status":  delegate.StatusSuccess,
	}, nil
}

type uploadMediaTool struct{ s *Service }

func (uploadMediaTool) Name() string { return delegate.ToolUploadMedia }

func (t uploadMediaTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	target, err := t.s.target(input)
	if err != nil {
		return nil, err
	}
	encoded, _ := input[delegate.ArgMediaBase64].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("%s parameter required (base64 string)", delegate.ArgMediaBase64)
	}
	upload := Upload{Data: data}
	upload.ContentType, _ = input[delegate.ArgContentType].(string)
	upload.Filename, _ = input[delegate.ArgFilename].(string)

	mediaID, f := t.s.invoke(ctx, target, func(access string) (string, error) {
		return target.platform.Upload(ctx, access, upload)
	})
	if f != nil {
		return map[string]interface{}{
			"error":       f.reason,
			"error_class": string(f.class),
		}, nil
	}
	t.s.logger.Info("media uploaded", "platform", target.name, "owner_id", target.owner, "media_id", mediaID, "bytes", len(data))
	return map[string]interface{}{"media_id": mediaID}, nil
}

type target struct {
	name       graph.Platform
	platform   Platform
	owner      string
	connection string
}

func (s *Service) target(input map[string]interface{}) (target, error) {
	name, _ := input[delegate.ArgPlatform].(string)
	p, ok := s.platforms[graph.Platform(name)]
	if !ok {
		return target{}, fmt.Errorf("unsupported platform: %q", name)
	}
	owner, _ := input[delegate.ArgOwnerID].(string)
	if owner == "" {
		return target{}, fmt.Errorf("%s parameter required (string)", delegate.ArgOwnerID)
	}
	conn, _ := input[delegate.ArgConnectionID].(string)
	return target{name: graph.Platform(name), platform: p, owner: owner, connection: conn}, nil
}

// metadataArg accepts metadata as a JSON object string or an object.
func metadataArg(v interface{}) (map[string]string, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case string:
		if m == "" {
			return nil, nil
		}
		var out map[string]string
		if err := json.Unmarshal([]byte(m), &out); err != nil {
			return nil, fmt.Errorf("%s must be a JSON object of strings: %w", delegate.ArgMetadata, err)
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be an object", delegate.ArgMetadata)
}

type failure struct {
	reason string
	class  delegate.Class
}

func (s *Service) invoke(ctx context.Context, t target, call func(access string) (string, error)) (string, *failure) {
	tok, f := s.authorize(ctx, t)
	if f != nil {
		return "", f
	}

	id, err := call(tok.AccessToken)
	if unauthorized(err) {
		s.logger.Info("platform rejected token, refreshing", "platform", t.name, "owner_id", t.owner)
		if tok, f = s.refresh(ctx, t); f != nil {
			return "", f
		}
		id, err = call(tok.AccessToken)
	}
	if err != nil {
		f := classify(err)
		s.logger.Warn("platform call failed", "platform", t.name, "owner_id", t.owner, "class", f.class, "error", err)
		return "", f
	}
	return id, nil
}

func (s *Service) authorize(ctx context.Context, t target) (Token, *failure) {
	tok, err := s.vault.Token(ctx, t.owner, t.name, t.connection)
	switch {
	case errors.Is(err, ErrNoToken):
		return Token{}, &failure{fmt.Sprintf("no %s token; reauth required", t.name), delegate.ClassAuthRequired}
	case err != nil:
		return Token{}, &failure{"token lookup failed: " + err.Error(), delegate.ClassTransient}
	}
	if tok.Expired(s.now()) {
		return s.refresh(ctx, t)
	}
	return tok, nil
}

func (s *Service) refresh(ctx context.Context, t target) (Token, *failure) {
	tok, err := s.vault.Refresh(ctx, t.owner, t.name, t.connection)
	switch {
	case err != nil && tok.AccessToken != "":
		s.logger.Warn("refreshed token not saved", "platform", t.name, "owner_id", t.owner, "error", err)
	case errors.Is(err, ErrNoToken), refreshRejected(err):
		return Token{}, &failure{fmt.Sprintf("%s token expired; reauth required", t.name), delegate.ClassAuthRequired}
	case err != nil:
		return Token{}, &failure{"token refresh failed: " + err.Error(), delegate.ClassTransient}
	}
	return tok, nil
}

// refreshRejected reports a token endpoint answering 400 or 401.
func refreshRejected(err error) bool {
	var pe *PlatformError
	return errors.As(err, &pe) && (pe.StatusCode == http.StatusBadRequest || pe.StatusCode == http.StatusUnauthorized)
}

func unauthorized(err error) bool {
	var pe *PlatformError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized
}

func classify(err error) *failure {
	var pe *PlatformError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusUnauthorized:
			return &failure{pe.Error(), delegate.ClassAuthRequired}
		case pe.StatusCode == http.StatusTooManyRequests, pe.StatusCode >= 500:
			return &failure{pe.Error(), delegate.ClassTransient}
		}
		return &failure{pe.Error(), delegate.ClassFatal}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &failure{err.Error(), delegate.ClassFatal}
	}
	return &failure{err.Error(), delegate.ClassTransient}
}
