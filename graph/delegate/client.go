// Package delegate implements the publish delegation client: the only
// component that talks to the credential-holding delegate service and the
// only one that retries.
package delegate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/logging"
)

// Caller invokes a remote tool and returns its text result.
//
// Implementations return a *ToolError when the remote side rejected the call
// and any other error for transport failures.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// RetryRecorder receives one notification per retry.
// *graph.PrometheusMetrics implements it.
type RetryRecorder interface {
	IncrementDelegateRetries(operation, platform, reason string)
}

// Client implements graph.Delegate over a Caller.
//
// Failures are classified as transient, auth_required or fatal. Transient
// failures are retried with exponential backoff up to the policy bound; the
// engine only ever sees the final outcome. Auth failures match
// ErrAuthRequired.
type Client struct {
	caller  Caller
	policy  RetryPolicy
	metrics retryMetrics
	logger  logging.Logger
	rng     *rand.Rand
	sleep   func(context.Context, time.Duration) error
}

var _ graph.Delegate = (*Client)(nil)

// Option configures a Client.
type Option func(*Client) error

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) error {
		if err := p.Validate(); err != nil {
			return err
		}
		c.policy = p
		return nil
	}
}

// WithMetrics records retries.
func WithMetrics(m RetryRecorder) Option {
	return func(c *Client) error {
		c.metrics = retryMetrics{r: m}
		return nil
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithRand seeds backoff jitter.
func WithRand(rng *rand.Rand) Option {
	return func(c *Client) error {
		c.rng = rng
		return nil
	}
}

// NewClient creates a Client that calls the delegate through caller.
func NewClient(caller Caller, opts ...Option) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("delegate: caller is required")
	}
	c := &Client{
		caller: caller,
		policy: DefaultRetryPolicy(),
		logger: logging.Nop(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("delegate: %w", err)
		}
	}
	return c, nil
}

// UploadMedia uploads media for req.Platform and returns the platform media ID.
func (c *Client) UploadMedia(ctx context.Context, req graph.UploadRequest) (string, error) {
	args := map[string]any{
		ArgPlatform:    string(req.Platform),
		ArgOwnerID:     req.OwnerID,
		ArgMediaBase64: base64.StdEncoding.EncodeToString(req.Media.Data),
		ArgContentType: req.Media.ContentType,
		ArgFilename:    req.Media.Filename,
	}
	if req.ConnectionID != "" {
		args[ArgConnectionID] = req.ConnectionID
	}

	var mediaID string
	err := c.call(ctx, ToolUploadMedia, req.Platform, args, func(text string) (string, string, bool) {
		var resp UploadResponse
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			return "malformed response: " + err.Error(), string(ClassFatal), false
		}
		if resp.MediaID == "" || resp.Error != "" {
			return orDefault(resp.Error, "no media_id returned"), resp.ErrorClass, false
		}
		mediaID = resp.MediaID
		return "", "", true
	})
	return mediaID, err
}

// PublishPost publishes req.Text and returns the platform post ID.
func (c *Client) PublishPost(ctx context.Context, req graph.PublishRequest) (string, error) {
	args := map[string]any{
		ArgPlatform: string(req.Platform),
		ArgOwnerID:  req.OwnerID,
		ArgText:     req.Text,
	}
	if req.ConnectionID != "" {
		args[ArgConnectionID] = req.ConnectionID
	}
	if req.MediaID != "" {
		args[ArgMediaID] = req.MediaID
	}
	if len(req.Metadata) > 0 {
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", err
		}
		args[ArgMetadata] = string(meta)
	}

	var postID string
	err := c.call(ctx, ToolPublishPost, req.Platform, args, func(text string) (string, string, bool) {
		var resp PublishResponse
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			return "malformed response: " + err.Error(), string(ClassFatal), false
		}
		if resp.Status != StatusSuccess || resp.PostID == "" {
			return orDefault(resp.Error, "publish did not succeed"), resp.ErrorClass, false
		}
		postID = resp.PostID
		return "", "", true
	})
	return postID, err
}

// decodeFunc parses a tool result. It returns ok, or the failure reason and
// the delegate's class for it (empty when unclassified).
type decodeFunc func(text string) (reason, class string, ok bool)

func (c *Client) call(ctx context.Context, op string, platform graph.Platform, args map[string]any, decode decodeFunc) error {
	for attempt := 0; ; attempt++ {
		derr := c.attempt(ctx, op, platform, args, decode)
		if derr == nil {
			return nil
		}
		derr.Attempts = attempt + 1

		if !c.policy.retryable(derr) || attempt+1 >= c.policy.MaxAttempts || ctx.Err() != nil {
			return derr
		}

		c.metrics.record(op, platform, derr)
		delay := computeBackoff(attempt, c.policy.BaseDelay, c.policy.MaxDelay, c.rng)
		c.logger.Warn("delegate call failed, retrying",
			"op", op,
			"platform", platform,
			"attempt", attempt+1,
			"class", derr.Class,
			"reason", derr.Reason,
			"delay", delay,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return derr
		}
	}
}

func (c *Client) attempt(ctx context.Context, op string, platform graph.Platform, args map[string]any, decode decodeFunc) *Error {
	text, err := c.caller.CallTool(ctx, op, args)
	if err != nil {
		return &Error{Op: op, Platform: platform, Class: classifyTransport(err), Reason: err.Error(), Cause: err}
	}
	reason, class, ok := decode(text)
	if ok {
		return nil
	}
	cls, known := parseClass(class)
	if !known {
		cls = ClassifyReason(reason)
	}
	return &Error{Op: op, Platform: platform, Class: cls, Reason: reason}
}

type retryMetrics struct{ r RetryRecorder }

func (m retryMetrics) record(op string, platform graph.Platform, err *Error) {
	if m.r == nil {
		return
	}
	m.r.IncrementDelegateRetries(op, string(platform), retryReason(err))
}

// retryReason is a low-cardinality label for a retried failure.
func retryReason(err *Error) string {
	if err.Cause != nil {
		return "transport"
	}
	lower := strings.ToLower(err.Reason)
	switch {
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "504"):
		return "timeout"
	}
	return string(err.Class)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
