// Package model provides LLM integration adapters used by the generation and
// analysis collaborators.
package model

import (
	"context"
	"errors"
	"strings"
)

// ChatModel defines the interface for LLM chat providers.
//
// This interface abstracts the differences between providers (Anthropic,
// OpenAI, Google) behind a single call that returns plain text.
//
// Implementations should:
//   - Convert standard Message format to the provider format
//   - Respect context cancellation and timeouts
//   - Translate provider errors into *Error so callers can tell auth,
//     rate-limit and quota failures apart
//
// Example usage:
//
//	m := anthropic.NewChatModel(apiKey, "")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "You are a copywriter."},
//	    {Role: model.RoleUser, Content: "Summarize this article: ..."},
//	}, model.Options{MaxTokens: 400})
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, opts Options) (ChatOut, error)
}

// Message is a single conversation turn.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant.
	Role string

	Content string
}

// Standard message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options tunes a single call. Zero values use provider defaults.
type Options struct {
	MaxTokens   int
	Temperature float64

	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// ChatOut is the model response.
type ChatOut struct {
	Text string

	InputTokens  int
	OutputTokens int
}

// ErrEmptyResponse is returned when the provider produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// ErrorKind groups provider failures.
type ErrorKind string

// Provider failure kinds.
const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindQuota       ErrorKind = "quota"
	KindTimeout     ErrorKind = "timeout"
	KindBlocked     ErrorKind = "blocked"
	KindOther       ErrorKind = "other"
)

// Error is a translated provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	return e.Provider + " " + string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Classify maps a provider status code and message to an ErrorKind.
// statusCode may be zero when unknown.
func Classify(statusCode int, msg string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case statusCode == 401 || statusCode == 403,
		strings.Contains(lower, "authentication"), strings.Contains(lower, "api_key"), strings.Contains(lower, "api key"):
		return KindAuth
	case statusCode == 429, strings.Contains(lower, "rate_limit"), strings.Contains(lower, "rate limit"):
		return KindRateLimited
	case statusCode == 402, strings.Contains(lower, "quota"), strings.Contains(lower, "billing"), strings.Contains(lower, "credit"):
		return KindQuota
	case statusCode == 408 || statusCode == 504, strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline"):
		return KindTimeout
	}
	return KindOther
}

// SplitSystem separates system messages, joined with blank lines, from the
// conversation turns.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	var rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}
