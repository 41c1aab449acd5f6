// Package google provides a ChatModel adapter for the Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/postgraph/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// System messages become the model's SystemInstruction. Responses blocked by
// Gemini's safety filters are reported as *model.Error of kind
// model.KindBlocked wrapping a *SafetyFilterError.
//
// Example usage:
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "")
//	out, err := m.Chat(ctx, messages, model.Options{})
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type ChatModel struct {
	modelName string
	client    googleClient
}

// request is a provider-neutral Gemini call.
type request struct {
	system   string
	contents []*genai.Content
	opts     model.Options
}

// googleClient defines the interface for Google Gemini API operations.
// This allows for easy mocking in tests.
type googleClient interface {
	generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a new Google ChatModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, opts model.Options) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, turns := model.SplitSystem(messages)
	resp, err := m.client.generateContent(ctx, request{
		system:   system,
		contents: convertMessages(turns),
		opts:     opts,
	})
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}

	out := convertResponse(resp)
	if out.Text == "" {
		return out, model.ErrEmptyResponse
	}
	return out, nil
}

// convertMessages maps turns to Gemini contents; assistant turns use the
// "model" role.
func convertMessages(messages []model.Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return out
}

// convertResponse extracts the first candidate's text and token usage.
func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	out := model.ChatOut{}
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	out.Text = strings.TrimSpace(sb.String())
	return out
}

func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		safetyErr := safetyFilterError(blocked)
		return &model.Error{Provider: "google", Kind: model.KindBlocked, Message: safetyErr.Error(), Cause: safetyErr}
	}
	return &model.Error{
		Provider: "google",
		Kind:     model.Classify(0, err.Error()),
		Message:  err.Error(),
		Cause:    err,
	}
}

func safetyFilterError(b *genai.BlockedError) *SafetyFilterError {
	if b.PromptFeedback != nil {
		return &SafetyFilterError{reason: "PROMPT", category: b.PromptFeedback.BlockReason.String()}
	}
	e := &SafetyFilterError{reason: "RESPONSE"}
	if b.Candidate != nil {
		e.reason = b.Candidate.FinishReason.String()
		for _, r := range b.Candidate.SafetyRatings {
			if r != nil && r.Blocked {
				e.category = r.Category.String()
				break
			}
		}
	}
	return e
}

// defaultClient wraps the official Google Gemini SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	if len(req.contents) == 0 {
		return nil, errors.New("no content to send")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(c.modelName)
	if req.system != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	if req.opts.MaxTokens > 0 {
		genModel.SetMaxOutputTokens(int32(req.opts.MaxTokens))
	}
	if req.opts.Temperature > 0 {
		genModel.SetTemperature(float32(req.opts.Temperature))
	}
	if req.opts.JSON {
		genModel.ResponseMIMEType = "application/json"
	}

	last := req.contents[len(req.contents)-1]
	cs := genModel.StartChat()
	cs.History = req.contents[:len(req.contents)-1]
	return cs.SendMessage(ctx, last.Parts...)
}

// SafetyFilterError represents a Google safety filter block.
//
// Use errors.As to check for this error type:
//
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	if e.category == "" {
		return "content blocked by safety filter (" + e.reason + ")"
	}
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}
