package generate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/model"
)

const (
	analysisSourceChars = 9000
	maxInsights         = 8
	defaultTone         = "informative"
)

// Analyzer asks a chat model for topic, key insights, tone and relevance.
// A reply without a usable JSON object falls back to the title as topic and
// the heuristic relevance score.
type Analyzer struct {
	model    model.ChatModel
	minChars int
	opts     options
}

var _ graph.Analyzer = (*Analyzer)(nil)

// NewAnalyzer creates an Analyzer. minChars feeds the heuristic fallback.
func NewAnalyzer(m model.ChatModel, minChars int, opts ...Option) *Analyzer {
	return &Analyzer{model: m, minChars: minChars, opts: newOptions(opts)}
}

type analysisReply struct {
	Topic          string          `json:"topic"`
	KeyInsights    []any           `json:"key_insights"`
	Tone           string          `json:"tone"`
	RelevanceScore json.RawMessage `json:"relevance_score"`
}

// Analyze implements graph.Analyzer. Model errors are returned so the
// engine records the analysis failure.
func (a *Analyzer) Analyze(ctx context.Context, title, text string) (graph.Analysis, error) {
	fallback := graph.Analysis{
		Topic:          firstNonEmpty(strings.TrimSpace(title), "Article"),
		Tone:           defaultTone,
		RelevanceScore: graph.RelevanceScore(text, a.minChars),
	}

	prompt, err := render(analysisTmpl, map[string]string{
		"Title": title,
		"Text":  truncate(text, analysisSourceChars),
	})
	if err != nil {
		return graph.Analysis{}, err
	}

	out, err := a.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: prompt},
	}, model.Options{MaxTokens: a.opts.maxTokens, Temperature: a.opts.temperature, JSON: true})
	if err != nil {
		return graph.Analysis{}, err
	}

	var reply analysisReply
	raw := jsonObject(out.Text)
	if raw == "" || json.Unmarshal([]byte(raw), &reply) != nil {
		a.opts.logger.Warn("analysis reply was not a JSON object, using heuristic", "chars", len(out.Text))
		return fallback, nil
	}

	result := graph.Analysis{
		Topic:          firstNonEmpty(strings.TrimSpace(reply.Topic), fallback.Topic),
		Tone:           firstNonEmpty(strings.TrimSpace(reply.Tone), fallback.Tone),
		RelevanceScore: fallback.RelevanceScore,
	}
	for _, v := range reply.KeyInsights {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			result.KeyInsights = append(result.KeyInsights, strings.TrimSpace(s))
		}
	}
	result.KeyInsights = head(result.KeyInsights, maxInsights)

	if score, ok := parseScore(reply.RelevanceScore); ok {
		result.RelevanceScore = min(1, max(0, score))
	}
	return result, nil
}

// jsonObject returns the outermost {...} span of s, tolerating code fences
// and prose around it.
func jsonObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// parseScore accepts a number or a numeric string. Zero and absent scores
// are treated as missing.
func parseScore(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, f != 0
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if json.Unmarshal([]byte(strings.TrimSpace(s)), &f) == nil {
			return f, f != 0
		}
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
