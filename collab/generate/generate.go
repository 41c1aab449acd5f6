// Package generate implements the drafting and analysis collaborators on
// top of a model.ChatModel, with a template fallback when no model is
// configured.
package generate

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/model"
	"github.com/dshills/postgraph/logging"
)

const (
	twitterMaxChars = 280

	// Insights offered to the model per platform.
	twitterInsights  = 6
	linkedInInsights = 8

	defaultTemperature = 0.6
)

var (
	twitterTmpl  = template.Must(template.New("twitter").Parse(twitterPrompt))
	linkedInTmpl = template.Must(template.New("linkedin").Parse(linkedInPrompt))
	analysisTmpl = template.Must(template.New("analysis").Parse(analysisPrompt))
)

// Option configures a Generator or Analyzer.
type Option func(*options)

type options struct {
	logger      logging.Logger
	temperature float64
	maxTokens   int
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t }
}

// WithMaxTokens bounds the model response.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

func newOptions(opts []Option) options {
	o := options{logger: logging.Nop(), temperature: defaultTemperature, maxTokens: 1024}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Generator drafts platform posts. With a nil model it renders a fixed
// template from the title, insights and URL.
type Generator struct {
	model model.ChatModel
	opts  options
}

var _ graph.Generator = (*Generator)(nil)

// NewGenerator creates a Generator. m may be nil.
func NewGenerator(m model.ChatModel, opts ...Option) *Generator {
	return &Generator{model: m, opts: newOptions(opts)}
}

// Generate implements graph.Generator.
func (g *Generator) Generate(ctx context.Context, in graph.GenerationInput) (string, error) {
	insights := nonEmpty(in.Insights)

	if g.model == nil {
		g.opts.logger.Warn("no chat model configured, using template draft", "platform", in.Platform)
		switch in.Platform {
		case graph.PlatformTwitter:
			return TwitterTemplate(in.Title, insights, in.URL), nil
		case graph.PlatformLinkedIn:
			return LinkedInTemplate(in.Title, insights, in.URL), nil
		}
		return "", fmt.Errorf("unsupported platform: %q", in.Platform)
	}

	tmpl, limit := twitterTmpl, twitterInsights
	switch in.Platform {
	case graph.PlatformTwitter:
	case graph.PlatformLinkedIn:
		tmpl, limit = linkedInTmpl, linkedInInsights
	default:
		return "", fmt.Errorf("unsupported platform: %q", in.Platform)
	}

	blob := "(none)"
	if len(insights) > 0 {
		blob = strings.Join(head(insights, limit), "\n")
	}
	prompt, err := render(tmpl, map[string]string{
		"URL":      in.URL,
		"Title":    in.Title,
		"Insights": blob,
		"Text":     in.Text,
	})
	if err != nil {
		return "", err
	}

	out, err := g.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: prompt},
	}, model.Options{MaxTokens: g.opts.maxTokens, Temperature: g.opts.temperature})
	if err != nil {
		return "", err
	}
	g.opts.logger.Debug("draft generated", "platform", in.Platform,
		"input_tokens", out.InputTokens, "output_tokens", out.OutputTokens)

	draft := strings.TrimSpace(out.Text)
	if in.Platform == graph.PlatformTwitter {
		draft = truncate(draft, twitterMaxChars)
	}
	return draft, nil
}

// TwitterTemplate renders the model-free Twitter draft: title, up to three
// numbered insights, the link and fixed hashtags, cut to 280 characters.
func TwitterTemplate(title string, insights []string, url string) string {
	base := strings.TrimSpace(title)
	if base == "" {
		base = "A useful read"
	}
	var bullets []string
	for i, x := range head(insights, 3) {
		bullets = append(bullets, fmt.Sprintf("%d) %s", i+1, x))
	}
	draft := fmt.Sprintf("%s\n\n%s\n\nRead: %s\n\n#AI #Tech", base, strings.Join(bullets, " "), url)
	return strings.TrimRight(truncate(draft, twitterMaxChars), " \n")
}

// LinkedInTemplate renders the model-free LinkedIn draft: title, up to five
// highlight bullets and the source link.
func LinkedInTemplate(title string, insights []string, url string) string {
	base := strings.TrimSpace(title)
	if base == "" {
		base = "Key takeaways"
	}
	lines := []string{base, "", "Highlights:"}
	for _, x := range head(insights, 5) {
		lines = append(lines, "- "+x)
	}
	lines = append(lines, "", "Source: "+url)
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func head(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
