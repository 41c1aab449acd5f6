package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/postgraph/collab/accounts"
	"github.com/dshills/postgraph/collab/generate"
	"github.com/dshills/postgraph/collab/media"
	"github.com/dshills/postgraph/collab/scrape"
	"github.com/dshills/postgraph/config"
	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/delegate"
	"github.com/dshills/postgraph/graph/emit"
	"github.com/dshills/postgraph/graph/model"
	"github.com/dshills/postgraph/graph/model/anthropic"
	"github.com/dshills/postgraph/graph/model/google"
	"github.com/dshills/postgraph/graph/model/openai"
	"github.com/dshills/postgraph/graph/store"
	"github.com/dshills/postgraph/logging"
)

// app is a fully wired engine and the resources it owns.
type app struct {
	cfg      config.Config
	logger   logging.Logger
	engine   *graph.Engine
	accounts *accounts.Registry
	file     *accounts.FileRegistry
	registry *prometheus.Registry

	closers []func(context.Context) error
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config) logging.Logger {
	return logging.New(logging.Options{
		Level:  logging.LevelFromString(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
}

// newApp wires every collaborator from cfg. The delegate connection is made
// on first use, so read-only commands work without the delegate running.
func newApp(ctx context.Context, cfg config.Config, logger logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if c, ok := st.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	if cfg.Accounts.File != "" {
		f, err := accounts.LoadFile(cfg.Accounts.File, logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.file, a.accounts = f, f.Registry
	} else {
		a.accounts, _ = accounts.NewRegistry(nil)
	}

	metrics := graph.NewPrometheusMetrics(a.registry)

	caller := &lazyCaller{url: cfg.Delegate.URL}
	a.closers = append(a.closers, func(context.Context) error { return caller.Close() })
	dc, err := delegate.NewClient(caller,
		delegate.WithRetryPolicy(delegate.RetryPolicy{
			MaxAttempts: cfg.Delegate.MaxAttempts,
			BaseDelay:   cfg.Delegate.BaseDelay,
			MaxDelay:    cfg.Delegate.MaxDelay,
		}),
		delegate.WithMetrics(metrics),
		delegate.WithLogger(logger.With("component", "delegate")),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	chat, err := newChatModel(cfg.LLM)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	collab := graph.Collaborators{
		Scraper:     newScraper(cfg.Scrape),
		Generator:   generate.NewGenerator(chat, generate.WithLogger(logger.With("component", "generate"))),
		Credentials: a.accounts,
		Connections: a.accounts,
		Delegate:    dc,
		Media:       media.NewFetcher(media.WithLogger(logger.With("component", "media"))),
	}
	if chat != nil {
		collab.Analyzer = generate.NewAnalyzer(chat, cfg.Engine.MinArticleChars,
			generate.WithLogger(logger.With("component", "analyze")))
	}

	opts := []graph.Option{
		graph.WithMaxSteps(cfg.Engine.MaxSteps),
		graph.WithNodeTimeout(cfg.Engine.NodeTimeout),
		graph.WithCallTimeout(cfg.Engine.CallTimeout),
		graph.WithMinArticleChars(cfg.Engine.MinArticleChars),
		graph.WithRelevanceThreshold(cfg.Engine.RelevanceThreshold),
		graph.WithLogger(logger),
		graph.WithMetrics(metrics),
	}
	if em := a.emitter(); em != nil {
		opts = append(opts, graph.WithEmitter(em))
	}

	a.engine, err = graph.New(st, collab, opts...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) emitter() emit.Emitter {
	var emitters []emit.Emitter
	if a.cfg.Log.Events {
		emitters = append(emitters, emit.NewLogEmitter(os.Stderr, true))
	}
	if a.cfg.Tracing.Enabled {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithSpanProcessor(&logSpanProcessor{logger: a.logger.With("component", "trace")}),
		)
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, tp.Shutdown)
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("postgraph"), tp))
	}
	switch len(emitters) {
	case 0:
		return nil
	case 1:
		return emitters[0]
	}
	return emit.NewMultiEmitter(emitters...)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg config.Store) (store.Store[graph.State], error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemStore[graph.State](), nil
	case "sqlite":
		return store.NewSQLiteStore[graph.State](cfg.DSN)
	case "mysql":
		return store.NewMySQLStore[graph.State](cfg.DSN)
	case "postgres":
		return store.NewPostgresStore[graph.State](cfg.DSN)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedisStore[graph.State](client, cfg.Prefix), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		st, err := store.NewMongoStore[graph.State](ctx, client, cfg.Database)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
}

func newScraper(cfg config.Scrape) graph.Scraper {
	if cfg.Provider == "firecrawl" {
		return scrape.NewFirecrawl(cfg.FirecrawlURL, cfg.FirecrawlKey, scrape.WithTimeout(cfg.Timeout))
	}
	return scrape.NewHTMLScraper(scrape.WithTimeout(cfg.Timeout))
}

// newChatModel returns nil when no provider is configured; drafts then use
// templates and relevance uses the text heuristic.
func newChatModel(cfg config.LLM) (model.ChatModel, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "anthropic":
		return anthropic.NewChatModel(cfg.APIKey, cfg.Model), nil
	case "openai":
		return openai.NewChatModel(cfg.APIKey, cfg.Model), nil
	case "google":
		return google.NewChatModel(cfg.APIKey, cfg.Model), nil
	}
	return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
}

// lazyCaller dials the delegate on first call and redials after a
// transport failure closed the session.
type lazyCaller struct {
	url string

	mu     sync.Mutex
	caller *delegate.MCPCaller
}

func (l *lazyCaller) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	out, err := c.CallTool(ctx, name, args)
	var te *delegate.ToolError
	if err != nil && !errors.As(err, &te) && ctx.Err() == nil {
		l.reset(c)
	}
	return out, err
}

func (l *lazyCaller) get(ctx context.Context) (*delegate.MCPCaller, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caller != nil {
		return l.caller, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	c, err := delegate.DialMCP(dialCtx, l.url)
	if err != nil {
		return nil, err
	}
	l.caller = c
	return c, nil
}

func (l *lazyCaller) reset(c *delegate.MCPCaller) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caller == c {
		_ = c.Close()
		l.caller = nil
	}
}

func (l *lazyCaller) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caller == nil {
		return nil
	}
	err := l.caller.Close()
	l.caller = nil
	return err
}

// logSpanProcessor writes finished spans to the logger at debug level.
type logSpanProcessor struct {
	logger logging.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	kv := []any{
		"span", s.Name(),
		"trace_id", s.SpanContext().TraceID().String(),
		"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
	}
	if st := s.Status(); st.Description != "" {
		kv = append(kv, "status", st.Code.String(), "error", st.Description)
	}
	for _, attr := range s.Attributes() {
		kv = append(kv, string(attr.Key), attr.Value.Emit())
	}
	p.logger.Debug("span", kv...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
