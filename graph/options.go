package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/postgraph/graph/emit"
	"github.com/dshills/postgraph/logging"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(st, collab,
//	    graph.WithMaxSteps(32),
//	    graph.WithNodeTimeout(2*time.Minute),
//	    graph.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine.
type engineConfig struct {
	maxSteps           int
	nodeTimeout        time.Duration
	callTimeout        time.Duration
	policies           map[Step]*NodePolicy
	minArticleChars    int
	relevanceThreshold float64

	emitter emit.Emitter
	logger  logging.Logger
	metrics *PrometheusMetrics

	now   func() time.Time
	newID func() string
}

// Defaults applied by New before options.
const (
	DefaultMaxSteps           = 32
	DefaultCallTimeout        = 300 * time.Second
	DefaultMinArticleChars    = 600
	DefaultRelevanceThreshold = 0.35
)

func defaultConfig() engineConfig {
	return engineConfig{
		maxSteps:           DefaultMaxSteps,
		callTimeout:        DefaultCallTimeout,
		policies:           make(map[Step]*NodePolicy),
		minArticleChars:    DefaultMinArticleChars,
		relevanceThreshold: DefaultRelevanceThreshold,
		emitter:            emit.NewNullEmitter(),
		logger:             logging.Nop(),
		now:                func() time.Time { return time.Now().UTC() },
		newID:              uuid.NewString,
	}
}

// WithMaxSteps bounds the number of nodes a single Create or Resume call may
// run. The regeneration loop always returns to awaiting_human, so the bound
// only trips on a defect; exceeding it terminates the execution with a
// MAX_STEPS_EXCEEDED reason.
//
// Default: 32.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return fmt.Errorf("max steps must be positive, got %d", n)
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithNodeTimeout sets the maximum execution time for nodes without an
// explicit NodePolicy. A node that exceeds it terminates the execution.
//
// Default: 0 (bounded only by the call timeout).
func WithNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return fmt.Errorf("node timeout cannot be negative")
		}
		cfg.nodeTimeout = d
		return nil
	}
}

// WithNodePolicy attaches a policy to one step.
//
// Example:
//
//	graph.WithNodePolicy(graph.StepScraping, graph.NodePolicy{Timeout: 90 * time.Second})
func WithNodePolicy(step Step, policy NodePolicy) Option {
	return func(cfg *engineConfig) error {
		p := policy
		cfg.policies[step] = &p
		return nil
	}
}

// WithCallTimeout bounds a whole Create or Resume call. When it expires the
// running node fails and the execution terminates with "Execution timed out".
// Cancelling the caller's context does not end the call early; this bound
// does.
//
// Default: 300s. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return fmt.Errorf("call timeout cannot be negative")
		}
		cfg.callTimeout = d
		return nil
	}
}

// WithMinArticleChars sets the minimum scraped text length accepted as an
// article.
//
// Default: 600.
func WithMinArticleChars(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return fmt.Errorf("min article chars cannot be negative")
		}
		cfg.minArticleChars = n
		return nil
	}
}

// WithRelevanceThreshold sets the relevance score below which an article is
// rejected.
//
// Default: 0.35.
func WithRelevanceThreshold(v float64) Option {
	return func(cfg *engineConfig) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("relevance threshold must be within [0, 1], got %v", v)
		}
		cfg.relevanceThreshold = v
		return nil
	}
}

// WithEmitter sets the observability event sink.
//
// Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e != nil {
			cfg.emitter = e
		}
		return nil
	}
}

// WithLogger sets the structured logger.
//
// Default: logging.Nop().
func WithLogger(l logging.Logger) Option {
	return func(cfg *engineConfig) error {
		if l != nil {
			cfg.logger = l
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithClock replaces the time source used for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}

// WithIDGenerator replaces the execution ID generator.
//
// Default: uuid.NewString.
func WithIDGenerator(newID func() string) Option {
	return func(cfg *engineConfig) error {
		if newID == nil {
			return fmt.Errorf("ID generator cannot be nil")
		}
		cfg.newID = newID
		return nil
	}
}
