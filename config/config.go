// Package config loads the postgraph YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Config is the root of the configuration file.
//
// Values of the form ${NAME} are replaced from the environment before the
// YAML is parsed, so secrets can stay out of the file:
//
//	llm:
//	  provider: anthropic
//	  api_key: ${ANTHROPIC_API_KEY}
type Config struct {
	Log      Log      `yaml:"log"`
	Server   Server   `yaml:"server"`
	Store    Store    `yaml:"store"`
	Engine   Engine   `yaml:"engine"`
	Delegate Delegate `yaml:"delegate"`
	Scrape   Scrape   `yaml:"scrape"`
	LLM      LLM      `yaml:"llm"`
	Accounts Accounts `yaml:"accounts"`
	Tracing  Tracing  `yaml:"tracing"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Events bool   `yaml:"events"` // also write engine events as JSON lines
}

// Server configures the HTTP API.
type Server struct {
	Addr        string        `yaml:"addr"`
	JWTSecret   string        `yaml:"jwt_secret"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Store selects the checkpoint backend.
type Store struct {
	Driver    string `yaml:"driver"` // memory, sqlite, mysql, postgres, redis, mongo
	DSN       string `yaml:"dsn"`    // sqlite path or SQL DSN
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
	MongoURI  string `yaml:"mongo_uri"`
	Database  string `yaml:"database"`
}

// Engine tunes execution.
type Engine struct {
	MaxSteps           int           `yaml:"max_steps"`
	NodeTimeout        time.Duration `yaml:"node_timeout"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	MinArticleChars    int           `yaml:"min_article_chars"`
	RelevanceThreshold float64       `yaml:"relevance_threshold"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	SweepSchedule      string        `yaml:"sweep_schedule"` // cron spec, empty disables
}

// Delegate points at the publish delegate service.
type Delegate struct {
	URL         string        `yaml:"url"` // MCP streamable HTTP endpoint
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	// Platform shim endpoints used by publishd.
	Platforms map[string]string `yaml:"platforms"`
}

// Scrape selects the ingestion collaborator.
type Scrape struct {
	Provider     string        `yaml:"provider"` // html, firecrawl
	FirecrawlURL string        `yaml:"firecrawl_url"`
	FirecrawlKey string        `yaml:"firecrawl_key"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LLM selects the generation model. An empty provider uses templates.
type LLM struct {
	Provider string `yaml:"provider"` // anthropic, openai, google, ""
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// Accounts points at the connection/credential registry file.
type Accounts struct {
	File string `yaml:"file"`

	// OAuth holds the client used to refresh expired tokens, keyed by
	// platform. Platforms without an entry must be reconnected by hand.
	OAuth map[string]OAuthClient `yaml:"oauth"`
}

// OAuthClient is an OAuth 2.0 client registration at a platform.
type OAuthClient struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Tracing toggles the OpenTelemetry emitter.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration that runs locally with SQLite and no
// external services.
func Default() Config {
	return Config{
		Log:    Log{Level: "info", Format: "text"},
		Server: Server{Addr: ":8080", ReadTimeout: 30 * time.Second},
		Store:  Store{Driver: "sqlite", DSN: "postgraph.db", Prefix: "postgraph:", Database: "postgraph"},
		Engine: Engine{
			MaxSteps:           32,
			NodeTimeout:        2 * time.Minute,
			CallTimeout:        300 * time.Second,
			MinArticleChars:    600,
			RelevanceThreshold: 0.35,
			StaleAfter:         15 * time.Minute,
			SweepSchedule:      "@every 5m",
		},
		Delegate: Delegate{
			URL:         "http://localhost:8090/mcp",
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		Scrape: Scrape{Provider: "html", FirecrawlURL: "https://api.firecrawl.dev", Timeout: 60 * time.Second},
	}
}

// Load reads path, expands ${ENV} references and applies defaults to unset
// fields. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default().
func Parse(data []byte) (Config, error) {
	cfg := Default()
	expanded := os.Expand(string(data), os.Getenv)
	if err := yaml.UnmarshalStrict([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "mysql", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for driver \"redis\""))
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for driver \"mongo\""))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if c.Engine.MaxSteps <= 0 {
		errs = append(errs, errors.New("engine.max_steps must be positive"))
	}
	if c.Engine.CallTimeout < 0 || c.Engine.NodeTimeout < 0 {
		errs = append(errs, errors.New("engine timeouts must not be negative"))
	}
	if c.Engine.RelevanceThreshold < 0 || c.Engine.RelevanceThreshold > 1 {
		errs = append(errs, errors.New("engine.relevance_threshold must be within [0, 1]"))
	}
	if c.Delegate.MaxAttempts < 1 {
		errs = append(errs, errors.New("delegate.max_attempts must be at least 1"))
	}
	if c.Delegate.MaxDelay < c.Delegate.BaseDelay {
		errs = append(errs, errors.New("delegate.max_delay must not be less than base_delay"))
	}

	switch c.Scrape.Provider {
	case "html":
	case "firecrawl":
		if c.Scrape.FirecrawlKey == "" {
			errs = append(errs, errors.New("scrape.firecrawl_key is required for provider \"firecrawl\""))
		}
	default:
		errs = append(errs, fmt.Errorf("scrape.provider %q is not supported", c.Scrape.Provider))
	}

	switch c.LLM.Provider {
	case "":
	case "anthropic", "openai", "google":
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}

	for name, c := range c.Accounts.OAuth {
		if c.ClientID == "" || c.TokenURL == "" {
			errs = append(errs, fmt.Errorf("accounts.oauth.%s needs client_id and token_url", name))
		}
	}

	return errors.Join(errs...)
}
