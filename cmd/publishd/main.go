// Command publishd is the publish delegate: an MCP server over streamable
// HTTP that holds platform credentials and exposes publish_post and
// upload_media to the engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/dshills/postgraph/collab/accounts"
	"github.com/dshills/postgraph/config"
	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/tool"
	"github.com/dshills/postgraph/logging"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, addr, path, logLevel string
	cmd := &cobra.Command{
		Use:           "publishd",
		Short:         "Serve publish_post and upload_media over MCP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			logger := logging.New(logging.Options{
				Level:  logging.LevelFromString(cfg.Log.Level),
				Format: cfg.Log.Format,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, addr, path, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("POSTGRAPH_CONFIG"), "path to YAML config")
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	cmd.Flags().StringVar(&path, "path", "/mcp", "MCP endpoint path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log.level")
	return cmd
}

func run(ctx context.Context, cfg config.Config, addr, path string, logger logging.Logger) error {
	if cfg.Accounts.File == "" {
		return errors.New("accounts.file is required: the delegate reads tokens from it")
	}
	refresher, err := newRefresher(cfg.Accounts.OAuth)
	if err != nil {
		return err
	}
	vault, err := accounts.LoadFile(cfg.Accounts.File, logger, accounts.WithRefresher(refresher))
	if err != nil {
		return err
	}
	go func() {
		if err := vault.Watch(ctx, 250*time.Millisecond); err != nil {
			logger.Warn("accounts watch stopped", "error", err)
		}
	}()

	platforms, err := newPlatforms(cfg.Delegate.Platforms)
	if err != nil {
		return err
	}
	svc, err := tool.NewService(vault, platforms, tool.WithLogger(logger.With("component", "publishd")))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(path, tool.NewHTTPHandler(tool.NewServer(svc, version), path))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("publishd listening", "addr", addr, "path", path, "platforms", len(platforms))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newPlatforms builds one HTTP platform shim per configured endpoint.
func newPlatforms(endpoints map[string]string) (map[graph.Platform]tool.Platform, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("delegate.platforms must map at least one platform to its endpoint")
	}
	out := make(map[graph.Platform]tool.Platform, len(endpoints))
	for name, url := range endpoints {
		p := graph.Platform(name)
		if !p.Valid() {
			return nil, fmt.Errorf("delegate.platforms: unsupported platform %q", name)
		}
		if url == "" {
			return nil, fmt.Errorf("delegate.platforms: %s has no endpoint", name)
		}
		out[p] = tool.NewHTTPPlatform(url)
	}
	return out, nil
}

// newRefresher builds the OAuth refresh grant from the configured clients.
// With no clients every refresh reports that the owner must reconnect.
func newRefresher(clients map[string]config.OAuthClient) (accounts.RefreshFunc, error) {
	configs := make(map[graph.Platform]*oauth2.Config, len(clients))
	for name, c := range clients {
		p := graph.Platform(name)
		if !p.Valid() {
			return nil, fmt.Errorf("accounts.oauth: unsupported platform %q", name)
		}
		configs[p] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Scopes:       c.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
		}
	}
	return accounts.OAuthRefresher(configs, &http.Client{Timeout: 30 * time.Second}), nil
}
