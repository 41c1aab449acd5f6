package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/dshills/postgraph/api"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API with the stale-execution sweep.

Executions left running by a previous process are terminated at startup and
then on engine.sweep_schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is required to serve")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := newLogger(cfg)
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if n, err := a.engine.RecoverStale(ctx, cfg.Engine.StaleAfter); err != nil {
				logger.Warn("startup sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("startup sweep terminated stale executions", "count", n)
			}

			if cfg.Engine.SweepSchedule != "" {
				sched := cron.New()
				if _, err := sched.AddFunc(cfg.Engine.SweepSchedule, func() {
					n, err := a.engine.RecoverStale(ctx, cfg.Engine.StaleAfter)
					if err != nil {
						logger.Warn("sweep failed", "error", err)
						return
					}
					if n > 0 {
						logger.Info("sweep terminated stale executions", "count", n)
					}
				}); err != nil {
					return fmt.Errorf("invalid engine.sweep_schedule: %w", err)
				}
				sched.Start()
				defer func() { <-sched.Stop().Done() }()
			}

			if a.file != nil {
				go func() {
					if err := a.file.Watch(ctx, 250*time.Millisecond); err != nil {
						logger.Warn("accounts watch stopped", "error", err)
					}
				}()
			}

			gin.SetMode(gin.ReleaseMode)
			handler, err := api.NewHandler(a.engine, []byte(cfg.Server.JWTSecret),
				api.WithLogger(logger.With("component", "api")),
				api.WithGatherer(a.registry),
			)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       cfg.Server.ReadTimeout,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.Info("postgraph listening", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}
