package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/api"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the subscription API and billing webhooks",
	Long:  "Serve the subscription API and billing webhooks. The sweeper runs in the same process unless sweeper.enabled is false.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig((*config.Config).Validate)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log, nil)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close resources")
		}
	}()

	authenticator, err := newAuthenticator(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	apiHandler, err := api.NewHandler(api.Config{Service: a.service, Logger: a.logger})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: newRouter(routerConfig{
			Provider:      a.provider,
			API:           apiHandler,
			Authenticator: authenticator,
			RateLimit:     cfg.HTTP.RateLimit,
			RateBurst:     cfg.HTTP.RateBurst,
			CORSOrigins:   cfg.HTTP.CORSOrigins,
			Gatherer:      a.registry,
			Checks:        a.backend.checks,
			Log:           log,
		}),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("provider", a.provider.Name()).
			Str("storage", cfg.Storage.Driver).
			Msg("subsyncd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Sweeper.Enabled {
		g.Go(func() error {
			return a.sweeper.Run(gctx)
		})
	}

	err = g.Wait()
	log.Info().Msg("subsyncd stopped")
	return err
}
