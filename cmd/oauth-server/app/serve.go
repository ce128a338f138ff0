package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oauth-server"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server. It serves the authorization, token,
tokeninfo and revocation endpoints, the RFC 8414 metadata document, the JWKS
document and, when Prometheus metrics are enabled, /metrics.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on (overrides listen_address)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := newLogger(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if address, _ := cmd.Flags().GetString("address"); address != "" {
		cfg.ListenAddress = address
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "oauth-server",
		ServiceVersion:  Version,
		Enabled:         cfg.Instrumentation.Enabled,
		MetricsExporter: cfg.Instrumentation.MetricsExporter,
		LogClientIPs:    cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	enc, err := oauth.NewEncryptor(cfg)
	if err != nil {
		return err
	}
	stores, err := oauth.OpenStores(ctx, cfg, enc, inst, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()
	if stores.Driver() == oauth.StorageDriverMemory {
		logger.Warn("Using in-memory storage: clients and tokens are lost on restart")
	}

	srv, err := oauth.NewServer(cfg, stores, logger)
	if err != nil {
		return err
	}
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, logger)
	if cfg.RateLimit.Rate > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = cfg.RateLimit.Rate
		}
		maxEntries := cfg.RateLimit.MaxEntries
		if maxEntries <= 0 {
			maxEntries = security.DefaultRateLimiterMaxEntries
		}
		handler.SetRateLimiter(security.NewRateLimiterWithConfig(cfg.RateLimit.Rate, burst, maxEntries, logger))
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      newRouter(handler, inst),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening",
			"address", cfg.ListenAddress,
			"issuer", srv.Config.Issuer,
			"storage", stores.Driver(),
			"signing_algorithm", srv.Issuer().Algorithm())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("Server shutdown complete")
		return nil
	})
	return g.Wait()
}

// newRouter mounts the OAuth endpoints, a health check and, when exported,
// the Prometheus metrics.
func newRouter(handler *oauth.Handler, inst *instrumentation.Instrumentation) http.Handler {
	r := chi.NewRouter()
	r.Use(
		security.RequestIDMiddleware,
		middleware.Recoverer,
		middleware.Timeout(serverRequestTimeout),
	)

	handler.RegisterRoutes(r)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if inst != nil && inst.MetricsHandler() != nil {
		r.Handle("/metrics", inst.MetricsHandler())
	}
	return r
}
