package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/redis/go-redis/v9"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	customMiddleware "keygate/internal/middleware"
	"keygate/internal/ratelimit"
	"keygate/internal/security"
	"keygate/internal/services"
	"keygate/internal/store"
	transport "keygate/internal/transport/http"
)

// Application wires configuration, stores, the engine services and the
// HTTP surface together.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Store          store.Store
	WindowStore    ratelimit.WindowStore
	Limiter        *ratelimit.Limiter
	KeyService     *license.KeyService
	TokenService   *security.TokenService
	LicenseService services.LicenseService
	HealthService  *services.HealthService

	memoryWindows *ratelimit.MemoryWindowStore
	redisClient   *redis.Client
}

// NewApplication creates a new application instance with dependency
// injection: config, logger, otel, secrets, stores, limiter, services,
// router, server, strictly in that order.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := infrastructure.InitializeLogger(cfg.Logging)
	logger.Info("application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the secret material, stores and engine
// services in dependency order.
func (a *Application) initializeServices() error {
	ctx := context.Background()

	master, err := security.LoadOrCreateMaster(a.Config.Security.SecretFile)
	if err != nil {
		return fmt.Errorf("secret provisioning: %w", err)
	}
	secrets, err := security.Derive(master)
	if err != nil {
		return fmt.Errorf("secret derivation: %w", err)
	}

	switch a.Config.Storage.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, a.Config.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		a.Store = pg
		a.Logger.Info("license store ready", slog.String("driver", "postgres"))
	case "memory", "":
		a.Store = store.NewMemoryStore()
		a.Logger.Warn("license store is in-memory; licenses will not survive a restart")
	default:
		return fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
	}

	if a.Config.Storage.RedisAddr != "" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.Config.Storage.RedisAddr,
			Password: a.Config.Storage.RedisPassword,
			DB:       a.Config.Storage.RedisDB,
		})
		a.WindowStore = ratelimit.NewRedisWindowStore(a.redisClient)
		a.Logger.Info("rate-limit windows backed by redis",
			slog.String("addr", a.Config.Storage.RedisAddr))
	} else {
		a.memoryWindows = ratelimit.NewMemoryWindowStore()
		a.WindowStore = a.memoryWindows
	}
	a.Limiter = ratelimit.NewLimiter(a.WindowStore, a.Config.Security.RateLimit.BlockDuration, a.Logger)

	a.KeyService = license.NewKeyService(secrets.KeySalt, secrets.KeyVerify)
	a.TokenService = security.NewTokenService(secrets.URLSigning,
		a.Config.Server.BaseURL, a.Config.License.DownloadTokenTTL)

	a.LicenseService = services.NewLicenseService(a.Store, a.KeyService, services.Options{
		ExemptPatterns:    license.ParseExemptPatterns(a.Config.License.ExemptDomains),
		ExemptBypassGrace: a.Config.Security.ExemptBypassGrace,
		KeyRetries:        a.Config.License.KeyGenerationRetries,
	}, a.Logger)
	a.HealthService = services.NewHealthService(a.Store, a.Logger)

	return nil
}

// setupRouter builds the chi router with the middleware chain and all
// API routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.RequestID)
		r.Use(customMiddleware.RealIP)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.Compress(5))

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewGlobalRateLimiter(
				a.Config.Security.RateLimit.GlobalRPS,
				a.Config.Security.RateLimit.GlobalBurst,
				a.Logger,
			).Handler)
		}

		a.setupAPIRoutes(r)
	})

	// Prometheus endpoint sits outside the middleware group.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures the API endpoints with their per-action
// rate limit policies.
func (a *Application) setupAPIRoutes(r chi.Router) {
	actions := customMiddleware.NewActionLimiter(a.Limiter, a.Logger)
	policies := a.Config.Security.RateLimit

	licenseHandler := transport.NewLicenseHandler(a.LicenseService, a.Logger)
	downloadHandler := transport.NewDownloadHandler(a.TokenService, a.Store,
		a.Config.License.ReleaseBaseURL, a.Logger)
	healthHandler := transport.NewHealthHandler(a.HealthService, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))

		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/ready", healthHandler.ReadinessCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/version", healthHandler.Version)

		r.With(actions.Limit("admin", policies.Admin)).
			Post("/licenses", licenseHandler.Create)

		r.Route("/license", func(r chi.Router) {
			r.With(actions.Limit("activate", policies.Activate)).
				Post("/activate", licenseHandler.Activate)
			r.With(actions.Limit("validate", policies.Validate)).
				Post("/validate", licenseHandler.Validate)
			r.With(actions.Limit("activate", policies.Activate)).
				Post("/deactivate", licenseHandler.Deactivate)
			r.With(actions.Limit("status", policies.Validate)).
				Get("/status", licenseHandler.Status)
		})

		r.Route("/downloads", func(r chi.Router) {
			r.With(actions.Limit("download", policies.Download)).
				Post("/token", downloadHandler.IssueToken)
			r.With(actions.Limit("download", policies.Download)).
				Get("/{releaseID}", downloadHandler.Serve)
		})
	})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start begins serving. Listen failures cancel the supplied context so
// Run can unwind.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "starting server",
		slog.Int("port", a.Config.Server.Port),
		slog.String("storage", a.Config.Storage.Driver),
		slog.String("level", a.Config.Logging.Level))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	report := a.HealthService.Check(ctx)
	if report.Status != "healthy" {
		a.Logger.WarnContext(ctx, "startup health check degraded",
			slog.Any("checks", report.Checks))
	}

	a.Logger.InfoContext(ctx, "application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.memoryWindows != nil {
		a.memoryWindows.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "error closing redis client",
				slog.String("error", err.Error()))
		}
	}
	if closer, ok := a.Store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "error closing license store",
				slog.String("error", err.Error()))
		}
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry",
				slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return nil
}

// Run runs the application until interrupted.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "received interrupt signal")
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}
