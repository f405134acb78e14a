package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"isxlicense/internal/activation"
	"isxlicense/internal/config"
	"isxlicense/internal/credential"
	apierrors "isxlicense/internal/errors"
	"isxlicense/internal/infrastructure"
	customMiddleware "isxlicense/internal/middleware"
	"isxlicense/internal/ratelimit"
	"isxlicense/internal/services"
	handlers "isxlicense/internal/transport/http"
	"isxlicense/pkg/contracts"
)

const (
	ServerName = "isx-license-server"
	maxBody    = 64 << 10
)

// Application is the license server: the activation ledger, the signing
// key and the HTTP API in front of them.
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
	Store          *activation.Store
	LicenseService services.LicenseService
	HealthService  *services.HealthService
	Limiter        *ratelimit.Limiter

	db    *sql.DB
	redis *redis.Client
}

// NewApplication wires the server from cfg. Nothing listens until Run.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	build := contracts.GetBuildInfo()
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", ServerName),
		slog.String("version", build.Version),
		slog.String("commit", build.GitCommit),
		slog.String("environment", cfg.Environment))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(ServerName, cfg.Environment), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}
	if err := a.initializeServices(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := a.setupRouter(); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	a.createServer()
	return a, nil
}

func (a *Application) initializeServices(ctx context.Context) error {
	key, err := a.Config.LoadSigningKey()
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	signer, err := credential.NewSigner(key)
	if err != nil {
		return err
	}
	a.Logger.InfoContext(ctx, "Signing key loaded",
		slog.Int("key_version", key.Version),
		slog.String("public_key", credential.EncodePublicKey(key.Public())))

	dbPath := a.Config.Store.DatabasePath
	if dbPath != ":memory:" {
		if err := config.EnsureParentDir(dbPath); err != nil {
			return err
		}
	}
	a.db, err = activation.OpenDB(ctx, dbPath)
	if err != nil {
		return err
	}
	a.Store = activation.NewStore(a.db)

	metrics, err := services.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("license metrics: %w", err)
	}
	a.LicenseService = services.NewLicenseService(a.Store, signer, a.Logger, services.WithMetrics(metrics))

	checks := map[string]services.CheckFunc{"database": a.Store.Ping}

	var counters ratelimit.Store
	if url := a.Config.RateLimit.RedisURL; url != "" {
		a.redis, err = ratelimit.Connect(url)
		if err != nil {
			return err
		}
		redisStore := ratelimit.NewRedisStore(a.redis)
		counters = redisStore
		checks["redis"] = redisStore.Ping
	}
	a.Limiter = ratelimit.New(counters,
		ratelimit.WithFailClosed(a.Config.IsProduction()),
		ratelimit.WithLogger(a.Logger))

	a.HealthService = services.NewHealthService(config.AppVersion, checks, a.Logger)
	return nil
}

func (a *Application) setupRouter() error {
	r := chi.NewRouter()
	errorHandler := apierrors.NewErrorHandler(a.Logger, !a.Config.IsProduction())

	// RequestID → RealIP → OTel → Logger → Recoverer
	r.Use(customMiddleware.RequestID)
	if a.Config.Server.TrustProxy {
		r.Use(customMiddleware.RealIP)
	}
	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return err
	}
	r.Use(otelMiddleware.Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)
	r.Use(customMiddleware.MaxBodySize(maxBody))

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	var guards handlers.Guards
	if a.Config.RateLimit.Enabled {
		activate := customMiddleware.NewRateLimiter(a.Limiter,
			ratelimit.PerHour("activate", a.Config.RateLimit.ActivatePerHour),
			errorHandler, a.Logger, otelMiddleware.Metrics())
		validate := customMiddleware.NewRateLimiter(a.Limiter,
			ratelimit.PerHour("validate", a.Config.RateLimit.ValidatePerHour),
			errorHandler, a.Logger, otelMiddleware.Metrics())
		guards.Activate = append(guards.Activate, activate.Handler)
		guards.Validate = append(guards.Validate, validate.Handler)
	}
	guards.Admin = append(guards.Admin,
		customMiddleware.AuditLog(a.Logger),
		customMiddleware.AdminToken(a.Logger, a.Config.Admin.Token))

	licenseHandler := handlers.NewLicenseHandler(a.LicenseService, errorHandler, a.Logger)
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Mount("/license", licenseHandler.Routes(guards))
	})

	r.Mount("/healthz", handlers.NewHealthHandler(a.HealthService, a.Logger).Routes())
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run serves until ctx is done and then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is done.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("rate_limit", a.Config.RateLimit.Enabled),
		slog.Bool("shared_rate_limit", a.redis != nil),
		slog.Bool("fail_closed", a.Config.IsProduction()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

// Stop drains in-flight requests and releases every resource.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	err := a.Server.Shutdown(shutdownCtx)
	if err != nil {
		err = fmt.Errorf("server shutdown error: %w", err)
	}
	a.Close(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return err
}

// Close releases the database, the Redis client and the OTel providers.
func (a *Application) Close(ctx context.Context) {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing database", slog.String("error", err.Error()))
		}
		a.db = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing redis client", slog.String("error", err.Error()))
		}
		a.redis = nil
	}
	if a.OTelProviders != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.OTelProviders.Shutdown(flushCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
		a.OTelProviders = nil
	}
}
