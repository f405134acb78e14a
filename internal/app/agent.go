package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"isxlicense/internal/config"
	"isxlicense/internal/credential"
	apierrors "isxlicense/internal/errors"
	"isxlicense/internal/infrastructure"
	"isxlicense/internal/license"
	customMiddleware "isxlicense/internal/middleware"
	"isxlicense/internal/services"
	handlers "isxlicense/internal/transport/http"
	ws "isxlicense/internal/websocket"
	"isxlicense/pkg/contracts"
)

const AgentName = "isx-license-agent"

// Agent runs the license manager on the user's machine and serves its
// status to the GUI over a loopback listener.
type Agent struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Manager       *license.Manager
	Hub           *ws.Hub
	Router        *chi.Mux
	Server        *http.Server
	MachineID     string
}

// NewAgent wires the agent from cfg. machineID overrides the derived
// machine fingerprint when non-empty.
func NewAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger, machineID string) (*Agent, error) {
	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(AgentName, cfg.Environment), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a := &Agent{Config: cfg, Logger: logger, OTelProviders: otelProviders, MachineID: machineID}
	if a.MachineID == "" {
		a.MachineID = credential.LocalMachineID()
	}

	if err := a.initializeManager(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.setupRouter(); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	a.Server = &http.Server{
		Addr:              cfg.Client.ListenAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *Agent) initializeManager(ctx context.Context) error {
	ring, err := a.Config.KeyRing()
	if err != nil {
		return fmt.Errorf("public keys: %w", err)
	}
	verifier, err := credential.NewVerifier(ring)
	if err != nil {
		return err
	}

	if err := config.EnsureParentDir(a.Config.Client.StatePath); err != nil {
		return err
	}
	firstRun := !config.FileExists(a.Config.Client.StatePath)
	store, err := license.OpenStateStore(a.Config.Client.StatePath, a.MachineID)
	if err != nil {
		return err
	}

	var remote license.Remote
	if url := a.Config.Client.ServerURL; url != "" {
		remote = license.NewRemoteClient(url, a.Config.Client.OnlineTimeout)
	}

	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		store.Close()
		return fmt.Errorf("license metrics: %w", err)
	}
	a.Manager, err = license.NewManager(verifier, store, remote, a.MachineID, a.Logger,
		license.WithPolicy(credential.Policy{ClockSkew: a.Config.Client.ClockSkew}),
		license.WithOnlineTimeout(a.Config.Client.OnlineTimeout),
		license.WithMetrics(metrics),
	)
	if err != nil {
		store.Close()
		return err
	}

	hubMetrics, err := ws.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(a.Logger, hubMetrics)
	a.Manager.OnStatus(a.Hub.PublishStatus)

	a.Logger.InfoContext(ctx, "License agent initialized",
		slog.String("version", contracts.GetBuildInfo().String()),
		slog.String("machine_id", a.MachineID),
		slog.String("state_path", a.Config.Client.StatePath),
		slog.Bool("first_run", firstRun),
		slog.Bool("online", remote != nil),
		slog.Int("key_versions", len(ring.Versions())))
	return nil
}

func (a *Agent) setupRouter() error {
	r := chi.NewRouter()
	errorHandler := apierrors.NewErrorHandler(a.Logger, false)

	r.Use(customMiddleware.RequestID)
	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return err
	}
	r.Use(otelMiddleware.Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000", "http://localhost:8080"},
	}))
	r.Use(customMiddleware.MaxBodySize(maxBody))

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	health := services.NewHealthService(config.AppVersion, nil, a.Logger)
	r.Mount("/healthz", handlers.NewHealthHandler(health, a.Logger).Routes())
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))
	r.Mount("/", handlers.NewAgentHandler(a.Manager, a.Hub, errorHandler, a.Logger).Routes())

	a.Router = r
	return nil
}

// Run evaluates the license, serves the local API and keeps reconciling
// until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})

	status := a.Manager.Start(gctx)
	a.Logger.InfoContext(ctx, "License agent started",
		slog.String("address", ln.Addr().String()),
		slog.String("state", string(status.State)),
		slog.String("reason", status.Reason))

	g.Go(func() error {
		a.Manager.Run(gctx, a.Config.Client.RecheckInterval)
		return nil
	})
	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close(context.WithoutCancel(ctx))
	return err
}

// Close releases the state file and the OTel providers.
func (a *Agent) Close(ctx context.Context) {
	if a.Manager != nil {
		if err := a.Manager.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing license state", slog.String("error", err.Error()))
		}
		a.Manager = nil
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
		a.OTelProviders = nil
	}
}
