package app

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"sagaa-go/internal/config"
	"sagaa-go/internal/epic"
	"sagaa-go/internal/identity"
	"sagaa-go/internal/relay"
	"sagaa-go/internal/session"
)

// callbackLatchTTL bounds how long a processed callback is remembered so a
// reload of the same redirect shows the original outcome.
const callbackLatchTTL = 5 * time.Minute

// Application holds all the major components of the web service.
type Application struct {
	Config        *config.Config
	Logger        *zap.Logger
	Sessions      *session.Manager
	Initiator     *epic.Initiator
	Callbacks     *epic.CallbackHandler
	Relay         *relay.Client
	HttpServer    *http.Server
	MetricsServer *http.Server

	verifier *identity.Verifier
	latches  *gocache.Cache
	pages    *template.Template
	redis    *redis.Client
}

// New creates and initializes a new Application instance.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pages, err := parsePages()
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	// Setup: Session Store
	store, rdb, err := newSessionStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	sessions := session.NewManager(store, session.Options{
		Secure:     cfg.Session.SecureCookie,
		DefaultTTL: cfg.Session.PendingTTL.Duration,
		KeyTTL: map[string]time.Duration{
			epic.KeyConnectionStatus: cfg.Session.StatusTTL.Duration,
		},
	})

	// Setup: Epic flow
	provider := epic.Provider{
		ClientID:         cfg.Epic.ClientID,
		AuthorizationURL: cfg.Epic.AuthorizationURL,
		TokenURL:         cfg.Epic.TokenURL,
		FHIRBaseURL:      cfg.Epic.FHIRBaseURL,
		Scopes:           cfg.Epic.Scopes,
	}
	relayClient := relay.NewClient(cfg.Relay.URL, cfg.Relay.Timeout.Duration)
	flow := epic.FlowConfig{
		SuccessRedirect: cfg.Flow.SuccessRedirect,
		FailureRedirect: cfg.Flow.FailureRedirect,
		SuccessDelay:    cfg.Flow.SuccessDelay.Duration,
		FailureDelay:    cfg.Flow.FailureDelay.Duration,
		ExchangeTimeout: cfg.Relay.Timeout.Duration,
	}

	// Setup: HTTP Server for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		Sessions:      sessions,
		Initiator:     epic.NewInitiator(provider, nil, logger.Named("initiator")),
		Callbacks:     epic.NewCallbackHandler(relayClient, flow, logger.Named("callback")),
		Relay:         relayClient,
		MetricsServer: metricsServer,
		verifier:      identity.NewVerifier(cfg.Identity.Issuer, []byte(cfg.Identity.Secret)),
		latches:       gocache.New(callbackLatchTTL, 2*callbackLatchTTL),
		pages:         pages,
		redis:         rdb,
	}

	// Setup: Main HTTP Server
	app.HttpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           app.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return app, nil
}

func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, *redis.Client, error) {
	switch cfg.Session.Backend {
	case "redis":
		rdb, err := session.DialRedis(ctx, cfg.Session.RedisAddr, cfg.Session.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return session.NewRedisStore(rdb, "sagaa:"), rdb, nil
	default:
		return session.NewMemoryStore(cfg.Session.PendingTTL.Duration), nil, nil
	}
}

// Routes returns the web application's HTTP handler.
func (a *Application) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.handleHealth)

	r.Get("/", a.handleLanding)
	r.Get("/healthcare", a.handleLanding)
	r.Get("/healthcare/dashboard", a.handleDashboard)
	r.With(a.requireCredential).Post("/healthcare/disconnect", a.handleDisconnect)

	r.Get("/auth/epic/connect", a.handleConnect)
	r.Post("/auth/epic/connect", a.handleConnect)
	r.Get(epic.CallbackPath, a.handleCallback)

	return otelhttp.NewHandler(r, "web")
}

// Start begins the application's services.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.Info("starting application services")

	// Start the metrics server
	go func() {
		a.Logger.Info("starting metrics server", zap.String("addr", a.MetricsServer.Addr))
		if err := a.MetricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// Start the main HTTP server
	go func() {
		a.Logger.Info("starting HTTP server", zap.String("addr", a.HttpServer.Addr))
		if err := a.HttpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info("stopping application services")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if err := a.HttpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}

	a.Logger.Info("application stopped")
	return errors.Join(errs...)
}
