package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sagaa-go/internal/auth"
	"sagaa-go/internal/config"
	"sagaa-go/internal/epic"
	"sagaa-go/internal/identity"
	"sagaa-go/internal/relay"
	"sagaa-go/internal/storage"
	"sagaa-go/internal/worker"
)

const (
	cleanupSchedule = "@hourly"
	// staleTokenRetention keeps expired tokens around this long so a late
	// refresh can still recover them.
	staleTokenRetention = 30 * 24 * time.Hour
)

// RelayService is the token-exchange relay process: it holds the Epic client
// secret and the encrypted token store.
type RelayService struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *storage.SQLiteStorage
	Auth       *auth.OAuthManager
	Refresher  *auth.TokenRefreshService
	WorkerPool *worker.WorkerPool
	Cron       *cron.Cron
	HttpServer *http.Server

	cancel context.CancelFunc
}

// NewRelayService opens storage, runs migrations and wires the relay API.
func NewRelayService(cfg *config.Config, logger *zap.Logger) (*RelayService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Setup: Database
	db, err := storage.NewSQLiteStorage(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	tokenStore, err := storage.NewTokenStore(db, []byte(cfg.Storage.EncryptionKey))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	// Setup: Auth Manager
	provider := epic.Provider{
		ClientID:         cfg.Epic.ClientID,
		AuthorizationURL: cfg.Epic.AuthorizationURL,
		TokenURL:         cfg.Epic.TokenURL,
		FHIRBaseURL:      cfg.Epic.FHIRBaseURL,
		Scopes:           cfg.Epic.Scopes,
	}
	oauthConfig := provider.OAuth2Config(cfg.EpicRedirectURI())
	oauthConfig.ClientSecret = cfg.Epic.ClientSecret
	manager := auth.NewOAuthManager(oauthConfig, tokenStore, logger.Named("oauth"))
	manager.SetTimeout(cfg.Relay.ExchangeTimeout.Duration)

	// Setup: WorkerPool and TokenRefreshService
	pool := worker.NewWorkerPool(worker.Options{
		Workers:    cfg.Relay.Workers,
		QueueSize:  64,
		MaxRetries: 3,
		Backoff:    time.Second,
		Logger:     logger.Named("worker"),
	})
	refresher := auth.NewTokenRefreshService(manager, pool, auth.DefaultRefreshWindow)

	server := relay.NewServer(manager, identity.NewVerifier(cfg.Identity.Issuer, []byte(cfg.Identity.Secret)), logger.Named("api"))

	return &RelayService{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Auth:       manager,
		Refresher:  refresher,
		WorkerPool: pool,
		Cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger.Named("cron").Sugar()}),
		)),
		HttpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Relay.Port),
			Handler:           server.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Start begins serving and schedules the refresh and cleanup jobs.
func (s *RelayService) Start(ctx context.Context) error {
	s.Logger.Info("starting relay services")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.WorkerPool.Start()

	// The startup sweep shares the skip guard with scheduled sweeps.
	refresh := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.Logger.Named("cron").Sugar()})).Then(s.Refresher.Job(runCtx))
	s.Cron.Schedule(cron.Every(s.Config.Relay.RefreshInterval.Duration), refresh)
	if _, err := s.Cron.AddFunc(cleanupSchedule, func() { s.cleanupStaleTokens(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	s.Cron.Start()
	go refresh.Run()

	go func() {
		s.Logger.Info("starting relay HTTP server", zap.String("addr", s.HttpServer.Addr))
		if err := s.HttpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("relay HTTP server stopped", zap.Error(err))
		}
	}()

	return nil
}

func (s *RelayService) cleanupStaleTokens(ctx context.Context) {
	n, err := s.DB.CleanupStaleTokens(ctx, staleTokenRetention)
	if err != nil {
		s.Logger.Error("stale token cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.Logger.Info("removed stale tokens", zap.Int64("count", n))
	}
}

// Stop gracefully shuts down the relay.
func (s *RelayService) Stop(ctx context.Context) error {
	s.Logger.Info("stopping relay services")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.HttpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("relay server shutdown: %w", err))
	}

	// Wait for running jobs before draining the pool they submit to.
	<-s.Cron.Stop().Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.WorkerPool.Stop(shutdownCtx)

	if err := s.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}

	s.Logger.Info("relay stopped")
	return errors.Join(errs...)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
