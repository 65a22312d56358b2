package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sagaa-go/internal/metrics"
	"sagaa-go/internal/worker"
)

// DefaultRefreshWindow refreshes tokens this close to expiry.
const DefaultRefreshWindow = 5 * time.Minute

// TokenRefreshService keeps stored Epic tokens fresh.
type TokenRefreshService struct {
	manager *OAuthManager
	pool    *worker.WorkerPool
	window  time.Duration
	logger  *zap.Logger
}

// NewTokenRefreshService creates a new TokenRefreshService. Refreshes run on pool.
func NewTokenRefreshService(manager *OAuthManager, pool *worker.WorkerPool, window time.Duration) *TokenRefreshService {
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	return &TokenRefreshService{
		manager: manager,
		pool:    pool,
		window:  window,
		logger:  manager.logger.Named("refresh"),
	}
}

// RefreshExpiring queues a refresh for every token expiring within the window
// and returns how many were queued.
func (s *TokenRefreshService) RefreshExpiring(ctx context.Context) (int, error) {
	userIDs, err := s.manager.store.ExpiringWithin(ctx, s.window)
	if err != nil {
		return 0, fmt.Errorf("failed to list expiring tokens: %w", err)
	}

	queued := 0
	for _, userID := range userIDs {
		if s.pool.Submit(s.refreshTask(userID)) {
			queued++
			continue
		}
		// Left for the next tick.
		s.logger.Warn("refresh queue full", zap.String("user_id", userID))
	}
	return queued, nil
}

// Job returns a cron job that runs one refresh sweep bound to ctx.
func (s *TokenRefreshService) Job(ctx context.Context) cron.Job {
	return cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		queued, err := s.RefreshExpiring(ctx)
		if err != nil {
			s.logger.Error("refresh sweep failed", zap.Error(err))
			return
		}
		if queued > 0 {
			s.logger.Debug("queued token refreshes", zap.Int("count", queued))
		}
	})
}

func (s *TokenRefreshService) refreshTask(userID string) worker.Task {
	return worker.TaskFunc{
		ID: "refresh:" + userID,
		Fn: func(ctx context.Context) error { return s.refreshUserToken(ctx, userID) },
	}
}

// refreshUserToken refreshes the token for a single user
func (s *TokenRefreshService) refreshUserToken(ctx context.Context, userID string) error {
	stored, err := s.manager.store.GetToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	if stored.Token.Expiry.After(time.Now().Add(s.window)) {
		metrics.TokenRefreshes.WithLabelValues("skipped").Inc()
		return nil
	}

	err = s.manager.RefreshToken(ctx, userID)
	switch {
	case err == nil:
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		return nil
	case errors.Is(err, ErrNoRefreshToken):
		// Nothing to retry; the user has to reconnect.
		metrics.TokenRefreshes.WithLabelValues("no_refresh_token").Inc()
		return nil
	default:
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to refresh token: %w", err)
	}
}
