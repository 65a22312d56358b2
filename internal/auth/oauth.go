package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"sagaa-go/internal/metrics"
	"sagaa-go/internal/storage"
)

const defaultExchangeTimeout = 30 * time.Second

var (
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrNoRefreshToken = errors.New("auth: no refresh token available")
)

// TokenStore persists Epic tokens per application user.
type TokenStore interface {
	StoreToken(ctx context.Context, userID, patientID string, token *oauth2.Token) error
	GetToken(ctx context.Context, userID string) (*storage.StoredToken, error)
	DeleteToken(ctx context.Context, userID string) error
	ExpiringWithin(ctx context.Context, d time.Duration) ([]string, error)
}

// ProviderError reports a failed call to Epic's token endpoint.
type ProviderError struct {
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("epic token endpoint: %s - %s", e.Code, e.Description)
	case e.Code != "":
		return "epic token endpoint: " + e.Code
	case e.StatusCode != 0:
		return fmt.Sprintf("epic token endpoint: status %d", e.StatusCode)
	default:
		return fmt.Sprintf("epic token endpoint: %v", e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe := &ProviderError{Code: re.ErrorCode, Description: re.ErrorDescription, Err: err}
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		return pe
	}
	return &ProviderError{Err: err}
}

// Connection is a user's Epic link as seen by the relay.
type Connection struct {
	Connected bool
	PatientID string
	Scope     string
	LastSync  time.Time
	ExpiresAt time.Time
}

// OAuthManager exchanges and maintains Epic tokens on behalf of application users.
type OAuthManager struct {
	config  *oauth2.Config
	store   TokenStore
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
	group   singleflight.Group
}

// NewOAuthManager creates a new OAuthManager instance.
func NewOAuthManager(config *oauth2.Config, store TokenStore, logger *zap.Logger) *OAuthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthManager{
		config:  config,
		store:   store,
		client:  http.DefaultClient,
		timeout: defaultExchangeTimeout,
		logger:  logger,
	}
}

// SetHTTPClient sets the client used to reach Epic.
func (m *OAuthManager) SetHTTPClient(c *http.Client) {
	if c == nil {
		c = http.DefaultClient
	}
	m.client = c
}

// SetTimeout bounds each call to Epic's token endpoint.
func (m *OAuthManager) SetTimeout(d time.Duration) {
	if d > 0 {
		m.timeout = d
	}
}

func (m *OAuthManager) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	return context.WithTimeout(ctx, m.timeout)
}

// Exchange trades an authorization code and its PKCE verifier for tokens and
// stores them for userID. Concurrent calls for the same user and code share a
// single request to Epic, since codes are single-use.
func (m *OAuthManager) Exchange(ctx context.Context, userID, code, verifier string) (*Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	if code == "" || verifier == "" {
		return nil, fmt.Errorf("%w: code and code verifier are required", ErrInvalidInput)
	}

	v, err, shared := m.group.Do(userID+"\x00"+code, func() (any, error) {
		return m.exchange(ctx, userID, code, verifier)
	})
	if shared {
		m.logger.Debug("collapsed duplicate exchange", zap.String("user_id", userID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (m *OAuthManager) exchange(ctx context.Context, userID, code, verifier string) (*Connection, error) {
	pctx, cancel := m.providerContext(ctx)
	defer cancel()

	token, err := m.config.Exchange(pctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		metrics.RelayExchanges.WithLabelValues("provider_error").Inc()
		m.logger.Warn("epic token exchange failed", zap.String("user_id", userID), zap.Error(err))
		return nil, providerError(err)
	}

	patientID, _ := token.Extra("patient").(string)
	if err := m.store.StoreToken(ctx, userID, patientID, token); err != nil {
		metrics.RelayExchanges.WithLabelValues("storage_error").Inc()
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	metrics.RelayExchanges.WithLabelValues("success").Inc()
	m.logger.Info("epic token stored",
		zap.String("user_id", userID),
		zap.Bool("patient_id_present", patientID != ""),
		zap.Time("expires_at", token.Expiry))

	conn := &Connection{Connected: true, PatientID: patientID, LastSync: time.Now(), ExpiresAt: token.Expiry}
	if scope, ok := token.Extra("scope").(string); ok {
		conn.Scope = scope
	}
	return conn, nil
}

// Status reports whether userID has a stored Epic token.
func (m *OAuthManager) Status(ctx context.Context, userID string) (*Connection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	stored, err := m.store.GetToken(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Connection{}, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &Connection{
		Connected: true,
		PatientID: stored.PatientID,
		Scope:     stored.Scope,
		LastSync:  stored.LastSync,
		ExpiresAt: stored.Token.Expiry,
	}, nil
}

// Disconnect forgets userID's Epic token.
func (m *OAuthManager) Disconnect(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	if err := m.store.DeleteToken(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	m.logger.Info("epic connection removed", zap.String("user_id", userID))
	return nil
}

// ValidateToken checks if a token is valid and not expired
func (m *OAuthManager) ValidateToken(token *oauth2.Token) bool {
	if token == nil {
		return false
	}
	return token.Valid()
}

// RefreshToken refreshes the Epic token for a given user
func (m *OAuthManager) RefreshToken(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}

	stored, err := m.store.GetToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	if stored.Token.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	pctx, cancel := m.providerContext(ctx)
	defer cancel()

	// A token source only refreshes tokens it considers invalid.
	newToken, err := m.config.TokenSource(pctx, &oauth2.Token{RefreshToken: stored.Token.RefreshToken}).Token()
	if err != nil {
		return providerError(err)
	}

	// Preserve the refresh token if the new token doesn't have one
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = stored.Token.RefreshToken
	}

	if err := m.store.StoreToken(ctx, userID, stored.PatientID, newToken); err != nil {
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}
	return nil
}
