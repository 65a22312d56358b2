package epic

import (
	"context"

	"go.uber.org/zap"

	"sagaa-go/internal/metrics"
	"sagaa-go/internal/pkce"
)

// Storage is the session-scoped key-value store holding the pending
// authorization attempt and the connection status. It must not outlive the
// browser session.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Initiator starts a new authorization attempt.
type Initiator struct {
	provider  Provider
	generator *pkce.Generator
	logger    *zap.Logger
}

// NewInitiator creates an Initiator. A nil generator uses crypto/rand.
func NewInitiator(provider Provider, generator *pkce.Generator, logger *zap.Logger) *Initiator {
	if generator == nil {
		generator = pkce.NewGenerator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Initiator{provider: provider, generator: generator, logger: logger}
}

// Start generates a fresh verifier, challenge and state, persists the
// verifier and state (replacing any abandoned attempt), and returns the
// authorization URL the browser must be sent to. On failure nothing is
// redirected and the connection status is left as it was.
func (i *Initiator) Start(ctx context.Context, store Storage, redirectURI string) (string, error) {
	pair, err := i.generator.GeneratePKCEPair()
	if err != nil {
		return "", i.fail(newFlowError(KindEnvironment, msgEnvironment, err))
	}
	state, err := i.generator.GenerateState()
	if err != nil {
		return "", i.fail(newFlowError(KindEnvironment, msgEnvironment, err))
	}

	if err := store.Set(ctx, KeyCodeVerifier, pair.CodeVerifier); err != nil {
		return "", i.fail(newFlowError(KindEnvironment, msgEnvironment, err))
	}
	if err := store.Set(ctx, KeyState, state); err != nil {
		// Drop the new verifier rather than pair it with an older state.
		if delErr := store.Delete(ctx, KeyCodeVerifier, KeyState); delErr != nil {
			i.logger.Warn("failed to clear partial pending session", zap.Error(delErr))
		}
		return "", i.fail(newFlowError(KindEnvironment, msgEnvironment, err))
	}

	authURL := BuildAuthorizationURL(i.provider, redirectURI, state, pair.CodeChallenge)

	if err := store.Set(ctx, KeyConnectionStatus, string(StatusConnecting)); err != nil {
		return "", i.fail(newFlowError(KindEnvironment, msgEnvironment, err))
	}

	i.logger.Info("redirecting to epic authorization",
		zap.Int("verifier_len", len(pair.CodeVerifier)),
		zap.Int("state_len", len(state)),
		zap.Int("scopes", len(i.provider.Scopes)),
		zap.String("redirect_uri", redirectURI),
	)
	metrics.ConnectAttempts.WithLabelValues("redirected").Inc()
	return authURL, nil
}

func (i *Initiator) fail(err *FlowError) error {
	i.logger.Error("connect attempt aborted", zap.Error(err))
	metrics.ConnectAttempts.WithLabelValues("aborted").Inc()
	return err
}
