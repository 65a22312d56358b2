package epic

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"sagaa-go/internal/metrics"
)

// ExchangeRequest is the body sent to the token-exchange relay.
type ExchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
}

// ExchangeResult is what the relay reports after a successful exchange.
type ExchangeResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	PatientID string `json:"patientId,omitempty"`
}

// Exchanger performs the code-for-token exchange on behalf of the signed-in
// application user identified by bearer.
type Exchanger interface {
	Exchange(ctx context.Context, bearer string, req ExchangeRequest) (*ExchangeResult, error)
}

// CredentialSource yields the bearer credential of the current application user.
type CredentialSource interface {
	BearerToken(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) BearerToken(ctx context.Context) (string, error) { return f(ctx) }

// FlowConfig holds where to send the user after the callback and how long the
// status page stays up first.
type FlowConfig struct {
	SuccessRedirect string
	FailureRedirect string
	SuccessDelay    time.Duration
	FailureDelay    time.Duration
	ExchangeTimeout time.Duration
}

// DefaultFlowConfig mirrors the dashboard routes of the web app.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		SuccessRedirect: "/healthcare/dashboard",
		FailureRedirect: "/healthcare",
		SuccessDelay:    2 * time.Second,
		FailureDelay:    4 * time.Second,
		ExchangeTimeout: 15 * time.Second,
	}
}

// Outcome is the terminal result of a callback. Status has already been
// persisted when an Outcome is returned; RedirectAfter is presentational.
type Outcome struct {
	Status        ConnectionStatus
	Kind          Kind
	Message       string
	PatientID     string
	RedirectTo    string
	RedirectAfter time.Duration
}

// Succeeded reports whether the attempt ended connected.
func (o Outcome) Succeeded() bool { return o.Status == StatusConnected }

// CallbackHandler validates provider redirects and drives the exchange.
type CallbackHandler struct {
	exchanger Exchanger
	cfg       FlowConfig
	logger    *zap.Logger
}

// NewCallbackHandler creates a CallbackHandler.
func NewCallbackHandler(exchanger Exchanger, cfg FlowConfig, logger *zap.Logger) *CallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultFlowConfig().ExchangeTimeout
	}
	return &CallbackHandler{exchanger: exchanger, cfg: cfg, logger: logger}
}

// Callback is one landing on the redirect target. Run executes at most once.
type Callback struct {
	handler *CallbackHandler
	params  url.Values
	store   Storage
	creds   CredentialSource

	once    sync.Once
	outcome Outcome
}

// Begin prepares the callback for the redirect query params.
func (h *CallbackHandler) Begin(params url.Values, store Storage, creds CredentialSource) *Callback {
	return &Callback{handler: h, params: params, store: store, creds: creds}
}

// Run processes the callback. Later and concurrent calls wait for the first
// one and return its outcome without contacting the relay again.
func (c *Callback) Run(ctx context.Context) Outcome {
	c.once.Do(func() {
		c.outcome = c.handler.process(ctx, c.params, c.store, c.creds)
	})
	return c.outcome
}

func (h *CallbackHandler) process(ctx context.Context, params url.Values, store Storage, creds CredentialSource) Outcome {
	result, err := h.validateAndExchange(ctx, params, store, creds)
	if err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			fe = newFlowError(KindExchangeFailed, msgExchangeFailed, err)
		}
		return h.fail(ctx, store, fe)
	}
	return h.succeed(ctx, store, result)
}

func (h *CallbackHandler) validateAndExchange(ctx context.Context, params url.Values, store Storage, creds CredentialSource) (*ExchangeResult, error) {
	code := params.Get("code")
	state := params.Get("state")

	if providerErr := params.Get("error"); providerErr != "" {
		msg := "Epic authorization failed: " + providerErr
		if desc := params.Get("error_description"); desc != "" {
			msg += " - " + desc
		}
		return nil, newFlowError(KindAuthorizationDenied, msg, nil)
	}

	if code == "" || state == "" {
		return nil, newFlowError(KindMalformedCallback, msgMalformedCallback, nil)
	}

	storedState, hasState, err := store.Get(ctx, KeyState)
	if err != nil {
		return nil, newFlowError(KindSessionExpired, msgSessionExpired, err)
	}
	verifier, hasVerifier, err := store.Get(ctx, KeyCodeVerifier)
	if err != nil {
		return nil, newFlowError(KindSessionExpired, msgSessionExpired, err)
	}
	if !hasState || !hasVerifier || storedState == "" || verifier == "" {
		return nil, newFlowError(KindSessionExpired, msgSessionExpired, nil)
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(storedState)) != 1 {
		return nil, newFlowError(KindCsrfValidationFailed, msgCsrf, nil)
	}

	bearer, err := creds.BearerToken(ctx)
	if err != nil || bearer == "" {
		return nil, newFlowError(KindNotSignedIn, msgNotSignedIn, err)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, h.cfg.ExchangeTimeout)
	defer cancel()

	start := time.Now()
	result, err := h.exchanger.Exchange(exchangeCtx, bearer, ExchangeRequest{Code: code, CodeVerifier: verifier})
	metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, newFlowError(KindExchangeFailed, exchangeFailureMessage(err), err)
	}
	if result == nil {
		result = &ExchangeResult{Success: true}
	}
	return result, nil
}

// exchangeFailureMessage prefers the relay's own message.
func exchangeFailureMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) && um.UserMessage() != "" {
		return um.UserMessage()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return msgExchangeTimeout
	}
	return msgExchangeFailed
}

func (h *CallbackHandler) succeed(ctx context.Context, store Storage, result *ExchangeResult) Outcome {
	h.clearPending(ctx, store)
	if err := store.Set(ctx, KeyConnectionStatus, string(StatusConnected)); err != nil {
		h.logger.Warn("failed to persist connection status", zap.Error(err))
	}

	h.logger.Info("epic connection established", zap.Bool("patient_id_present", result.PatientID != ""))
	metrics.CallbackOutcomes.WithLabelValues("connected").Inc()

	return Outcome{
		Status:        StatusConnected,
		Message:       "Successfully connected to Epic MyChart!",
		PatientID:     result.PatientID,
		RedirectTo:    h.cfg.SuccessRedirect,
		RedirectAfter: h.cfg.SuccessDelay,
	}
}

func (h *CallbackHandler) fail(ctx context.Context, store Storage, fe *FlowError) Outcome {
	h.clearPending(ctx, store)
	if err := store.Set(ctx, KeyConnectionStatus, string(StatusError)); err != nil {
		h.logger.Warn("failed to persist connection status", zap.Error(err))
	}

	h.logger.Warn("epic callback failed", zap.String("kind", string(fe.Kind)), zap.Error(fe))
	metrics.CallbackOutcomes.WithLabelValues(string(fe.Kind)).Inc()

	return Outcome{
		Status:        StatusError,
		Kind:          fe.Kind,
		Message:       fe.Message,
		RedirectTo:    h.cfg.FailureRedirect,
		RedirectAfter: h.cfg.FailureDelay,
	}
}

// clearPending removes the verifier and state on every terminal path so they
// can never be replayed.
func (h *CallbackHandler) clearPending(ctx context.Context, store Storage) {
	if err := store.Delete(ctx, KeyState, KeyCodeVerifier); err != nil {
		h.logger.Error("failed to clear pending authorization", zap.Error(err))
	}
}
