package epic

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingStore(state, verifier string) *memStorage {
	store := newMemStorage()
	if state != "" {
		store.values[KeyState] = state
	}
	if verifier != "" {
		store.values[KeyCodeVerifier] = verifier
	}
	store.values[KeyConnectionStatus] = string(StatusConnecting)
	return store
}

func callbackParams(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

func TestCallback_Success(t *testing.T) {
	store := pendingStore("S1", "verifier-1")
	exchanger := &mockExchanger{result: &ExchangeResult{Success: true, PatientID: "eq081"}}
	handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)

	outcome := handler.Begin(callbackParams("code", "C1", "state", "S1"), store, staticCreds("app-token")).Run(context.Background())

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, StatusConnected, outcome.Status)
	assert.Equal(t, KindNone, outcome.Kind)
	assert.Equal(t, "eq081", outcome.PatientID)
	assert.Equal(t, "/healthcare/dashboard", outcome.RedirectTo)
	assert.Equal(t, 2*time.Second, outcome.RedirectAfter)

	assert.Equal(t, int32(1), exchanger.calls.Load())
	assert.Equal(t, ExchangeRequest{Code: "C1", CodeVerifier: "verifier-1"}, exchanger.lastReq)
	assert.Equal(t, "app-token", exchanger.lastAuth)

	assert.False(t, store.has(KeyState))
	assert.False(t, store.has(KeyCodeVerifier))
	assert.Equal(t, string(StatusConnected), store.value(KeyConnectionStatus))
}

func TestCallback_StateMismatch(t *testing.T) {
	store := pendingStore("S2", "verifier-1")
	exchanger := &mockExchanger{result: &ExchangeResult{Success: true}}
	handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)

	outcome := handler.Begin(callbackParams("code", "C1", "state", "S1"), store, staticCreds("app-token")).Run(context.Background())

	assert.Equal(t, StatusError, outcome.Status)
	assert.Equal(t, KindCsrfValidationFailed, outcome.Kind)
	assert.NotContains(t, outcome.Message, "S2", "must not leak the expected state")
	assert.Equal(t, int32(0), exchanger.calls.Load())
	assert.False(t, store.has(KeyState))
	assert.False(t, store.has(KeyCodeVerifier))
	assert.Equal(t, string(StatusError), store.value(KeyConnectionStatus))
	assert.Equal(t, "/healthcare", outcome.RedirectTo)
	assert.Equal(t, 4*time.Second, outcome.RedirectAfter)
}

func TestCallback_ProviderDenied(t *testing.T) {
	tests := []struct {
		name    string
		params  url.Values
		wantMsg string
	}{
		{
			name:    "error only",
			params:  callbackParams("error", "access_denied"),
			wantMsg: "Epic authorization failed: access_denied",
		},
		{
			name:    "error with description",
			params:  callbackParams("error", "access_denied", "error_description", "User declined"),
			wantMsg: "Epic authorization failed: access_denied - User declined",
		},
		{
			name:    "error wins over code",
			params:  callbackParams("error", "access_denied", "code", "C1", "state", "S1"),
			wantMsg: "Epic authorization failed: access_denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := pendingStore("S1", "verifier-1")
			exchanger := &mockExchanger{}
			handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)

			outcome := handler.Begin(tt.params, store, staticCreds("app-token")).Run(context.Background())

			assert.Equal(t, KindAuthorizationDenied, outcome.Kind)
			assert.Equal(t, tt.wantMsg, outcome.Message)
			assert.Contains(t, outcome.Message, "access_denied")
			assert.Equal(t, int32(0), exchanger.calls.Load())
			assert.False(t, store.has(KeyState))
			assert.False(t, store.has(KeyCodeVerifier))
		})
	}
}

func TestCallback_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		params url.Values
	}{
		{name: "nothing", params: url.Values{}},
		{name: "code only", params: callbackParams("code", "C1")},
		{name: "state only", params: callbackParams("state", "S1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := pendingStore("S1", "verifier-1")
			exchanger := &mockExchanger{}
			handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)

			outcome := handler.Begin(tt.params, store, staticCreds("app-token")).Run(context.Background())

			assert.Equal(t, KindMalformedCallback, outcome.Kind)
			assert.Equal(t, StatusError, outcome.Status)
			assert.Equal(t, int32(0), exchanger.calls.Load())
			assert.False(t, store.has(KeyState))
		})
	}
}

func TestCallback_SessionExpired(t *testing.T) {
	tests := []struct {
		name  string
		store *memStorage
	}{
		{name: "no stored state", store: pendingStore("", "verifier-1")},
		{name: "no stored verifier", store: pendingStore("S1", "")},
		{name: "nothing stored", store: newMemStorage()},
		{name: "storage unreadable", store: func() *memStorage {
			s := pendingStore("S1", "verifier-1")
			s.getErr = errors.New("storage disabled")
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exchanger := &mockExchanger{}
			handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)

			outcome := handler.Begin(callbackParams("code", "C1", "state", "S1"), tt.store, staticCreds("app-token")).Run(context.Background())

			assert.Equal(t, KindSessionExpired, outcome.Kind)
			assert.Equal(t, "Session expired. Please try connecting again.", outcome.Message)
			assert.Equal(t, int32(0), exchanger.calls.Load())
		})
	}
}

func TestCallback_NotSignedIn(t *testing.T) {
	store := pendingStore("S1", "verifier-1")
	exchanger := &mockExchanger{}
	handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)

	outcome := handler.Begin(callbackParams("code", "C1", "state", "S1"), store, staticCreds("")).Run(context.Background())

	assert.Equal(t, KindNotSignedIn, outcome.Kind)
	assert.Equal(t, int32(0), exchanger.calls.Load())
	assert.False(t, store.has(KeyCodeVerifier))
}

func TestCallback_ExchangeFailed(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "relay message is surfaced",
			err:     &relayError{status: 500, message: "provider unreachable"},
			wantMsg: "provider unreachable",
		},
		{
			name:    "relay without message",
			err:     &relayError{status: 502},
			wantMsg: "Failed to exchange authorization code",
		},
		{
			name:    "transport error",
			err:     errors.New("connection refused"),
			wantMsg: "Failed to exchange authorization code",
		},
		{
			name:    "timeout",
			err:     context.DeadlineExceeded,
			wantMsg: "Timed out exchanging authorization code. Please try again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := pendingStore("S1", "verifier-1")
			exchanger := &mockExchanger{err: tt.err}
			handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)

			outcome := handler.Begin(callbackParams("code", "C1", "state", "S1"), store, staticCreds("app-token")).Run(context.Background())

			assert.Equal(t, KindExchangeFailed, outcome.Kind)
			assert.Equal(t, tt.wantMsg, outcome.Message)
			assert.Equal(t, int32(1), exchanger.calls.Load())
			assert.False(t, store.has(KeyState))
			assert.False(t, store.has(KeyCodeVerifier))
			assert.Equal(t, string(StatusError), store.value(KeyConnectionStatus))
		})
	}
}

func TestCallback_ExchangeTimeoutIsEnforced(t *testing.T) {
	store := pendingStore("S1", "verifier-1")
	exchanger := &mockExchanger{block: make(chan struct{})}
	cfg := DefaultFlowConfig()
	cfg.ExchangeTimeout = 20 * time.Millisecond
	handler := NewCallbackHandler(exchanger, cfg, nil)

	outcome := handler.Begin(callbackParams("code", "C1", "state", "S1"), store, staticCreds("app-token")).Run(context.Background())

	assert.Equal(t, KindExchangeFailed, outcome.Kind)
	assert.Equal(t, msgExchangeTimeout, outcome.Message)
}

func TestCallback_RunTwice_ExchangesOnce(t *testing.T) {
	store := pendingStore("S1", "verifier-1")
	exchanger := &mockExchanger{result: &ExchangeResult{Success: true}}
	handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)
	cb := handler.Begin(callbackParams("code", "C1", "state", "S1"), store, staticCreds("app-token"))

	first := cb.Run(context.Background())
	second := cb.Run(context.Background())

	assert.Equal(t, int32(1), exchanger.calls.Load())
	assert.Equal(t, first, second)
	assert.True(t, second.Succeeded(), "second run must not observe the cleared session as expiry")
}

func TestCallback_ConcurrentRuns_ExchangeOnce(t *testing.T) {
	store := pendingStore("S1", "verifier-1")
	release := make(chan struct{})
	exchanger := &mockExchanger{result: &ExchangeResult{Success: true}, block: release}
	handler := NewCallbackHandler(exchanger, DefaultFlowConfig(), nil)
	cb := handler.Begin(callbackParams("code", "C1", "state", "S1"), store, staticCreds("app-token"))

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = cb.Run(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return exchanger.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), exchanger.calls.Load())
	for _, o := range outcomes {
		assert.Equal(t, StatusConnected, o.Status)
	}
}

func TestFlowError_Is(t *testing.T) {
	err := newFlowError(KindSessionExpired, msgSessionExpired, errors.New("cause"))
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.NotErrorIs(t, err, ErrCsrfValidationFailed)
	assert.Equal(t, KindSessionExpired, KindOf(err))
	assert.Equal(t, KindNone, KindOf(errors.New("plain")))
}
