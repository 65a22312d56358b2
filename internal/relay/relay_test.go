package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaa-go/internal/auth"
	"sagaa-go/internal/epic"
	"sagaa-go/internal/identity"
)

var (
	testSecret   = []byte("0123456789abcdef0123456789abcdef")
	testVerifier = strings.Repeat("v", 43)
)

type fakeManager struct {
	mu          sync.Mutex
	exchangeErr error
	statusErr   error
	conns       map[string]*auth.Connection
	lastUser    string
	lastCode    string
	lastVerif   string
}

func newFakeManager() *fakeManager {
	return &fakeManager{conns: map[string]*auth.Connection{}}
}

func (f *fakeManager) Exchange(ctx context.Context, userID, code, verifier string) (*auth.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUser, f.lastCode, f.lastVerif = userID, code, verifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	conn := &auth.Connection{Connected: true, PatientID: "eq081", LastSync: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	f.conns[userID] = conn
	return conn, nil
}

func (f *fakeManager) Status(ctx context.Context, userID string) (*auth.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if c, ok := f.conns[userID]; ok {
		return c, nil
	}
	return &auth.Connection{}, nil
}

func (f *fakeManager) Disconnect(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, userID)
	return nil
}

func newRelay(t *testing.T, m Manager) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(NewServer(m, identity.NewVerifier("sagaa", testSecret), nil).Routes())
	t.Cleanup(srv.Close)

	tok, err := identity.NewIssuer("sagaa", testSecret, time.Hour).Mint("user-1", "u@example.com")
	require.NoError(t, err)
	return NewClient(srv.URL+"/", 5*time.Second), tok
}

func TestRelay_ExchangeStatusDisconnect(t *testing.T) {
	m := newFakeManager()
	client, tok := newRelay(t, m)
	ctx := context.Background()

	res, err := client.Exchange(ctx, tok, epic.ExchangeRequest{Code: "C1", CodeVerifier: testVerifier})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "eq081", res.PatientID)
	assert.Equal(t, "user-1", m.lastUser, "user comes from the verified credential")
	assert.Equal(t, "C1", m.lastCode)
	assert.Equal(t, testVerifier, m.lastVerif)

	status, err := client.Status(ctx, tok)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Equal(t, "eq081", status.EpicPatientID)
	require.NotNil(t, status.ExpiresAt)
	require.NotNil(t, status.LastSync)

	require.NoError(t, client.Disconnect(ctx, tok))

	status, err = client.Status(ctx, tok)
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Nil(t, status.ExpiresAt)
}

func TestRelay_Unauthenticated(t *testing.T) {
	client, _ := newRelay(t, newFakeManager())

	tests := []struct {
		name  string
		token string
	}{
		{name: "no credential", token: ""},
		{name: "forged credential", token: "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Exchange(context.Background(), tt.token, epic.ExchangeRequest{Code: "C1", CodeVerifier: testVerifier})
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
		})
	}
}

func TestRelay_ExchangeBadRequest(t *testing.T) {
	m := newFakeManager()
	client, tok := newRelay(t, m)

	tests := []struct {
		name string
		req  epic.ExchangeRequest
	}{
		{name: "missing code", req: epic.ExchangeRequest{CodeVerifier: testVerifier}},
		{name: "missing verifier", req: epic.ExchangeRequest{Code: "C1"}},
		{name: "short verifier", req: epic.ExchangeRequest{Code: "C1", CodeVerifier: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Exchange(context.Background(), tok, tt.req)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, http.StatusBadRequest, se.StatusCode)
			assert.Contains(t, se.UserMessage(), "code and codeVerifier")
		})
	}
	assert.Empty(t, m.lastCode, "manager must not be called")
}

func TestRelay_ExchangeFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "provider rejects",
			err:        &auth.ProviderError{StatusCode: 400, Code: "invalid_grant", Description: "code expired"},
			wantStatus: http.StatusBadGateway,
			wantMsg:    "Failed to complete Epic OAuth flow: epic token endpoint: invalid_grant - code expired",
		},
		{
			name:       "internal error",
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Failed to complete Epic OAuth flow: Internal server error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeManager()
			m.exchangeErr = tt.err
			client, tok := newRelay(t, m)

			_, err := client.Exchange(context.Background(), tok, epic.ExchangeRequest{Code: "C1", CodeVerifier: testVerifier})
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.wantStatus, se.StatusCode)
			assert.Equal(t, tt.wantMsg, se.UserMessage())
			assert.NotContains(t, se.UserMessage(), "disk full")
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, 20*time.Millisecond)
	_, err := client.Exchange(context.Background(), "tok", epic.ExchangeRequest{Code: "C1", CodeVerifier: testVerifier})
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second).Disconnect(context.Background(), "tok")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Empty(t, se.UserMessage())
}

func TestRelay_Healthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeManager(), identity.NewVerifier("sagaa", testSecret), nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
