package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"sagaa-go/internal/storage"
)

// Mock token store
type mockTokenStore struct {
	mu       sync.Mutex
	tokens   map[string]*storage.StoredToken
	storeErr error
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{tokens: make(map[string]*storage.StoredToken)}
}

func (m *mockTokenStore) StoreToken(ctx context.Context, userID, patientID string, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	m.tokens[userID] = &storage.StoredToken{Token: token, PatientID: patientID, LastSync: time.Now()}
	return nil
}

func (m *mockTokenStore) GetToken(ctx context.Context, userID string) (*storage.StoredToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tokens[userID]
	if !ok {
		return nil, fmt.Errorf("%w: token not found for user %s", storage.ErrNotFound, userID)
	}
	return st, nil
}

func (m *mockTokenStore) DeleteToken(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}

func (m *mockTokenStore) ExpiringWithin(ctx context.Context, d time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, st := range m.tokens {
		if !st.Token.Expiry.IsZero() && st.Token.Expiry.Before(time.Now().Add(d)) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockTokenStore) get(userID string) *storage.StoredToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[userID]
}

// fakeEpic is a token endpoint that records the forms it receives.
type fakeEpic struct {
	*httptest.Server
	calls   atomic.Int32
	mu      sync.Mutex
	forms   []map[string]string
	status  int
	body    map[string]any
	delay   time.Duration
	release chan struct{}
}

func newFakeEpic(t *testing.T) *fakeEpic {
	f := &fakeEpic{
		status: http.StatusOK,
		body: map[string]any{
			"access_token":  "epic-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "epic-refresh",
			"scope":         "openid fhirUser patient/Patient.read",
			"patient":       "eq081-VQEgP8drUUqCWzHfw3",
		},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.forms = append(f.forms, form)
		status, body, release := f.status, f.body, f.release
		f.mu.Unlock()

		if release != nil {
			<-release
		}
		time.Sleep(f.delay)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeEpic) lastForm() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forms) == 0 {
		return nil
	}
	return f.forms[len(f.forms)-1]
}

func (f *fakeEpic) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    "client-123",
		RedirectURL: "http://localhost:3000/auth/epic/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.URL + "/oauth2/authorize",
			TokenURL:  f.URL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
