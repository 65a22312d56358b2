package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sagaa-go/internal/config"
	"sagaa-go/internal/identity"
	"sagaa-go/internal/pkce"
)

// TestConnectFlowIntegration drives connect, callback and dashboard through
// the web app, the relay and a stand-in Epic token endpoint.
func TestConnectFlowIntegration(t *testing.T) {
	var (
		mu    sync.Mutex
		forms []url.Values
	)
	epicSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		forms = append(forms, r.PostForm)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "epic-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "epic-refresh",
			"scope":         "openid fhirUser patient/Patient.read",
			"patient":       "eq081-VQEgP8drUUqCWzHfw3",
		})
	}))
	defer epicSrv.Close()

	cfg := config.Default()
	cfg.PublicBaseURL = "http://sagaa.test"
	cfg.Epic.TokenURL = epicSrv.URL + "/oauth2/token"
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "relay.db")

	svc, err := NewRelayService(cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc.DB.Close()
	relaySrv := httptest.NewServer(svc.HttpServer.Handler)
	defer relaySrv.Close()
	cfg.Relay.URL = relaySrv.URL

	web, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	tok, err := identity.NewIssuer(cfg.Identity.Issuer, []byte(cfg.Identity.Secret), time.Hour).Mint("user-123", "user@example.com")
	require.NoError(t, err)
	cred := &http.Cookie{Name: identity.CookieName, Value: tok}

	// Connect
	rr := serve(web, httptest.NewRequest(http.MethodPost, "/auth/epic/connect", nil))
	require.Equal(t, http.StatusSeeOther, rr.Code)
	authURL, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	sid := sessionCookie(t, rr)
	state := authURL.Query().Get("state")
	challenge := authURL.Query().Get("code_challenge")

	// Epic redirects back
	rr = serve(web, httptest.NewRequest(http.MethodGet, "/auth/epic/callback?code=C1&state="+url.QueryEscape(state), nil), sid, cred)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Successfully connected to Epic MyChart!")

	mu.Lock()
	require.Len(t, forms, 1)
	form := forms[0]
	mu.Unlock()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "C1", form.Get("code"))
	assert.Equal(t, "http://sagaa.test/auth/epic/callback", form.Get("redirect_uri"))
	assert.Equal(t, cfg.Epic.ClientID, form.Get("client_id"))
	assert.Equal(t, challenge, pkce.GenerateCodeChallenge(form.Get("code_verifier")), "relay must send the verifier behind the challenge")

	// Token is stored encrypted for the signed-in user
	conn, err := svc.Auth.Status(context.Background(), "user-123")
	require.NoError(t, err)
	assert.True(t, conn.Connected)
	assert.Equal(t, "eq081-VQEgP8drUUqCWzHfw3", conn.PatientID)

	// Dashboard reflects both the session and the relay
	dash := serve(web, httptest.NewRequest(http.MethodGet, "/healthcare/dashboard", nil), sid, cred)
	assert.Contains(t, dash.Body.String(), `data-status="connected"`)
	assert.Contains(t, dash.Body.String(), "eq081-VQEgP8drUUqCWzHfw3")

	// Disconnect
	rr = serve(web, httptest.NewRequest(http.MethodPost, "/healthcare/disconnect", nil), sid, cred)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	conn, err = svc.Auth.Status(context.Background(), "user-123")
	require.NoError(t, err)
	assert.False(t, conn.Connected)
}
