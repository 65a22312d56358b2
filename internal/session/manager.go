package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"
)

// DefaultCookieName is the browser-session cookie holding the session id.
const DefaultCookieName = "sagaa_sid"

// Options configures a Manager.
type Options struct {
	CookieName string
	// Secure marks the cookie HTTPS-only.
	Secure bool
	// DefaultTTL bounds every entry written through a Session.
	DefaultTTL time.Duration
	// KeyTTL overrides DefaultTTL for specific keys.
	KeyTTL map[string]time.Duration
}

// Manager binds a Store to browser sessions identified by a cookie.
type Manager struct {
	store Store
	opts  Options
}

// NewManager creates a Manager.
func NewManager(store Store, opts Options) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 10 * time.Minute
	}
	return &Manager{store: store, opts: opts}
}

// Load returns the session for r, issuing a new session cookie on w when the
// browser has none yet.
func (m *Manager) Load(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if cookie, err := r.Cookie(m.opts.CookieName); err == nil && validSessionID(cookie.Value) {
		return m.bind(cookie.Value), nil
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	// No Expires/MaxAge: the cookie dies with the browser session. Lax lets it
	// ride along on the top-level redirect back from the provider.
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return m.bind(id), nil
}

// Peek returns the existing session for r without creating one.
func (m *Manager) Peek(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || !validSessionID(cookie.Value) {
		return nil, false
	}
	return m.bind(cookie.Value), true
}

func (m *Manager) bind(id string) *Session {
	return &Session{id: id, store: m.store, opts: &m.opts}
}

// Session is one browser session's view of the Store.
type Session struct {
	id    string
	store Store
	opts  *Options
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func (s *Session) key(k string) string { return "sess:" + s.id + ":" + k }

func (s *Session) ttl(k string) time.Duration {
	if ttl, ok := s.opts.KeyTTL[k]; ok && ttl > 0 {
		return ttl
	}
	return s.opts.DefaultTTL
}

// Get retrieves a value from this session.
func (s *Session) Get(ctx context.Context, key string) (string, bool, error) {
	return s.store.Get(ctx, s.key(key))
}

// Set stores a value in this session.
func (s *Session) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.key(key), value, s.ttl(key))
}

// Delete removes keys from this session.
func (s *Session) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.store.Delete(ctx, full...)
}

// generateSessionID creates a new random session ID.
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validSessionID(id string) bool {
	if len(id) != 43 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil
}
