// Package identity mints and verifies the application user's bearer
// credential. The relay uses it to attribute stored Epic tokens to a user.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName carries the credential for browser navigations, which cannot set
// an Authorization header.
const CookieName = "sagaa_id_token"

var (
	ErrNoCredential      = errors.New("identity: no credential")
	ErrInvalidCredential = errors.New("identity: invalid credential")
)

// Claims are the registered claims plus the user's email.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints HS256 credentials.
type Issuer struct {
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(issuer string, secret []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{issuer: issuer, secret: secret, ttl: ttl, now: time.Now}
}

// Mint returns a signed credential for userID.
func (i *Issuer) Mint(userID, email string) (string, error) {
	if userID == "" {
		return "", errors.New("identity: empty user id")
	}
	now := i.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return signed, nil
}

// Verifier checks credentials minted by an Issuer sharing the same secret.
type Verifier struct {
	issuer string
	secret []byte
}

// NewVerifier creates a Verifier.
func NewVerifier(issuer string, secret []byte) *Verifier {
	return &Verifier{issuer: issuer, secret: secret}
}

// Verify parses tokenStr and enforces signature, issuer and expiry.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrNoCredential
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims, nil
}

// FromRequest returns the raw credential from the Authorization header, falling
// back to the identity cookie.
func FromRequest(r *http.Request) (string, error) {
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok, nil
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrNoCredential
}

func bearerToken(authorization string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type ctxKey struct{}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom returns claims stored by WithClaims.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}
