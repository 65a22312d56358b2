// Package pkce implements the Proof Key for Code Exchange helpers (RFC 7636)
// used by the Epic authorization flow: secure random draws, SHA-256 hashing,
// base64url encoding, code verifier/challenge pairs and CSRF state tokens.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// MethodS256 is the only challenge method this package produces.
	MethodS256 = "S256"

	// entropyBytes is the size of every verifier and state draw.
	// 32 bytes encode to exactly 43 base64url characters.
	entropyBytes = 32
)

// ErrEntropyUnavailable is returned when the secure random source fails.
var ErrEntropyUnavailable = errors.New("secure random source unavailable")

// Pair is a code verifier together with its S256 challenge.
type Pair struct {
	CodeVerifier  string
	CodeChallenge string
}

// Generator draws verifiers and state tokens from an entropy source.
// The zero value uses crypto/rand.
type Generator struct {
	Rand io.Reader
}

// NewGenerator creates a Generator reading from r. A nil r means crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	return &Generator{Rand: r}
}

var defaultGenerator = &Generator{}

func (g *Generator) reader() io.Reader {
	if g == nil || g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

// SecureRandomBytes returns n bytes from the generator's entropy source.
func (g *Generator) SecureRandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid random length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(g.reader(), b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return b, nil
}

// GenerateCodeVerifier returns a fresh 43-character verifier.
func (g *Generator) GenerateCodeVerifier() (string, error) {
	return g.randomString()
}

// GenerateState returns a fresh CSRF state token. It is a separate draw from
// the verifier and is never fed into the challenge computation.
func (g *Generator) GenerateState() (string, error) {
	return g.randomString()
}

// GeneratePKCEPair returns a new verifier and its challenge. It has no side
// effects; persisting the verifier is the caller's job.
func (g *Generator) GeneratePKCEPair() (Pair, error) {
	verifier, err := g.GenerateCodeVerifier()
	if err != nil {
		return Pair{}, fmt.Errorf("generating code verifier: %w", err)
	}
	return Pair{
		CodeVerifier:  verifier,
		CodeChallenge: GenerateCodeChallenge(verifier),
	}, nil
}

func (g *Generator) randomString() (string, error) {
	b, err := g.SecureRandomBytes(entropyBytes)
	if err != nil {
		return "", err
	}
	return Base64URLEncode(b), nil
}

// SecureRandomBytes returns n bytes from crypto/rand.
func SecureRandomBytes(n int) ([]byte, error) {
	return defaultGenerator.SecureRandomBytes(n)
}

// GenerateCodeVerifier returns a fresh verifier drawn from crypto/rand.
func GenerateCodeVerifier() (string, error) {
	return defaultGenerator.GenerateCodeVerifier()
}

// GenerateState returns a fresh state token drawn from crypto/rand.
func GenerateState() (string, error) {
	return defaultGenerator.GenerateState()
}

// GeneratePKCEPair returns a verifier/challenge pair drawn from crypto/rand.
func GeneratePKCEPair() (Pair, error) {
	return defaultGenerator.GeneratePKCEPair()
}

// Base64URLEncode encodes b as base64url without padding.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// SHA256 hashes the UTF-8 bytes of text.
func SHA256(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return sum[:]
}

// GenerateCodeChallenge derives the S256 challenge for verifier.
func GenerateCodeChallenge(verifier string) string {
	return Base64URLEncode(SHA256(verifier))
}

// ValidateChallenge reports whether challenge is the S256 challenge of verifier.
func ValidateChallenge(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	expected := GenerateCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}
