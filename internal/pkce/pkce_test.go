package pkce

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("entropy pool closed")
}

func TestBase64URLEncode(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{name: "empty", input: []byte{}, want: ""},
		{name: "plus and slash are substituted", input: []byte{0xfb, 0xff, 0xbf}, want: "-_-_"},
		{name: "padding is stripped", input: []byte("a"), want: "YQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Base64URLEncode(tt.input))
		})
	}
}

func TestSHA256_KnownVector(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", GenerateCodeChallenge(verifier))
	assert.Len(t, SHA256(verifier), 32)
}

func TestGenerateCodeVerifier(t *testing.T) {
	for i := 0; i < 200; i++ {
		verifier, err := GenerateCodeVerifier()
		require.NoError(t, err)
		assert.Len(t, verifier, 43)
		assert.Regexp(t, "^[A-Za-z0-9_-]+$", verifier)
		assert.False(t, strings.ContainsAny(verifier, "+/="))
	}
}

func TestGenerateCodeChallenge(t *testing.T) {
	v1, err := GenerateCodeVerifier()
	require.NoError(t, err)
	v2, err := GenerateCodeVerifier()
	require.NoError(t, err)

	assert.Equal(t, GenerateCodeChallenge(v1), GenerateCodeChallenge(v1), "challenge must be deterministic")
	assert.NotEqual(t, GenerateCodeChallenge(v1), GenerateCodeChallenge(v2))
	assert.Len(t, GenerateCodeChallenge(v1), 43)
}

func TestGenerateState_IndependentOfVerifier(t *testing.T) {
	seen := make(map[string]struct{}, 20000)
	for i := 0; i < 10000; i++ {
		state, err := GenerateState()
		require.NoError(t, err)
		verifier, err := GenerateCodeVerifier()
		require.NoError(t, err)

		require.NotEqual(t, state, verifier)
		_, dup := seen[state]
		require.False(t, dup, "state repeated")
		seen[state] = struct{}{}
		_, dup = seen[verifier]
		require.False(t, dup, "verifier repeated")
		seen[verifier] = struct{}{}
	}
}

func TestGeneratePKCEPair(t *testing.T) {
	pair, err := GeneratePKCEPair()
	require.NoError(t, err)
	assert.Len(t, pair.CodeVerifier, 43)
	assert.Equal(t, GenerateCodeChallenge(pair.CodeVerifier), pair.CodeChallenge)
	assert.True(t, ValidateChallenge(pair.CodeChallenge, pair.CodeVerifier))
}

func TestValidateChallenge(t *testing.T) {
	pair, err := GeneratePKCEPair()
	require.NoError(t, err)

	tests := []struct {
		name      string
		challenge string
		verifier  string
		want      bool
	}{
		{name: "valid pair", challenge: pair.CodeChallenge, verifier: pair.CodeVerifier, want: true},
		{name: "wrong verifier", challenge: pair.CodeChallenge, verifier: "wrong-verifier", want: false},
		{name: "empty challenge", challenge: "", verifier: pair.CodeVerifier, want: false},
		{name: "empty verifier", challenge: pair.CodeChallenge, verifier: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateChallenge(tt.challenge, tt.verifier))
		})
	}
}

func TestGenerator_EntropyFailure(t *testing.T) {
	g := NewGenerator(failingReader{})

	_, err := g.GenerateCodeVerifier()
	assert.ErrorIs(t, err, ErrEntropyUnavailable)

	_, err = g.GenerateState()
	assert.ErrorIs(t, err, ErrEntropyUnavailable)

	_, err = g.GeneratePKCEPair()
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestSecureRandomBytes(t *testing.T) {
	b, err := SecureRandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, b, 16)

	_, err = SecureRandomBytes(0)
	assert.Error(t, err)
}
