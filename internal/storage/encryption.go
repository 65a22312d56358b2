package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the required size for the encryption key (32 bytes for AES-256)
	KeySize = 32
	// NonceSize is the size of the nonce used in AES-GCM
	NonceSize = 12
)

var (
	ErrInvalidKeySize = errors.New("invalid key size: must be 32 bytes for AES-256")
	ErrInvalidNonce   = errors.New("invalid nonce size")
)

// Cipher seals token blobs with AES-256-GCM. The owning user id is bound as
// additional data so a row copied to another user fails to open.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher creates a Cipher for a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts plaintext for userID.
func (c *Cipher) Seal(userID string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nil, nonce, plaintext, []byte(userID)), nonce, nil
}

// Open decrypts a blob sealed for userID.
func (c *Cipher) Open(userID string, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrInvalidNonce
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
