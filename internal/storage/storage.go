package storage

import (
	"context"
	"time"
)

// TokenRecord is one user's encrypted Epic token as persisted.
type TokenRecord struct {
	UserID     string
	PatientID  string
	Scope      string
	Ciphertext []byte
	Nonce      []byte
	ExpiresAt  *time.Time
	LastSync   time.Time
}

// Storage defines the interface for low-level database operations
// required by the higher-level TokenStore.
type Storage interface {
	SaveToken(ctx context.Context, rec TokenRecord) error
	GetToken(ctx context.Context, userID string) (*TokenRecord, error)
	DeleteToken(ctx context.Context, userID string) error
	ListExpiring(ctx context.Context, before time.Time) ([]string, error)
}
