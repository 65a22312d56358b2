package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// StoredToken is a decrypted Epic token with the patient it was issued for.
type StoredToken struct {
	Token     *oauth2.Token
	PatientID string
	Scope     string
	LastSync  time.Time
}

// TokenStore handles the logic for storing and retrieving OAuth2 tokens,
// including encryption and decryption.
type TokenStore struct {
	db     Storage
	cipher *Cipher
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(db Storage, key []byte) (*TokenStore, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &TokenStore{db: db, cipher: c}, nil
}

// GetToken retrieves a decrypted token for a user.
func (ts *TokenStore) GetToken(ctx context.Context, userID string) (*StoredToken, error) {
	rec, err := ts.db.GetToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get encrypted token from db: %w", err)
	}

	plaintext, err := ts.cipher.Open(userID, rec.Ciphertext, rec.Nonce)
	if err != nil {
		return nil, err
	}

	var token oauth2.Token
	if err := json.Unmarshal(plaintext, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &StoredToken{
		Token:     &token,
		PatientID: rec.PatientID,
		Scope:     rec.Scope,
		LastSync:  rec.LastSync,
	}, nil
}

// StoreToken encrypts and stores a token for a user.
func (ts *TokenStore) StoreToken(ctx context.Context, userID, patientID string, token *oauth2.Token) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}

	tokenBytes, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ciphertext, nonce, err := ts.cipher.Seal(userID, tokenBytes)
	if err != nil {
		return err
	}

	rec := TokenRecord{
		UserID:     userID,
		PatientID:  patientID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		LastSync:   time.Now(),
	}
	if scope, ok := token.Extra("scope").(string); ok {
		rec.Scope = scope
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		rec.ExpiresAt = &expiry
	}
	return ts.db.SaveToken(ctx, rec)
}

// DeleteToken removes a token for a user.
func (ts *TokenStore) DeleteToken(ctx context.Context, userID string) error {
	return ts.db.DeleteToken(ctx, userID)
}

// ExpiringWithin lists users whose token expires within d.
func (ts *TokenStore) ExpiringWithin(ctx context.Context, d time.Duration) ([]string, error) {
	return ts.db.ListExpiring(ctx, time.Now().Add(d))
}
