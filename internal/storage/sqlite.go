package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// SQLiteStorage handles all database operations
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens the database at path. Call Migrate before use.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &SQLiteStorage{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// validateTokenInput checks if the token input parameters are valid
func validateTokenInput(rec TokenRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	if len(rec.Ciphertext) == 0 {
		return fmt.Errorf("%w: token cannot be empty", ErrInvalidInput)
	}
	if len(rec.Nonce) == 0 {
		return fmt.Errorf("%w: nonce cannot be empty", ErrInvalidInput)
	}
	return nil
}

// SaveToken stores or replaces a user's encrypted token. An empty scope keeps
// the previously granted one, since refresh responses may omit it.
func (s *SQLiteStorage) SaveToken(ctx context.Context, rec TokenRecord) error {
	if err := validateTokenInput(rec); err != nil {
		return err
	}

	var expiresAt sql.NullTime
	if rec.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: dbTime(*rec.ExpiresAt), Valid: true}
	}

	lastSync := rec.LastSync
	if lastSync.IsZero() {
		lastSync = time.Now()
	}

	query := `
		INSERT INTO epic_tokens (user_id, epic_patient_id, encrypted_token, nonce, scope, expires_at, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			epic_patient_id = excluded.epic_patient_id,
			encrypted_token = excluded.encrypted_token,
			nonce = excluded.nonce,
			scope = CASE WHEN excluded.scope = '' THEN epic_tokens.scope ELSE excluded.scope END,
			expires_at = excluded.expires_at,
			last_sync = excluded.last_sync
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.PatientID, rec.Ciphertext, rec.Nonce, rec.Scope, expiresAt, dbTime(lastSync))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetToken retrieves a user's encrypted token.
func (s *SQLiteStorage) GetToken(ctx context.Context, userID string) (*TokenRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}

	rec := &TokenRecord{UserID: userID}
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT epic_patient_id, encrypted_token, nonce, scope, expires_at, last_sync
		FROM epic_tokens
		WHERE user_id = ?`,
		userID).Scan(&rec.PatientID, &rec.Ciphertext, &rec.Nonce, &rec.Scope, &expiresAt, &rec.LastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: token not found for user %s", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	return rec, nil
}

// DeleteToken removes a user's token. Deleting a missing token is not an error.
func (s *SQLiteStorage) DeleteToken(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM epic_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// ListExpiring returns the users whose token expires before the given time.
func (s *SQLiteStorage) ListExpiring(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM epic_tokens
		WHERE expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at`,
		dbTime(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring tokens: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expiring tokens: %w", err)
	}
	return users, nil
}

// dbTime normalizes times so stored DATETIME text compares chronologically.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
