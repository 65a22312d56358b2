package storage

import (
	"context"
	"fmt"
	"time"
)

// CleanupStaleTokens removes tokens that expired more than retention ago and
// were never refreshed since.
func (s *SQLiteStorage) CleanupStaleTokens(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: retention period must be positive", ErrInvalidInput)
	}

	cutoff := dbTime(time.Now().Add(-retention))
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM epic_tokens
		WHERE expires_at IS NOT NULL AND expires_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale tokens: %w", err)
	}

	return result.RowsAffected()
}
