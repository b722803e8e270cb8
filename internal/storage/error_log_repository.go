package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/commerce-harvester/internal/models"
)

// ErrorLogRepository appends terminal fetch failures. An attempt is logged at
// most once.
type ErrorLogRepository struct {
	db *PostgresDB
}

// NewErrorLogRepository creates a new error log repository
func NewErrorLogRepository(db *PostgresDB) *ErrorLogRepository {
	return &ErrorLogRepository{db: db}
}

// Append records entry. It returns false when the attempt was already logged.
func (r *ErrorLogRepository) Append(ctx context.Context, entry *models.ErrorLogEntry) (bool, error) {
	query := `
		INSERT INTO fetch_error_log (account_id, attempt_id, raw_message, classification, retry_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, attempt_id) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		entry.AccountID,
		entry.AttemptID,
		entry.RawMessage,
		entry.Classification,
		entry.RetryCount,
	).Scan(&entry.ID, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to append error log entry: %w", err)
	}
	return true, nil
}

// Latest returns the newest entry of an account, or nil
func (r *ErrorLogRepository) Latest(ctx context.Context, accountID string) (*models.ErrorLogEntry, error) {
	entries, err := r.List(ctx, accountID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// List returns up to limit entries of an account, newest first
func (r *ErrorLogRepository) List(ctx context.Context, accountID string, limit int) ([]*models.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, attempt_id, raw_message, classification, retry_count, created_at
		FROM fetch_error_log
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list error log: %w", err)
	}
	defer rows.Close()

	var out []*models.ErrorLogEntry
	for rows.Next() {
		var e models.ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.AttemptID, &e.RawMessage, &e.Classification, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error log entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
