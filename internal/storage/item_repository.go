package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/commerce-harvester/internal/models"
)

// ItemRepository stores imported items, deduplicated on
// (account_id, item_type, external_id)
type ItemRepository struct {
	db *PostgresDB
}

// NewItemRepository creates a new item repository
func NewItemRepository(db *PostgresDB) *ItemRepository {
	return &ItemRepository{db: db}
}

// UpsertItems inserts items in one batch and returns those not stored before.
// Already stored items are left untouched.
func (r *ItemRepository) UpsertItems(ctx context.Context, items []*models.ImportedItem) ([]*models.ImportedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO imported_items (
			account_id, item_type, external_id, user_id, provider_type,
			occurred_at, amount_minor, currency, payload, imported_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::jsonb, '{}'::jsonb), $10)
		ON CONFLICT (account_id, item_type, external_id) DO NOTHING
		RETURNING external_id
	`

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, it := range items {
		if it.ImportedAt.IsZero() {
			it.ImportedAt = now
		}
		var payload []byte
		if len(it.Payload) > 0 {
			payload = it.Payload
		}
		batch.Queue(query,
			it.AccountID,
			string(it.ItemType),
			it.ExternalID,
			it.UserID,
			string(it.ProviderType),
			it.OccurredAt,
			it.AmountMinor,
			it.Currency,
			payload,
			it.ImportedAt,
		)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	var inserted []*models.ImportedItem
	for _, it := range items {
		var externalID string
		err := results.QueryRow().Scan(&externalID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to upsert item %s: %w", it.ExternalID, err)
		}
		inserted = append(inserted, it)
	}
	return inserted, nil
}

// CountByAccount returns the number of stored items of an account
func (r *ItemRepository) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := r.db.Pool().QueryRow(ctx, `SELECT count(*) FROM imported_items WHERE account_id = $1`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}
