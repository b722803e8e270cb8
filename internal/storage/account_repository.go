package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/types"
)

const accountColumns = `
	id, user_id, provider_type, external_account_id, access_token, is_active,
	fetch_status, attempt_id, retry_count, fetch_scheduled_at, fetch_started_at,
	next_attempt_at, last_successful_call, last_api_items_dates, created_at, updated_at`

// AccountRepository persists provider accounts. Every status write is a
// compare-and-set on the current status and attempt id.
type AccountRepository struct {
	db *PostgresDB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *PostgresDB) *AccountRepository {
	return &AccountRepository{db: db}
}

func scanAccount(row pgx.Row) (*models.ProviderAccount, error) {
	var a models.ProviderAccount
	var provider, status string
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&provider,
		&a.ExternalAccountID,
		&a.AccessToken,
		&a.IsActive,
		&status,
		&a.AttemptID,
		&a.RetryCount,
		&a.FetchScheduledAt,
		&a.FetchStartedAt,
		&a.NextAttemptAt,
		&a.LastSuccessfulCall,
		&a.LastAPIItemsDates,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ProviderType = types.ProviderType(provider)
	a.FetchStatus = types.FetchStatus(status)
	if a.LastAPIItemsDates == nil {
		a.LastAPIItemsDates = types.Cursor{}
	}
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]*models.ProviderAccount, error) {
	defer rows.Close()
	var out []*models.ProviderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return out, nil
}

// nullable maps "" to NULL
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// uniqueViolation is the SQLSTATE of a unique constraint violation
const uniqueViolation = "23505"

// Create inserts a new account. A second account for the same user and
// provider returns ErrAccountExists.
func (r *AccountRepository) Create(ctx context.Context, a *models.ProviderAccount) error {
	if !a.ProviderType.IsValid() {
		return fmt.Errorf("invalid provider type %q", a.ProviderType)
	}
	if a.FetchStatus == "" {
		a.FetchStatus = types.FetchStatusIdle
	}
	if a.LastAPIItemsDates == nil {
		a.LastAPIItemsDates = types.Cursor{}
	}

	query := `
		INSERT INTO provider_accounts (
			id, user_id, provider_type, external_account_id, access_token,
			is_active, fetch_status, last_api_items_dates
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		a.ID,
		a.UserID,
		string(a.ProviderType),
		a.ExternalAccountID,
		a.AccessToken,
		a.IsActive,
		string(a.FetchStatus),
		a.LastAPIItemsDates,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("user %s %s: %w", a.UserID, a.ProviderType, harvesterrors.ErrAccountExists)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Get retrieves an account by id
func (r *AccountRepository) Get(ctx context.Context, id string) (*models.ProviderAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM provider_accounts WHERE id = $1`
	a, err := scanAccount(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, harvesterrors.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// ListByUser returns every account of a user
func (r *AccountRepository) ListByUser(ctx context.Context, userID string) ([]*models.ProviderAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM provider_accounts WHERE user_id = $1 ORDER BY id`
	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts of user: %w", err)
	}
	return collectAccounts(rows)
}

// ListCandidates returns active authorized accounts of a provider in one of statuses
func (r *AccountRepository) ListCandidates(ctx context.Context, provider types.ProviderType, statuses []types.FetchStatus) ([]*models.ProviderAccount, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `
		SELECT ` + accountColumns + `
		FROM provider_accounts
		WHERE provider_type = $1
		  AND is_active
		  AND access_token IS NOT NULL AND access_token <> ''
		  AND fetch_status = ANY($2)
		ORDER BY id
	`
	rows, err := r.db.Pool().Query(ctx, query, string(provider), names)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return collectAccounts(rows)
}

// ListOrphaned returns scheduled accounts waiting since before scheduledBefore
// and in_progress accounts started before startedBefore. A pending retry
// waits from its due time, not from when it was requeued.
func (r *AccountRepository) ListOrphaned(ctx context.Context, provider types.ProviderType, scheduledBefore, startedBefore time.Time) ([]*models.ProviderAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM provider_accounts
		WHERE provider_type = $1
		  AND is_active
		  AND access_token IS NOT NULL AND access_token <> ''
		  AND (
		        (fetch_status = 'scheduled' AND COALESCE(next_attempt_at, fetch_scheduled_at) < $2)
		     OR (fetch_status = 'in_progress' AND fetch_started_at < $3)
		  )
		ORDER BY id
	`
	rows, err := r.db.Pool().Query(ctx, query, string(provider), scheduledBefore, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned accounts: %w", err)
	}
	return collectAccounts(rows)
}

// exists distinguishes a lost compare-and-set from a missing account
func (r *AccountRepository) exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM provider_accounts WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return found, nil
}

// Claim moves a scheduled account to in_progress if attemptID and retryCount
// match. It returns false when they do not.
func (r *AccountRepository) Claim(ctx context.Context, id, attemptID string, retryCount int, now time.Time) (*models.ProviderAccount, bool, error) {
	query := `
		UPDATE provider_accounts
		SET fetch_status = 'in_progress', fetch_started_at = $4, next_attempt_at = NULL, updated_at = $4
		WHERE id = $1 AND fetch_status = 'scheduled' AND attempt_id = $2 AND retry_count = $3
		RETURNING ` + accountColumns

	a, err := scanAccount(r.db.Pool().QueryRow(ctx, query, id, attemptID, retryCount, now))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to claim account: %w", err)
	}

	found, err := r.exists(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("account %s: %w", id, harvesterrors.ErrAccountNotFound)
	}
	return nil, false, nil
}

// Transition moves an account from one status to another under attemptID.
// Timestamps follow the target status; retryCount, when set, replaces the
// counter. It returns false when the account is not in `from` under attemptID.
func (r *AccountRepository) Transition(ctx context.Context, id string, from, to types.FetchStatus, attemptID string, retryCount *int, now time.Time) (bool, error) {
	if err := types.ValidateTransition(from, to); err != nil {
		return false, err
	}

	query := `
		UPDATE provider_accounts
		SET fetch_status = $3,
		    retry_count = CASE WHEN $3 = 'success' THEN 0 ELSE COALESCE($5, retry_count) END,
		    fetch_scheduled_at = CASE WHEN $3 = 'scheduled' THEN $6 ELSE fetch_scheduled_at END,
		    fetch_started_at = CASE WHEN $3 = 'in_progress' THEN $6 ELSE NULL END,
		    next_attempt_at = NULL,
		    last_successful_call = CASE WHEN $3 = 'success' THEN $6 ELSE last_successful_call END,
		    updated_at = $6
		WHERE id = $1 AND fetch_status = $2 AND attempt_id IS NOT DISTINCT FROM $4
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, string(from), string(to), nullable(attemptID), retryCount, now)
	if err != nil {
		return false, fmt.Errorf("failed to transition account %s -> %s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AccountRepository) mustTransition(ctx context.Context, id string, from, to types.FetchStatus, attemptID string, retryCount *int, now time.Time) error {
	ok, err := r.Transition(ctx, id, from, to, attemptID, retryCount, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %s %s -> %s: %w", id, from, to, harvesterrors.ErrStaleTransition)
	}
	return nil
}

// Requeue moves an in_progress account back to scheduled at retryCount. dueAt
// is when the re-published message becomes deliverable.
func (r *AccountRepository) Requeue(ctx context.Context, id, attemptID string, retryCount int, now, dueAt time.Time) error {
	query := `
		UPDATE provider_accounts
		SET fetch_status = 'scheduled', retry_count = $3, fetch_scheduled_at = $4,
		    next_attempt_at = $5, fetch_started_at = NULL, updated_at = $4
		WHERE id = $1 AND fetch_status = 'in_progress' AND attempt_id = $2
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, attemptID, retryCount, now, dueAt)
	if err != nil {
		return fmt.Errorf("failed to requeue account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s requeue: %w", id, harvesterrors.ErrStaleTransition)
	}
	return nil
}

// Complete moves an in_progress account to success
func (r *AccountRepository) Complete(ctx context.Context, id, attemptID string, now time.Time) error {
	return r.mustTransition(ctx, id, types.FetchStatusInProgress, types.FetchStatusSuccess, attemptID, nil, now)
}

// Fail moves an in_progress account to failed
func (r *AccountRepository) Fail(ctx context.Context, id, attemptID string, now time.Time) error {
	return r.mustTransition(ctx, id, types.FetchStatusInProgress, types.FetchStatusFailed, attemptID, nil, now)
}

// Schedule starts newAttempt at retryCount if the account is still in `from`
// under expectedAttempt ("" matches no attempt)
func (r *AccountRepository) Schedule(ctx context.Context, id string, from types.FetchStatus, expectedAttempt, newAttempt string, retryCount int, now time.Time) (bool, error) {
	if err := types.ValidateTransition(from, types.FetchStatusScheduled); err != nil {
		return false, err
	}

	query := `
		UPDATE provider_accounts
		SET fetch_status = 'scheduled', attempt_id = $4, retry_count = $6,
		    fetch_scheduled_at = $5, fetch_started_at = NULL, next_attempt_at = NULL, updated_at = $5
		WHERE id = $1 AND fetch_status = $2 AND attempt_id IS NOT DISTINCT FROM $3
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, string(from), nullable(expectedAttempt), newAttempt, now, retryCount)
	if err != nil {
		return false, fmt.Errorf("failed to schedule account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Revert restores prev's status, attempt and schedule if the account is
// still scheduled under attemptID
func (r *AccountRepository) Revert(ctx context.Context, prev *models.ProviderAccount, attemptID string) error {
	query := `
		UPDATE provider_accounts
		SET fetch_status = $3, attempt_id = $4, retry_count = $5,
		    fetch_scheduled_at = $6, fetch_started_at = $7, next_attempt_at = $8, updated_at = now()
		WHERE id = $1 AND fetch_status = 'scheduled' AND attempt_id = $2
	`
	tag, err := r.db.Pool().Exec(ctx, query,
		prev.ID,
		attemptID,
		string(prev.FetchStatus),
		prev.AttemptID,
		prev.RetryCount,
		prev.FetchScheduledAt,
		prev.FetchStartedAt,
		prev.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to revert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s revert: %w", prev.ID, harvesterrors.ErrStaleTransition)
	}
	return nil
}

// SaveCursor merges cursor into the persisted one under a row lock, so the
// stored high-water mark never moves backwards
func (r *AccountRepository) SaveCursor(ctx context.Context, id, attemptID string, cursor types.Cursor) error {
	return pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		var current types.Cursor
		err := tx.QueryRow(ctx, `
			SELECT last_api_items_dates FROM provider_accounts
			WHERE id = $1 AND fetch_status = 'in_progress' AND attempt_id = $2
			FOR UPDATE`, id, attemptID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %s cursor: %w", id, harvesterrors.ErrStaleTransition)
		}
		if err != nil {
			return fmt.Errorf("failed to lock cursor: %w", err)
		}

		if !current.Advances(cursor) {
			return nil
		}
		merged := current.Merge(cursor)
		if _, err := tx.Exec(ctx, `
			UPDATE provider_accounts SET last_api_items_dates = $2, updated_at = now()
			WHERE id = $1`, id, merged); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		return nil
	})
}
