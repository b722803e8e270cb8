// Package testutil provides in-memory fakes of the harvester's stores, queue
// publisher and event sink. The fakes keep the compare-and-set semantics of
// the Postgres repositories so state machine tests exercise the same rules.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/types"
)

// AccountStore is an in-memory account repository
type AccountStore struct {
	mu       sync.Mutex
	accounts map[string]*models.ProviderAccount
	// Err, when set, is returned by every call
	Err error
}

// NewAccountStore creates a store holding copies of accounts
func NewAccountStore(accounts ...*models.ProviderAccount) *AccountStore {
	s := &AccountStore{accounts: make(map[string]*models.ProviderAccount)}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

// Put inserts or replaces an account
func (s *AccountStore) Put(a *models.ProviderAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = cloneAccount(a)
}

// Snapshot returns a copy of the stored account or nil
func (s *AccountStore) Snapshot(id string) *models.ProviderAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	return cloneAccount(a)
}

func cloneAccount(a *models.ProviderAccount) *models.ProviderAccount {
	c := *a
	c.LastAPIItemsDates = a.LastAPIItemsDates.Clone()
	if a.AccessToken != nil {
		v := *a.AccessToken
		c.AccessToken = &v
	}
	if a.AttemptID != nil {
		v := *a.AttemptID
		c.AttemptID = &v
	}
	c.FetchScheduledAt = cloneTime(a.FetchScheduledAt)
	c.FetchStartedAt = cloneTime(a.FetchStartedAt)
	c.NextAttemptAt = cloneTime(a.NextAttemptAt)
	c.LastSuccessfulCall = cloneTime(a.LastSuccessfulCall)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *AccountStore) find(id string) (*models.ProviderAccount, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, harvesterrors.ErrAccountNotFound
	}
	return a, nil
}

// inAttempt returns the account if it is in status `from` under attemptID
func (s *AccountStore) inAttempt(id, attemptID string, from types.FetchStatus) (*models.ProviderAccount, error) {
	a, err := s.find(id)
	if err != nil {
		return nil, err
	}
	if a.FetchStatus != from || a.CurrentAttempt() != attemptID {
		return nil, harvesterrors.ErrStaleTransition
	}
	return a, nil
}

// Get returns a copy of an account
func (s *AccountStore) Get(ctx context.Context, id string) (*models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return cloneAccount(a), nil
}

// Claim implements the worker claim
func (s *AccountStore) Claim(ctx context.Context, id, attemptID string, retryCount int, now time.Time) (*models.ProviderAccount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.find(id)
	if err != nil {
		return nil, false, err
	}
	if a.FetchStatus != types.FetchStatusScheduled || a.CurrentAttempt() != attemptID || a.RetryCount != retryCount {
		return nil, false, nil
	}
	a.FetchStatus = types.FetchStatusInProgress
	a.FetchStartedAt = &now
	a.NextAttemptAt = nil
	a.UpdatedAt = now
	return cloneAccount(a), true, nil
}

// Requeue moves an in_progress account back to scheduled, due at dueAt
func (s *AccountStore) Requeue(ctx context.Context, id, attemptID string, retryCount int, now, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.inAttempt(id, attemptID, types.FetchStatusInProgress)
	if err != nil {
		return err
	}
	a.FetchStatus = types.FetchStatusScheduled
	a.RetryCount = retryCount
	a.FetchScheduledAt = &now
	a.NextAttemptAt = &dueAt
	a.FetchStartedAt = nil
	a.UpdatedAt = now
	return nil
}

// SaveCursor merges cursor into the stored one
func (s *AccountStore) SaveCursor(ctx context.Context, id, attemptID string, cursor types.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.inAttempt(id, attemptID, types.FetchStatusInProgress)
	if err != nil {
		return err
	}
	a.LastAPIItemsDates = a.LastAPIItemsDates.Merge(cursor)
	return nil
}

// Complete moves an in_progress account to success
func (s *AccountStore) Complete(ctx context.Context, id, attemptID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.inAttempt(id, attemptID, types.FetchStatusInProgress)
	if err != nil {
		return err
	}
	a.FetchStatus = types.FetchStatusSuccess
	a.NextAttemptAt = nil
	a.LastSuccessfulCall = &now
	a.RetryCount = 0
	a.FetchStartedAt = nil
	a.UpdatedAt = now
	return nil
}

// Fail moves an in_progress account to failed
func (s *AccountStore) Fail(ctx context.Context, id, attemptID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.inAttempt(id, attemptID, types.FetchStatusInProgress)
	if err != nil {
		return err
	}
	a.FetchStatus = types.FetchStatusFailed
	a.NextAttemptAt = nil
	a.FetchStartedAt = nil
	a.UpdatedAt = now
	return nil
}

// ListByUser returns the accounts of a user ordered by id
func (s *AccountStore) ListByUser(ctx context.Context, userID string) ([]*models.ProviderAccount, error) {
	return s.list(func(a *models.ProviderAccount) bool { return a.UserID == userID })
}

// ListCandidates returns active authorized accounts of a provider in one of statuses
func (s *AccountStore) ListCandidates(ctx context.Context, provider types.ProviderType, statuses []types.FetchStatus) ([]*models.ProviderAccount, error) {
	return s.list(func(a *models.ProviderAccount) bool {
		if a.ProviderType != provider || !a.IsActive || !a.HasAccessToken() {
			return false
		}
		for _, st := range statuses {
			if a.FetchStatus == st {
				return true
			}
		}
		return false
	})
}

// ListOrphaned returns scheduled accounts waiting since before scheduledBefore
// and in_progress accounts started before startedBefore
func (s *AccountStore) ListOrphaned(ctx context.Context, provider types.ProviderType, scheduledBefore, startedBefore time.Time) ([]*models.ProviderAccount, error) {
	return s.list(func(a *models.ProviderAccount) bool {
		if a.ProviderType != provider || !a.IsActive || !a.HasAccessToken() {
			return false
		}
		switch a.FetchStatus {
		case types.FetchStatusScheduled:
			since := a.WaitingSince()
			return since != nil && since.Before(scheduledBefore)
		case types.FetchStatusInProgress:
			return a.FetchStartedAt != nil && a.FetchStartedAt.Before(startedBefore)
		}
		return false
	})
}

// Schedule starts a new attempt at retryCount if the account is still in `from` under expectedAttempt
func (s *AccountStore) Schedule(ctx context.Context, id string, from types.FetchStatus, expectedAttempt, newAttempt string, retryCount int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.find(id)
	if err != nil {
		return false, err
	}
	if a.FetchStatus != from || a.CurrentAttempt() != expectedAttempt {
		return false, nil
	}
	a.FetchStatus = types.FetchStatusScheduled
	a.AttemptID = &newAttempt
	a.RetryCount = retryCount
	a.FetchScheduledAt = &now
	a.FetchStartedAt = nil
	a.NextAttemptAt = nil
	a.UpdatedAt = now
	return true, nil
}

// Revert restores prev's status, attempt and schedule if the account is still
// scheduled under attemptID
func (s *AccountStore) Revert(ctx context.Context, prev *models.ProviderAccount, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.inAttempt(prev.ID, attemptID, types.FetchStatusScheduled)
	if err != nil {
		return err
	}
	a.FetchStatus = prev.FetchStatus
	a.AttemptID = nil
	if prev.AttemptID != nil {
		v := *prev.AttemptID
		a.AttemptID = &v
	}
	a.RetryCount = prev.RetryCount
	a.FetchScheduledAt = cloneTime(prev.FetchScheduledAt)
	a.FetchStartedAt = cloneTime(prev.FetchStartedAt)
	a.NextAttemptAt = cloneTime(prev.NextAttemptAt)
	return nil
}

func (s *AccountStore) list(match func(*models.ProviderAccount) bool) ([]*models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.ProviderAccount
	for _, a := range s.accounts {
		if match(a) {
			out = append(out, cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Account builds an active authorized account for tests
func Account(id, userID string, provider types.ProviderType, status types.FetchStatus) *models.ProviderAccount {
	token := "token-" + id
	return &models.ProviderAccount{
		ID:                id,
		UserID:            userID,
		ProviderType:      provider,
		ExternalAccountID: "ext-" + id,
		AccessToken:       &token,
		IsActive:          true,
		FetchStatus:       status,
		LastAPIItemsDates: types.Cursor{},
	}
}

// Scheduled builds a scheduled account under attemptID
func Scheduled(id, userID string, provider types.ProviderType, attemptID string, retryCount int) *models.ProviderAccount {
	a := Account(id, userID, provider, types.FetchStatusScheduled)
	a.AttemptID = &attemptID
	a.RetryCount = retryCount
	return a
}
