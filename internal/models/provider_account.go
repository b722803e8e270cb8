package models

import (
	"time"

	"github.com/commerce-harvester/internal/types"
)

// ProviderAccount is the persisted state of one user x provider pairing
type ProviderAccount struct {
	ID                 string             `json:"id" db:"id"`
	UserID             string             `json:"userId" db:"user_id"`
	ProviderType       types.ProviderType `json:"providerType" db:"provider_type"`
	ExternalAccountID  string             `json:"externalAccountId" db:"external_account_id"` // shop domain, shop id or connected account
	AccessToken        *string            `json:"-" db:"access_token"`
	IsActive           bool               `json:"isActive" db:"is_active"`
	FetchStatus        types.FetchStatus  `json:"fetchStatus" db:"fetch_status"`
	AttemptID          *string            `json:"attemptId,omitempty" db:"attempt_id"`
	RetryCount         int                `json:"retryCount" db:"retry_count"`
	FetchScheduledAt   *time.Time         `json:"fetchScheduledAt,omitempty" db:"fetch_scheduled_at"`
	FetchStartedAt     *time.Time         `json:"fetchStartedAt,omitempty" db:"fetch_started_at"`
	NextAttemptAt      *time.Time         `json:"nextAttemptAt,omitempty" db:"next_attempt_at"` // due time of a pending retry
	LastSuccessfulCall *time.Time         `json:"lastSuccessfulCall,omitempty" db:"last_successful_call"`
	LastAPIItemsDates  types.Cursor       `json:"lastApiItemsDates" db:"last_api_items_dates"`
	CreatedAt          time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time          `json:"updatedAt" db:"updated_at"`
}

// HasAccessToken reports whether the account has been authorized
func (a *ProviderAccount) HasAccessToken() bool {
	return a.AccessToken != nil && *a.AccessToken != ""
}

// Token returns the access token or an empty string
func (a *ProviderAccount) Token() string {
	if a.AccessToken == nil {
		return ""
	}
	return *a.AccessToken
}

// IsSchedulable reports whether a sweep may consider the account at all
func (a *ProviderAccount) IsSchedulable() bool {
	if !a.IsActive || !a.HasAccessToken() {
		return false
	}
	for _, s := range types.SchedulableStatuses {
		if a.FetchStatus == s {
			return true
		}
	}
	return false
}

// lastActivity is the reference point of the cadence guard
func (a *ProviderAccount) lastActivity() *time.Time {
	if a.LastSuccessfulCall != nil {
		return a.LastSuccessfulCall
	}
	return a.FetchScheduledAt
}

// DueAt returns when the account is next eligible for a harvest. A zero time
// means it is due immediately.
func (a *ProviderAccount) DueAt(cadence time.Duration) time.Time {
	if a.FetchStatus != types.FetchStatusSuccess {
		return time.Time{}
	}
	last := a.lastActivity()
	if last == nil {
		return time.Time{}
	}
	return last.Add(cadence)
}

// IsDue applies the cadence guard at now
func (a *ProviderAccount) IsDue(now time.Time, cadence time.Duration) bool {
	return !now.Before(a.DueAt(cadence))
}

// WaitingSince is the reference point of orphan detection for a scheduled
// account: the due time of a pending retry, or when it was scheduled.
func (a *ProviderAccount) WaitingSince() *time.Time {
	if a.NextAttemptAt != nil {
		return a.NextAttemptAt
	}
	return a.FetchScheduledAt
}

// CurrentAttempt returns the attempt id or an empty string
func (a *ProviderAccount) CurrentAttempt() string {
	if a.AttemptID == nil {
		return ""
	}
	return *a.AttemptID
}

// AccountStatusView is the read-only status projection shown to operators
type AccountStatusView struct {
	AccountID          string             `json:"accountId"`
	ProviderType       types.ProviderType `json:"providerType"`
	Status             types.FetchStatus  `json:"status"`
	StatusLabel        string             `json:"statusLabel"`
	RetryCount         int                `json:"retryCount"`
	LastSuccessfulCall *time.Time         `json:"lastSuccessfulCall,omitempty"`
	NextDueAt          *time.Time         `json:"nextDueAt,omitempty"`
	LastError          *string            `json:"lastError,omitempty"`
	LastErrorAt        *time.Time         `json:"lastErrorAt,omitempty"`
	Cursor             types.Cursor       `json:"cursor"`
}

// StatusView builds the projection, attaching the latest error log entry if any
func (a *ProviderAccount) StatusView(cadence time.Duration, lastErr *ErrorLogEntry) *AccountStatusView {
	view := &AccountStatusView{
		AccountID:          a.ID,
		ProviderType:       a.ProviderType,
		Status:             a.FetchStatus,
		StatusLabel:        a.FetchStatus.Label(),
		RetryCount:         a.RetryCount,
		LastSuccessfulCall: a.LastSuccessfulCall,
		Cursor:             a.LastAPIItemsDates.Clone(),
	}
	if due := a.DueAt(cadence); !due.IsZero() {
		view.NextDueAt = &due
	}
	if a.FetchStatus == types.FetchStatusScheduled && a.NextAttemptAt != nil {
		due := *a.NextAttemptAt
		view.NextDueAt = &due
	}
	if lastErr != nil {
		msg := lastErr.Classification
		view.LastError = &msg
		view.LastErrorAt = &lastErr.CreatedAt
	}
	return view
}
