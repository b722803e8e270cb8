// Package types provides common type definitions for the commerce harvester.
package types

import (
	"fmt"
	"strings"
)

// ProviderType identifies an external commerce or payment platform
type ProviderType string

const (
	// ProviderShopify represents the Shopify storefront API
	ProviderShopify ProviderType = "shopify"
	// ProviderEtsy represents the Etsy Open API
	ProviderEtsy ProviderType = "etsy"
	// ProviderStripe represents the Stripe payments API
	ProviderStripe ProviderType = "stripe"
)

// IsValid reports whether p can name a provider. Provider types appear in
// queue and rate-limit keys, so they may not be empty or contain ':' or spaces.
func (p ProviderType) IsValid() bool {
	return p != "" && !strings.ContainsAny(string(p), ": \t\n")
}

// FetchStatus represents where a provider account is in its fetch cycle
type FetchStatus string

const (
	// FetchStatusIdle represents an account that has never been scheduled
	FetchStatusIdle FetchStatus = "idle"
	// FetchStatusScheduled represents an account with a harvest message in flight
	FetchStatusScheduled FetchStatus = "scheduled"
	// FetchStatusInProgress represents an account owned by a running worker
	FetchStatusInProgress FetchStatus = "in_progress"
	// FetchStatusFailed represents an account whose last cycle ended in a terminal failure
	FetchStatusFailed FetchStatus = "failed"
	// FetchStatusSuccess represents an account whose last cycle completed
	FetchStatusSuccess FetchStatus = "success"
)

// IsValid reports whether s is a known fetch status
func (s FetchStatus) IsValid() bool {
	switch s {
	case FetchStatusIdle, FetchStatusScheduled, FetchStatusInProgress, FetchStatusFailed, FetchStatusSuccess:
		return true
	}
	return false
}

// Label returns the operator-facing name of the status
func (s FetchStatus) Label() string {
	switch s {
	case FetchStatusIdle:
		return "Idle"
	case FetchStatusScheduled:
		return "Scheduled"
	case FetchStatusInProgress:
		return "In progress"
	case FetchStatusFailed:
		return "Failed"
	case FetchStatusSuccess:
		return "Success"
	default:
		return string(s)
	}
}

// SchedulableStatuses are the statuses a sweep picks candidates from
var SchedulableStatuses = []FetchStatus{FetchStatusIdle, FetchStatusSuccess}

// transitions lists every allowed edge of the fetch state machine.
// in_progress -> scheduled is the worker requeue edge (retry or admission wait).
var transitions = map[FetchStatus][]FetchStatus{
	FetchStatusIdle:       {FetchStatusScheduled},
	FetchStatusScheduled:  {FetchStatusInProgress, FetchStatusScheduled, FetchStatusIdle, FetchStatusSuccess, FetchStatusFailed},
	FetchStatusInProgress: {FetchStatusScheduled, FetchStatusSuccess, FetchStatusFailed},
	FetchStatusSuccess:    {FetchStatusScheduled},
	FetchStatusFailed:     {FetchStatusScheduled},
}

// CanTransition reports whether the state machine allows from -> to.
// scheduled -> {idle, success, failed} exists only to revert a schedule whose publish failed.
func CanTransition(from, to FetchStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected state change
type TransitionError struct {
	From FetchStatus
	To   FetchStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid fetch status transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns a *TransitionError when from -> to is not allowed
func ValidateTransition(from, to FetchStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// ItemType names a kind of upstream record (order, receipt, charge)
type ItemType string

const (
	ItemTypeOrder   ItemType = "order"
	ItemTypeReceipt ItemType = "receipt"
	ItemTypeCharge  ItemType = "charge"
)
