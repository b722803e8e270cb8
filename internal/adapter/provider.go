// Package adapter contains the per-platform harvest routines and the registry
// the scheduler and worker use to reach them.
package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/types"
)

// Provider is the capability set of one commerce platform.
//
// Fetch streams pages oldest first starting after cursor. onPage is called once
// per page; when it returns an error the fetch stops and returns that error.
// Calling Fetch again with the cursor of the last accepted page must not
// re-deliver items except possibly at the page boundary.
type Provider interface {
	Type() types.ProviderType
	Fetch(ctx context.Context, account *models.ProviderAccount, cursor types.Cursor, onPage PageFunc) error
	Classifier() retry.Classifier
	StaticRateDefault() ratelimit.Rate
}

// PageFunc receives one page of a fetch
type PageFunc func(ctx context.Context, page *Page) error

// Page is one batch of upstream records. Cursor is the high-water mark after
// the page; it is empty when the page cannot be resumed from on its own.
type Page struct {
	ItemType types.ItemType
	Items    []RawItem
	Cursor   types.Cursor
}

// RawItem is an upstream record before it is tied to an account
type RawItem struct {
	ExternalID  string
	OccurredAt  time.Time
	AmountMinor int64
	Currency    string
	Payload     json.RawMessage
}

// HealthStatus is a snapshot of one provider's request health
type HealthStatus struct {
	Provider         types.ProviderType `json:"provider"`
	BaseURL          string             `json:"baseUrl"`
	TotalRequests    int64              `json:"totalRequests"`
	SuccessfulReqs   int64              `json:"successfulRequests"`
	FailedReqs       int64              `json:"failedRequests"`
	SuccessRate      float64            `json:"successRate"`
	AverageLatency   time.Duration      `json:"averageLatency"`
	LastSuccess      time.Time          `json:"lastSuccess"`
	LastFailure      time.Time          `json:"lastFailure"`
	ConsecutiveFails int                `json:"consecutiveFails"`
	IsHealthy        bool               `json:"isHealthy"`
}

// Health tracks request outcomes against one provider API
type Health struct {
	mu sync.RWMutex

	provider types.ProviderType
	baseURL  string

	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	maxConsecutiveFails int
	minSuccessRate      float64
	now                 func() time.Time
}

// NewHealth creates a tracker with the default thresholds: five consecutive
// failures or a success rate below 50% over at least ten requests.
func NewHealth(provider types.ProviderType, baseURL string) *Health {
	return &Health{
		provider:            provider,
		baseURL:             baseURL,
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5,
		now:                 time.Now,
	}
}

// RecordSuccess records a successful request
func (h *Health) RecordSuccess(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.successfulReqs++
	h.totalLatency += duration
	h.lastSuccess = h.now()
	h.consecutiveFails = 0
}

// RecordFailure records a failed request
func (h *Health) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.failedReqs++
	h.lastFailure = h.now()
	h.consecutiveFails++
}

// Status returns a snapshot
func (h *Health) Status() *HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var successRate float64
	if h.totalRequests > 0 {
		successRate = float64(h.successfulReqs) / float64(h.totalRequests)
	}
	var avgLatency time.Duration
	if h.successfulReqs > 0 {
		avgLatency = h.totalLatency / time.Duration(h.successfulReqs)
	}

	return &HealthStatus{
		Provider:         h.provider,
		BaseURL:          h.baseURL,
		TotalRequests:    h.totalRequests,
		SuccessfulReqs:   h.successfulReqs,
		FailedReqs:       h.failedReqs,
		SuccessRate:      successRate,
		AverageLatency:   avgLatency,
		LastSuccess:      h.lastSuccess,
		LastFailure:      h.lastFailure,
		ConsecutiveFails: h.consecutiveFails,
		IsHealthy:        h.isHealthyLocked(),
	}
}

// IsHealthy reports whether recent requests mostly succeed
func (h *Health) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isHealthyLocked()
}

// isHealthyLocked must be called with the lock held
func (h *Health) isHealthyLocked() bool {
	if h.consecutiveFails >= h.maxConsecutiveFails {
		return false
	}
	if h.totalRequests >= 10 {
		if float64(h.successfulReqs)/float64(h.totalRequests) < h.minSuccessRate {
			return false
		}
	}
	return true
}

// SetHealthThresholds configures the health thresholds; invalid values are ignored
func (h *Health) SetHealthThresholds(maxConsecutiveFails int, minSuccessRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if maxConsecutiveFails > 0 {
		h.maxConsecutiveFails = maxConsecutiveFails
	}
	if minSuccessRate > 0 && minSuccessRate <= 1.0 {
		h.minSuccessRate = minSuccessRate
	}
}

// ResetStats clears all counters
func (h *Health) ResetStats() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests = 0
	h.successfulReqs = 0
	h.failedReqs = 0
	h.totalLatency = 0
	h.consecutiveFails = 0
	h.lastSuccess = time.Time{}
	h.lastFailure = time.Time{}
}

// HealthReporter is implemented by providers that track request health
type HealthReporter interface {
	Health() *HealthStatus
}
