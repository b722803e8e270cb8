// Package queue implements the delayed, provider-partitioned harvest task queue
// on top of Redis.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/commerce-harvester/internal/types"
)

// Message asks a worker to run one harvest attempt for one account.
// AttemptID and RetryCount must match the account row for the claim to succeed,
// which is how stale and duplicate deliveries are recognised.
type Message struct {
	ID           string             `json:"id"`
	ProviderType types.ProviderType `json:"provider_type"`
	AccountID    string             `json:"account_id"`
	AttemptID    string             `json:"attempt_id"`
	RetryCount   int                `json:"retry_count"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
}

// NewMessage creates a message for a fresh attempt
func NewMessage(provider types.ProviderType, accountID, attemptID string, retryCount int) *Message {
	return &Message{
		ID:           uuid.NewString(),
		ProviderType: provider,
		AccountID:    accountID,
		AttemptID:    attemptID,
		RetryCount:   retryCount,
	}
}

// WithRetry returns a copy for the same attempt at the given retry count.
func (m *Message) WithRetry(retryCount int) *Message {
	next := *m
	next.ID = uuid.NewString()
	next.RetryCount = retryCount
	next.EnqueuedAt = time.Time{}
	return &next
}

// Validate checks the fields every consumer relies on
func (m *Message) Validate() error {
	if m.ProviderType == "" {
		return fmt.Errorf("message %s: provider type is required", m.ID)
	}
	if m.AccountID == "" {
		return fmt.Errorf("message %s: account id is required", m.ID)
	}
	if m.AttemptID == "" {
		return fmt.Errorf("message %s: attempt id is required", m.ID)
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("message %s: retry count cannot be negative", m.ID)
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s/%s attempt=%s retry=%d", m.ProviderType, m.AccountID, m.AttemptID, m.RetryCount)
}

func encodeMessage(m *Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return string(data), nil
}

func decodeMessage(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}
