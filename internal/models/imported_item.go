package models

import (
	"encoding/json"
	"time"

	"github.com/commerce-harvester/internal/types"
)

// ImportedItem is a normalized upstream record, unique per account, item type and external id
type ImportedItem struct {
	AccountID    string             `json:"accountId" db:"account_id" ch:"account_id"`
	UserID       string             `json:"userId" db:"user_id" ch:"user_id"`
	ProviderType types.ProviderType `json:"providerType" db:"provider_type" ch:"provider_type"`
	ItemType     types.ItemType     `json:"itemType" db:"item_type" ch:"item_type"`
	ExternalID   string             `json:"externalId" db:"external_id" ch:"external_id"`
	OccurredAt   time.Time          `json:"occurredAt" db:"occurred_at" ch:"occurred_at"`
	AmountMinor  int64              `json:"amountMinor" db:"amount_minor" ch:"amount_minor"`
	Currency     string             `json:"currency" db:"currency" ch:"currency"`
	Payload      json.RawMessage    `json:"payload,omitempty" db:"payload" ch:"payload"`
	ImportedAt   time.Time          `json:"importedAt" db:"imported_at" ch:"imported_at"`
}
