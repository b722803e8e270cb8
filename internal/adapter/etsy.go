package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/models"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/retry"
	"github.com/commerce-harvester/internal/types"
)

const (
	etsyBaseURL     = "https://openapi.etsy.com/v3/application"
	etsyMaxPageSize = 100
)

// EtsyProvider harvests shop receipts from the Etsy Open API v3.
// The account's ExternalAccountID is the numeric shop id.
type EtsyProvider struct {
	client     *apiClient
	classifier retry.Classifier
	pageSize   int
}

// NewEtsyProvider creates the Etsy adapter. apiKey is the application keystring
// sent with every request alongside the OAuth token.
func NewEtsyProvider(cfg ClientConfig, apiKey string) *EtsyProvider {
	c := newAPIClient(types.ProviderEtsy, etsyBaseURL, authBearer, cfg)
	c.headers = http.Header{}
	if apiKey != "" {
		c.headers.Set("x-api-key", apiKey)
	}
	return &EtsyProvider{
		client:     c,
		classifier: retry.NewHTTPClassifier(),
		pageSize:   pageSize(cfg.PageSize, etsyMaxPageSize),
	}
}

// Type implements Provider
func (p *EtsyProvider) Type() types.ProviderType { return types.ProviderEtsy }

// Classifier implements Provider
func (p *EtsyProvider) Classifier() retry.Classifier { return p.classifier }

// StaticRateDefault implements Provider
func (p *EtsyProvider) StaticRateDefault() ratelimit.Rate { return 10 }

// Health implements HealthReporter
func (p *EtsyProvider) Health() *HealthStatus { return p.client.Health() }

type etsyMoney struct {
	Amount       int64  `json:"amount"`
	Divisor      int64  `json:"divisor"`
	CurrencyCode string `json:"currency_code"`
}

type etsyReceipt struct {
	ReceiptID        int64     `json:"receipt_id"`
	CreateTimestamp  int64     `json:"create_timestamp"`
	UpdatedTimestamp int64     `json:"updated_timestamp"`
	Grandtotal       etsyMoney `json:"grandtotal"`
}

type etsyReceiptsResponse struct {
	Count   int               `json:"count"`
	Results []json.RawMessage `json:"results"`
}

// Fetch implements Provider. Receipts are read by ascending update time from
// the cursor's unix timestamp with offset paging.
func (p *EtsyProvider) Fetch(ctx context.Context, account *models.ProviderAccount, cursor types.Cursor, onPage PageFunc) error {
	shopID := strings.TrimSpace(account.ExternalAccountID)
	if shopID == "" {
		return harvesterrors.NewAuthError(string(types.ProviderEtsy), "account has no shop id")
	}

	high := cursor.Clone()
	for offset := 0; ; {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(p.pageSize))
		query.Set("offset", strconv.Itoa(offset))
		query.Set("sort_on", "updated")
		query.Set("sort_order", "asc")
		if since, ok := cursor.Get(types.ItemTypeReceipt); ok {
			query.Set("min_last_modified", since)
		}

		var resp etsyReceiptsResponse
		endpoint := p.client.endpoint("/shops/"+url.PathEscape(shopID)+"/receipts", query)
		if _, err := p.client.getJSON(ctx, account.Token(), endpoint, &resp); err != nil {
			return err
		}

		page := &Page{ItemType: types.ItemTypeReceipt}
		for _, raw := range resp.Results {
			item, updated, err := parseEtsyReceipt(raw)
			if err != nil {
				return harvesterrors.NewDecodeError(string(types.ProviderEtsy), err)
			}
			page.Items = append(page.Items, item)
			high = high.Merge(types.Cursor{string(types.ItemTypeReceipt): updated})
		}
		page.Cursor = high.Clone()

		if len(page.Items) > 0 {
			if err := onPage(ctx, page); err != nil {
				return err
			}
		}

		offset += len(resp.Results)
		if len(resp.Results) < p.pageSize || (resp.Count > 0 && offset >= resp.Count) {
			return nil
		}
	}
}

func parseEtsyReceipt(raw json.RawMessage) (RawItem, string, error) {
	var r etsyReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return RawItem{}, "", err
	}
	if r.ReceiptID == 0 {
		return RawItem{}, "", fmt.Errorf("receipt without receipt_id")
	}
	occurred := r.CreateTimestamp
	if occurred == 0 {
		occurred = r.UpdatedTimestamp
	}
	currency := strings.ToUpper(r.Grandtotal.CurrencyCode)
	return RawItem{
		ExternalID:  strconv.FormatInt(r.ReceiptID, 10),
		OccurredAt:  time.Unix(occurred, 0).UTC(),
		AmountMinor: fractionToMinor(r.Grandtotal.Amount, r.Grandtotal.Divisor, currency),
		Currency:    currency,
		Payload:     raw,
	}, strconv.FormatInt(r.UpdatedTimestamp, 10), nil
}
