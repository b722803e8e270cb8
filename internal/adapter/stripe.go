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
	stripeBaseURL     = "https://api.stripe.com/v1"
	stripeMaxPageSize = 100
)

// StripeProvider harvests charges from the Stripe API. A non-empty
// ExternalAccountID is sent as the Stripe-Account of a connected account.
type StripeProvider struct {
	client     *apiClient
	classifier retry.Classifier
	pageSize   int
}

// NewStripeProvider creates the Stripe adapter
func NewStripeProvider(cfg ClientConfig) *StripeProvider {
	c := newAPIClient(types.ProviderStripe, stripeBaseURL, authBearer, cfg)
	c.errorCode = stripeErrorCode
	return &StripeProvider{
		client:     c,
		classifier: retry.NewHTTPClassifier(),
		pageSize:   pageSize(cfg.PageSize, stripeMaxPageSize),
	}
}

// Type implements Provider
func (p *StripeProvider) Type() types.ProviderType { return types.ProviderStripe }

// Classifier implements Provider
func (p *StripeProvider) Classifier() retry.Classifier { return p.classifier }

// StaticRateDefault implements Provider. Stripe documents no per-account read limit.
func (p *StripeProvider) StaticRateDefault() ratelimit.Rate { return ratelimit.Unlimited }

// Health implements HealthReporter
func (p *StripeProvider) Health() *HealthStatus { return p.client.Health() }

type stripeCharge struct {
	ID       string `json:"id"`
	Created  int64  `json:"created"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type stripeListResponse struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

// Fetch implements Provider. Stripe lists newest first, so the pages of one
// fetch carry no cursor except the last, which carries the newest created
// time seen. An interrupted fetch therefore restarts from the previous cursor.
func (p *StripeProvider) Fetch(ctx context.Context, account *models.ProviderAccount, cursor types.Cursor, onPage PageFunc) error {
	var headers http.Header
	if acct := strings.TrimSpace(account.ExternalAccountID); acct != "" {
		headers = http.Header{"Stripe-Account": []string{acct}}
	}

	high := cursor.Clone()
	startingAfter := ""
	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(p.pageSize))
		if since, ok := cursor.Get(types.ItemTypeCharge); ok {
			query.Set("created[gte]", since)
		}
		if startingAfter != "" {
			query.Set("starting_after", startingAfter)
		}

		var resp stripeListResponse
		if err := p.get(ctx, account.Token(), p.client.endpoint("/charges", query), headers, &resp); err != nil {
			return err
		}

		page := &Page{ItemType: types.ItemTypeCharge}
		for _, raw := range resp.Data {
			item, created, err := parseStripeCharge(raw)
			if err != nil {
				return harvesterrors.NewDecodeError(string(types.ProviderStripe), err)
			}
			page.Items = append(page.Items, item)
			high = high.Merge(types.Cursor{string(types.ItemTypeCharge): created})
			startingAfter = item.ExternalID
		}

		last := !resp.HasMore || len(resp.Data) == 0
		if last {
			page.Cursor = high.Clone()
		}
		if len(page.Items) > 0 || (last && cursor.Advances(high)) {
			if err := onPage(ctx, page); err != nil {
				return err
			}
		}
		if last {
			return nil
		}
	}
}

// get is getJSON with per-account headers
func (p *StripeProvider) get(ctx context.Context, token, endpoint string, headers http.Header, out interface{}) error {
	if headers == nil {
		_, err := p.client.getJSON(ctx, token, endpoint, out)
		return err
	}
	c := *p.client
	c.headers = headers
	_, err := c.getJSON(ctx, token, endpoint, out)
	return err
}

func parseStripeCharge(raw json.RawMessage) (RawItem, string, error) {
	var ch stripeCharge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return RawItem{}, "", err
	}
	if ch.ID == "" {
		return RawItem{}, "", fmt.Errorf("charge without id")
	}
	return RawItem{
		ExternalID:  ch.ID,
		OccurredAt:  time.Unix(ch.Created, 0).UTC(),
		AmountMinor: ch.Amount,
		Currency:    strings.ToUpper(ch.Currency),
		Payload:     raw,
	}, strconv.FormatInt(ch.Created, 10), nil
}

// stripeErrorCode extracts error.code from a Stripe error body
func stripeErrorCode(body []byte) string {
	var e struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	if e.Error.Code != "" {
		return e.Error.Code
	}
	return e.Error.Type
}
