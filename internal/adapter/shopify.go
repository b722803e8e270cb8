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
	shopifyAPIVersion  = "2024-01"
	shopifyMaxPageSize = 250
)

// ShopifyProvider harvests orders from the Shopify Admin REST API.
// The account's ExternalAccountID is the shop domain (example.myshopify.com).
type ShopifyProvider struct {
	client     *apiClient
	classifier retry.Classifier
	pageSize   int
	overridden bool
}

// NewShopifyProvider creates the Shopify adapter
func NewShopifyProvider(cfg ClientConfig) *ShopifyProvider {
	c := newAPIClient(types.ProviderShopify, "", authHeader, cfg)
	c.authHeader = "X-Shopify-Access-Token"
	return &ShopifyProvider{
		client:     c,
		classifier: retry.NewHTTPClassifier(),
		pageSize:   pageSize(cfg.PageSize, shopifyMaxPageSize),
		overridden: cfg.BaseURL != "",
	}
}

// Type implements Provider
func (p *ShopifyProvider) Type() types.ProviderType { return types.ProviderShopify }

// Classifier implements Provider
func (p *ShopifyProvider) Classifier() retry.Classifier { return p.classifier }

// StaticRateDefault implements Provider. The REST bucket leaks at 2 requests per second.
func (p *ShopifyProvider) StaticRateDefault() ratelimit.Rate { return 2 }

// Health implements HealthReporter
func (p *ShopifyProvider) Health() *HealthStatus { return p.client.Health() }

type shopifyOrder struct {
	ID         int64  `json:"id"`
	UpdatedAt  string `json:"updated_at"`
	CreatedAt  string `json:"created_at"`
	TotalPrice string `json:"total_price"`
	Currency   string `json:"currency"`
}

type shopifyOrdersResponse struct {
	Orders []json.RawMessage `json:"orders"`
}

func (p *ShopifyProvider) base(account *models.ProviderAccount) (string, error) {
	if p.overridden {
		return p.client.baseURL, nil
	}
	shop := strings.TrimSpace(account.ExternalAccountID)
	if shop == "" {
		return "", harvesterrors.NewAuthError(string(types.ProviderShopify), "account has no shop domain")
	}
	if !strings.Contains(shop, ".") {
		shop += ".myshopify.com"
	}
	return "https://" + shop, nil
}

// Fetch implements Provider. Orders are read oldest update first from the
// cursor's updated_at. Later pages follow the Link header, which carries
// page_info and must not be combined with the other filters.
func (p *ShopifyProvider) Fetch(ctx context.Context, account *models.ProviderAccount, cursor types.Cursor, onPage PageFunc) error {
	base, err := p.base(account)
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("status", "any")
	query.Set("limit", strconv.Itoa(p.pageSize))
	query.Set("order", "updated_at asc")
	if since, ok := cursor.Get(types.ItemTypeOrder); ok {
		query.Set("updated_at_min", since)
	}
	next := base + "/admin/api/" + shopifyAPIVersion + "/orders.json?" + query.Encode()

	high := cursor.Clone()
	for next != "" {
		var resp shopifyOrdersResponse
		header, err := p.client.getJSON(ctx, account.Token(), next, &resp)
		if err != nil {
			return err
		}

		page := &Page{ItemType: types.ItemTypeOrder}
		for _, raw := range resp.Orders {
			item, updated, err := parseShopifyOrder(raw)
			if err != nil {
				return harvesterrors.NewDecodeError(string(types.ProviderShopify), err)
			}
			page.Items = append(page.Items, item)
			high = high.Merge(types.Cursor{string(types.ItemTypeOrder): updated})
		}
		page.Cursor = high.Clone()

		if len(page.Items) > 0 {
			if err := onPage(ctx, page); err != nil {
				return err
			}
		}
		next = nextLink(header)
	}
	return nil
}

func parseShopifyOrder(raw json.RawMessage) (RawItem, string, error) {
	var o shopifyOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return RawItem{}, "", err
	}
	updated, err := time.Parse(time.RFC3339, o.UpdatedAt)
	if err != nil {
		return RawItem{}, "", fmt.Errorf("order %d: invalid updated_at %q", o.ID, o.UpdatedAt)
	}
	occurred := updated
	if created, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
		occurred = created
	}
	amount, err := decimalToMinor(o.TotalPrice, o.Currency)
	if err != nil {
		return RawItem{}, "", fmt.Errorf("order %d: %w", o.ID, err)
	}
	return RawItem{
		ExternalID:  strconv.FormatInt(o.ID, 10),
		OccurredAt:  occurred.UTC(),
		AmountMinor: amount,
		Currency:    strings.ToUpper(o.Currency),
		Payload:     raw,
	}, updated.UTC().Format(time.RFC3339), nil
}

// nextLink returns the rel="next" target of an RFC 8288 Link header
func nextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(segs[0]), "<>")
			for _, param := range segs[1:] {
				if strings.TrimSpace(param) == `rel="next"` {
					return target
				}
			}
		}
	}
	return ""
}

func pageSize(requested, max int) int {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}
