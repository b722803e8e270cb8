package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/commerce-harvester/internal/circuitbreaker"
	harvesterrors "github.com/commerce-harvester/internal/errors"
	"github.com/commerce-harvester/internal/types"
)

// maxErrorBody bounds how much of a non-2xx body is kept on the error
const maxErrorBody = 4 << 10

// Pacer blocks until the shared rate admits one more request to a provider.
// *ratelimit.Controller implements it.
type Pacer interface {
	Wait(ctx context.Context, provider types.ProviderType) error
}

// authScheme says how the access token is presented
type authScheme int

const (
	authBearer authScheme = iota
	authHeader
)

// ClientConfig configures the HTTP plumbing shared by every provider
type ClientConfig struct {
	// BaseURL overrides the provider's public API root (used by tests and proxies)
	BaseURL string
	// Transport is the underlying round tripper. Default: http.DefaultTransport.
	Transport http.RoundTripper
	// Timeout bounds one request. Default: 30s.
	Timeout time.Duration
	// Pacer, when set, is waited on before every request
	Pacer Pacer
	// Breakers, when set, guards every request with the provider's breaker
	Breakers *circuitbreaker.Manager
	// PageSize is the number of records requested per page. Default: provider maximum.
	PageSize int
}

// apiClient performs paced, breaker-guarded JSON GETs against one provider
type apiClient struct {
	provider   types.ProviderType
	baseURL    string
	transport  http.RoundTripper
	timeout    time.Duration
	pacer      Pacer
	breaker    *circuitbreaker.CircuitBreaker
	health     *Health
	auth       authScheme
	authHeader string
	headers    http.Header
	// errorCode extracts the provider error code from a non-2xx body
	errorCode func(body []byte) string
}

func newAPIClient(provider types.ProviderType, defaultBaseURL string, auth authScheme, cfg ClientConfig) *apiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &apiClient{
		provider:  provider,
		baseURL:   baseURL,
		transport: transport,
		timeout:   timeout,
		pacer:     cfg.Pacer,
		health:    NewHealth(provider, baseURL),
		auth:      auth,
	}
	if cfg.Breakers != nil {
		c.breaker = cfg.Breakers.For(provider)
	}
	return c
}

// IsBreakerFailure reports whether an error says the provider itself is
// unhealthy. Rate limiting and client-side rejections do not count.
func IsBreakerFailure(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	pe, ok := harvesterrors.AsProviderError(err)
	if !ok {
		return false
	}
	switch pe.Kind {
	case harvesterrors.KindNetwork:
		return true
	case harvesterrors.KindHTTP:
		return pe.StatusCode >= 500
	}
	return false
}

// httpClient returns a client presenting token the way the provider expects
func (c *apiClient) httpClient(token string) *http.Client {
	if c.auth == authHeader {
		return &http.Client{Timeout: c.timeout, Transport: c.transport}
	}
	return &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
}

// endpoint joins the client base URL, path and query
func (c *apiClient) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// getJSON fetches endpoint and decodes the body into out. It returns the
// response headers for link-based paging.
func (c *apiClient) getJSON(ctx context.Context, token, endpoint string, out interface{}) (http.Header, error) {
	if token == "" {
		return nil, harvesterrors.NewAuthError(string(c.provider), "account has no access token")
	}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, c.provider); err != nil {
			return nil, err
		}
	}

	var header http.Header
	call := func(ctx context.Context) error {
		h, err := c.do(ctx, token, endpoint, out)
		header = h
		return err
	}
	if c.breaker == nil {
		return header, call(ctx)
	}
	return header, c.breaker.Execute(ctx, call)
}

func (c *apiClient) do(ctx context.Context, token, endpoint string, out interface{}) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", c.provider, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.auth == authHeader {
		req.Header.Set(c.authHeader, token)
	}

	start := time.Now()
	resp, err := c.httpClient(token).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.health.RecordFailure()
		return nil, harvesterrors.NewNetworkError(string(c.provider), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.health.RecordFailure()
		pe := harvesterrors.NewHTTPError(string(c.provider), resp, body)
		if c.errorCode != nil {
			pe.Code = c.errorCode(body)
		}
		return resp.Header, pe
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.health.RecordFailure()
		return resp.Header, harvesterrors.NewDecodeError(string(c.provider), err)
	}
	c.health.RecordSuccess(time.Since(start))
	return resp.Header, nil
}

// Health returns the client's request health
func (c *apiClient) Health() *HealthStatus {
	return c.health.Status()
}
