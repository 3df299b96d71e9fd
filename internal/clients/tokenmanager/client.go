// Package tokenmanager fetches and caches per-account broker access tokens
// from the token manager service.
package tokenmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/domain"
)

const (
	cacheSize = 1000
	// Tokens are refreshed externally on broker login; a short local TTL
	// keeps us from hammering the token manager without holding stale
	// tokens for long after a re-login.
	cacheTTL = 5 * time.Minute
)

type cachedToken struct {
	token     string
	fetchedAt time.Time
}

// Client talks to the token manager.
type Client struct {
	http  *resty.Client
	cache *lru.Cache[int64, cachedToken]
	mu    sync.Mutex // serializes fetches per process, not per account
	log   zerolog.Logger
}

// New builds a client. The internal API key authenticates this service to
// the token manager.
func New(baseURL, internalKey string, log zerolog.Logger) (*Client, error) {
	cache, err := lru.New[int64, cachedToken](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("X-Internal-API-Key", internalKey).
			SetHeader("Accept", "application/json"),
		cache: cache,
		log:   log.With().Str("client", "tokenmanager").Logger(),
	}, nil
}

// AccessToken returns the broker token for the account, from cache when
// fresh.
func (c *Client) AccessToken(ctx context.Context, tradingAccountID int64) (string, error) {
	if tok, ok := c.cache.Get(tradingAccountID); ok && time.Since(tok.fetchedAt) < cacheTTL {
		return tok.token, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/v1/tokens/by-trading-account/%d", tradingAccountID))
	if err != nil {
		return "", domain.UpstreamUnavailable("token manager", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", domain.Forbidden("no broker session for account")
	default:
		return "", domain.UpstreamUnavailable("token manager",
			fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		APIKey      string `json:"api_key"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.AccessToken == "" {
		return "", domain.UpstreamUnavailable("token manager", fmt.Errorf("invalid token response"))
	}

	c.cache.Add(tradingAccountID, cachedToken{token: body.AccessToken, fetchedAt: time.Now()})
	return body.AccessToken, nil
}

// Invalidate drops the cached token after the broker rejected it.
func (c *Client) Invalidate(tradingAccountID int64) {
	c.cache.Remove(tradingAccountID)
	c.log.Debug().Int64("trading_account_id", tradingAccountID).Msg("invalidated cached token")
}

// InvalidateAll empties the token cache. Used by the account reload
// endpoint when account configurations change upstream.
func (c *Client) InvalidateAll() {
	c.cache.Purge()
	c.log.Info().Msg("token cache purged")
}

// AccountConfig is the broker-account record the token manager maintains.
type AccountConfig struct {
	AccountNickname string `json:"account_nickname"`
	APIKey          string `json:"api_key"`
	Broker          string `json:"broker"`
	Segment         string `json:"segment"`
	IsActive        bool   `json:"is_active"`
}

// ResolveAccount fetches the account's broker configuration.
func (c *Client) ResolveAccount(ctx context.Context, tradingAccountID int64) (*AccountConfig, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/v1/accounts/resolve/%d", tradingAccountID))
	if err != nil {
		return nil, domain.UpstreamUnavailable("token manager", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.NotFound("trading account")
	default:
		return nil, domain.UpstreamUnavailable("token manager",
			fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}

	var cfg AccountConfig
	if err := json.Unmarshal(resp.Body(), &cfg); err != nil {
		return nil, domain.UpstreamUnavailable("token manager", fmt.Errorf("invalid account response: %w", err))
	}
	return &cfg, nil
}
