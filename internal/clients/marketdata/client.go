// Package marketdata notifies the market-data service which instrument
// tokens this service needs live ticks for. Tick delivery itself arrives
// over the shared pub/sub bus, not through this client.
package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/domain"
)

// Client talks to the market-data service's internal API.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

// New builds a client authenticated with the internal API key.
func New(baseURL, internalKey string, log zerolog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("X-Internal-API-Key", internalKey).
			SetHeader("Content-Type", "application/json"),
		log: log.With().Str("client", "marketdata").Logger(),
	}
}

type subscriptionRequest struct {
	Tokens []int64 `json:"instrument_tokens"`
}

// Subscribe asks the feed to start streaming the given tokens.
func (c *Client) Subscribe(ctx context.Context, tokens []int64) error {
	return c.post(ctx, "/internal/subscriptions", tokens)
}

// Unsubscribe asks the feed to stop streaming the given tokens.
func (c *Client) Unsubscribe(ctx context.Context, tokens []int64) error {
	return c.post(ctx, "/internal/subscriptions/remove", tokens)
}

// Refresh asks the feed to re-read the active subscription set. Used at
// startup and at the session boundary, when incremental updates may have
// been lost.
func (c *Client) Refresh(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/admin/subscriptions/refresh")
	if err != nil {
		return domain.UpstreamUnavailable("market data service", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return domain.UpstreamUnavailable("market data service",
			fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, tokens []int64) error {
	if len(tokens) == 0 {
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(subscriptionRequest{Tokens: tokens}).
		Post(path)
	if err != nil {
		return domain.UpstreamUnavailable("market data service", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return domain.UpstreamUnavailable("market data service",
			fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}
	return nil
}
