package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tradeforge/oms/internal/config"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/internal/ratelimit"
	"github.com/tradeforge/oms/internal/reliability"
)

// TokenSource supplies per-account broker access tokens and is told when a
// token was rejected upstream.
type TokenSource interface {
	AccessToken(ctx context.Context, tradingAccountID int64) (string, error)
	Invalidate(tradingAccountID int64)
}

// API is the broker surface the services consume. Defined here, mocked in
// service tests.
type API interface {
	PlaceOrder(ctx context.Context, accountID int64, req PlaceOrderRequest) (*OrderRef, error)
	ModifyOrder(ctx context.Context, accountID int64, brokerOrderID string, req ModifyOrderRequest) (*OrderRef, error)
	CancelOrder(ctx context.Context, accountID int64, brokerOrderID string) (*OrderRef, error)
	ListOrders(ctx context.Context, accountID int64) ([]Order, error)
	ListTrades(ctx context.Context, accountID int64) ([]Trade, error)
	ListPositions(ctx context.Context, accountID int64) ([]Position, error)
	ListHoldings(ctx context.Context, accountID int64) ([]Holding, error)
	GetMargins(ctx context.Context, accountID int64) (*Margins, error)
	CalculateMargin(ctx context.Context, accountID int64, req MarginRequest) (*MarginResult, error)
	CalculateBasketMargin(ctx context.Context, accountID int64, reqs []MarginRequest) (*BasketMarginResult, error)
	GetHistorical(ctx context.Context, accountID int64, instrumentToken int64, interval string, from, to time.Time) ([]Candle, error)
	PlaceGTT(ctx context.Context, accountID int64, req GTTRequest) (int64, error)
	ModifyGTT(ctx context.Context, accountID int64, gttID int64, req GTTRequest) (int64, error)
	DeleteGTT(ctx context.Context, accountID int64, gttID int64) error
	ListGTT(ctx context.Context, accountID int64) ([]GTT, error)
	GetQuotes(ctx context.Context, accountID int64, tokens []int64) (map[int64]Quote, error)
}

// Client implements API over HTTP. One instance serves all accounts; the
// per-account state (rate windows, tokens) lives in the limiter and token
// source, not here.
type Client struct {
	http    *resty.Client
	tokens  TokenSource
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   reliability.RetryConfig
	log     zerolog.Logger
}

// New builds the broker client from config.
func New(cfg *config.Config, tokens TokenSource, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BrokerBaseURL).
		SetTimeout(cfg.Operational.BrokerTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	blog := log.With().Str("client", "broker").Logger()

	return &Client{
		http:    httpClient,
		tokens:  tokens,
		limiter: limiter,
		breaker: reliability.NewBreaker(reliability.BreakerConfig{
			Name:                "broker",
			ConsecutiveFailures: uint32(cfg.Operational.BreakerFailures),
			RecoveryTimeout:     cfg.Operational.BreakerRecovery,
		}, blog),
		retry: reliability.DefaultRetry(),
		log:   blog,
	}
}

// permit acquires one rate-limit slot. Request-path contexts fail fast with
// a retry-after; contexts marked by ratelimit.WithWait (background workers)
// block until a slot opens or the context expires.
func (c *Client) permit(ctx context.Context, accountID int64, op ratelimit.Operation) error {
	if ratelimit.WaitAllowed(ctx) {
		return c.limiter.AcquireWait(ctx, accountID, op)
	}
	return c.limiter.Acquire(accountID, op)
}

// call performs one authenticated broker request through the permit, breaker
// and retry layers. A 401 invalidates the cached token and retries once with
// a fresh one before giving up.
func (c *Client) call(ctx context.Context, accountID int64, op ratelimit.Operation, method, path string, body interface{}, out interface{}) error {
	execute := func() error {
		if err := c.permit(ctx, accountID, op); err != nil {
			return err
		}
		err := c.doOnce(ctx, accountID, method, path, body, out)
		var de *domain.Error
		if errors.As(err, &de) && de.Status == http.StatusUnauthorized {
			c.tokens.Invalidate(accountID)
			if err2 := c.permit(ctx, accountID, op); err2 != nil {
				return err2
			}
			return c.doOnce(ctx, accountID, method, path, body, out)
		}
		return err
	}

	_, err := reliability.Execute(c.breaker, "broker", func() (interface{}, error) {
		return nil, reliability.Retry(ctx, c.retry, execute)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, accountID int64, method, path string, body interface{}, out interface{}) error {
	token, err := c.tokens.AccessToken(ctx, accountID)
	if err != nil {
		return domain.UpstreamUnavailable("token manager", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil || os.IsTimeout(err) {
			return domain.UpstreamTimeout("broker")
		}
		return domain.UpstreamUnavailable("broker", err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return domain.UpstreamUnavailable("broker", fmt.Errorf("unparseable response (%d): %w", resp.StatusCode(), err))
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return &domain.Error{Code: domain.CodeUnauthorized, Status: http.StatusUnauthorized, Message: "broker rejected access token"}
	case resp.StatusCode() == http.StatusTooManyRequests:
		// We should never hit the broker's own limiter; treat as transient.
		return domain.UpstreamUnavailable("broker", fmt.Errorf("upstream rate limited"))
	case resp.StatusCode() >= 500:
		return domain.UpstreamUnavailable("broker", fmt.Errorf("upstream %d: %s", resp.StatusCode(), env.Message))
	case resp.StatusCode() >= 400:
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("broker rejected request (%d)", resp.StatusCode())
		}
		return domain.BrokerRejected(msg)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return domain.Internal(fmt.Errorf("failed to decode broker response: %w", err))
		}
	}
	return nil
}

func (c *Client) PlaceOrder(ctx context.Context, accountID int64, req PlaceOrderRequest) (*OrderRef, error) {
	var ref OrderRef
	if err := c.call(ctx, accountID, ratelimit.OpOrder, http.MethodPost, "/orders/regular", req, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *Client) ModifyOrder(ctx context.Context, accountID int64, brokerOrderID string, req ModifyOrderRequest) (*OrderRef, error) {
	var ref OrderRef
	path := "/orders/regular/" + brokerOrderID
	if err := c.call(ctx, accountID, ratelimit.OpOrder, http.MethodPut, path, req, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *Client) CancelOrder(ctx context.Context, accountID int64, brokerOrderID string) (*OrderRef, error) {
	var ref OrderRef
	path := "/orders/regular/" + brokerOrderID
	if err := c.call(ctx, accountID, ratelimit.OpOrder, http.MethodDelete, path, nil, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *Client) ListOrders(ctx context.Context, accountID int64) ([]Order, error) {
	var orders []Order
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodGet, "/orders", nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *Client) ListTrades(ctx context.Context, accountID int64) ([]Trade, error) {
	var trades []Trade
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodGet, "/trades", nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func (c *Client) ListPositions(ctx context.Context, accountID int64) ([]Position, error) {
	var out struct {
		Net []Position `json:"net"`
	}
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodGet, "/portfolio/positions", nil, &out); err != nil {
		return nil, err
	}
	return out.Net, nil
}

func (c *Client) ListHoldings(ctx context.Context, accountID int64) ([]Holding, error) {
	var holdings []Holding
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodGet, "/portfolio/holdings", nil, &holdings); err != nil {
		return nil, err
	}
	return holdings, nil
}

func (c *Client) GetMargins(ctx context.Context, accountID int64) (*Margins, error) {
	var m Margins
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodGet, "/user/margins", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// CalculateMargin returns the margin required to place one order.
func (c *Client) CalculateMargin(ctx context.Context, accountID int64, req MarginRequest) (*MarginResult, error) {
	var out []MarginResult
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodPost, "/margins/orders", []MarginRequest{req}, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, domain.UpstreamUnavailable("broker", fmt.Errorf("empty margin response"))
	}
	return &out[0], nil
}

// CalculateBasketMargin returns the netted margin for a basket of orders.
func (c *Client) CalculateBasketMargin(ctx context.Context, accountID int64, reqs []MarginRequest) (*BasketMarginResult, error) {
	var out BasketMarginResult
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodPost, "/margins/basket", reqs, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHistorical fetches bars for one instrument. Goes through the separate
// historical rate bucket, which the broker caps far below the API bucket.
func (c *Client) GetHistorical(ctx context.Context, accountID int64, instrumentToken int64, interval string, from, to time.Time) ([]Candle, error) {
	path := fmt.Sprintf("/instruments/historical/%d/%s?from=%s&to=%s",
		instrumentToken, url.PathEscape(interval),
		url.QueryEscape(from.UTC().Format("2006-01-02 15:04:05")),
		url.QueryEscape(to.UTC().Format("2006-01-02 15:04:05")))

	var out struct {
		Candles []Candle `json:"candles"`
	}
	if err := c.call(ctx, accountID, ratelimit.OpHistorical, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Candles, nil
}

func (c *Client) PlaceGTT(ctx context.Context, accountID int64, req GTTRequest) (int64, error) {
	var out struct {
		TriggerID int64 `json:"trigger_id"`
	}
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodPost, "/gtt/triggers", req, &out); err != nil {
		return 0, err
	}
	return out.TriggerID, nil
}

func (c *Client) ModifyGTT(ctx context.Context, accountID int64, gttID int64, req GTTRequest) (int64, error) {
	var out struct {
		TriggerID int64 `json:"trigger_id"`
	}
	path := fmt.Sprintf("/gtt/triggers/%d", gttID)
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodPut, path, req, &out); err != nil {
		return 0, err
	}
	return out.TriggerID, nil
}

func (c *Client) DeleteGTT(ctx context.Context, accountID int64, gttID int64) error {
	path := fmt.Sprintf("/gtt/triggers/%d", gttID)
	return c.call(ctx, accountID, ratelimit.OpAPI, http.MethodDelete, path, nil, nil)
}

func (c *Client) ListGTT(ctx context.Context, accountID int64) ([]GTT, error) {
	var gtts []GTT
	if err := c.call(ctx, accountID, ratelimit.OpAPI, http.MethodGet, "/gtt/triggers", nil, &gtts); err != nil {
		return nil, err
	}
	return gtts, nil
}

func (c *Client) GetQuotes(ctx context.Context, accountID int64, tokens []int64) (map[int64]Quote, error) {
	path := "/quote"
	for i, tok := range tokens {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		path += fmt.Sprintf("%si=%d", sep, tok)
	}
	var quotes map[int64]Quote
	if err := c.call(ctx, accountID, ratelimit.OpQuote, http.MethodGet, path, nil, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}
