// Package permissions resolves which trading accounts a user may act on,
// for tokens that carry no account list.
package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradeforge/oms/internal/domain"
)

// Client talks to the permission service.
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
			SetHeader("Accept", "application/json"),
		log: log.With().Str("client", "permissions").Logger(),
	}
}

type checkRequest struct {
	UserID              int64    `json:"user_id"`
	TradingAccountID    int64    `json:"trading_account_id"`
	RequiredPermissions []string `json:"required_permissions"`
}

// HasAccess asks the permission service whether the user may trade on the
// account. Called only when the token carries no acct_ids claim.
func (c *Client) HasAccess(ctx context.Context, userID, tradingAccountID int64) (bool, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(checkRequest{
			UserID:              userID,
			TradingAccountID:    tradingAccountID,
			RequiredPermissions: []string{"place_orders"},
		}).
		Post("/api/v1/permissions/check")
	if err != nil {
		return false, domain.UpstreamUnavailable("permission service", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, domain.UpstreamUnavailable("permission service",
			fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}

	var body struct {
		HasAccess   bool     `json:"has_access"`
		AccessLevel string   `json:"access_level"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return false, domain.UpstreamUnavailable("permission service", fmt.Errorf("invalid response: %w", err))
	}
	return body.HasAccess, nil
}
