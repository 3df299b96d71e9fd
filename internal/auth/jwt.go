// Package auth validates gateway-issued JWTs and attaches the caller
// identity to the request context.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradeforge/oms/internal/domain"
)

// Claims are the fields the API gateway puts in its tokens. acct_ids is a
// fast path: when present, no permission-service round trip is needed.
type Claims struct {
	UserID           int64   `json:"user_id"`
	TradingAccountID int64   `json:"trading_account_id"`
	AccountIDs       []int64 `json:"acct_ids,omitempty"`
	jwt.RegisteredClaims
}

// AccessChecker verifies account access when the token omits acct_ids.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, tradingAccountID int64) (bool, error)
}

// Verifier validates tokens and builds callers.
type Verifier struct {
	secret  []byte
	checker AccessChecker
}

// NewVerifier builds a verifier over the shared HS256 secret.
func NewVerifier(secret string, checker AccessChecker) *Verifier {
	return &Verifier{secret: []byte(secret), checker: checker}
}

// Verify parses and validates the token. When the claim set carries no
// acct_ids, access to the token's primary account is confirmed with the
// permission service instead.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (domain.Caller, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Caller{}, domain.Unauthorized("invalid or expired token")
	}
	if claims.UserID == 0 || claims.TradingAccountID == 0 {
		return domain.Caller{}, domain.Unauthorized("token missing identity claims")
	}

	accountIDs := claims.AccountIDs
	if len(accountIDs) == 0 && v.checker != nil {
		ok, err := v.checker.HasAccess(ctx, claims.UserID, claims.TradingAccountID)
		if err != nil {
			return domain.Caller{}, err
		}
		if !ok {
			return domain.Caller{}, domain.Forbidden("no access to trading account")
		}
		accountIDs = []int64{claims.TradingAccountID}
	}

	return domain.Caller{
		UserID:               claims.UserID,
		TradingAccountID:     claims.TradingAccountID,
		AccessibleAccountIDs: accountIDs,
	}, nil
}
