package domain

import "context"

// Caller is the immutable request-scoped identity attached by the auth
// middleware and consumed by every service and audit write. It replaces any
// notion of ambient per-request globals: pass it, don't look it up.
type Caller struct {
	UserID               int64
	TradingAccountID     int64
	AccessibleAccountIDs []int64

	// System names the background worker acting without a user identity
	// (e.g. "reconciliation_worker"). Empty for authenticated requests.
	System string

	// Correlation identifiers, propagated into logs and audit rows.
	RequestID string
	TraceID   string
	SpanID    string
}

// CanAccess reports whether the caller may act on the given trading account.
// System callers act on any account; they enter only through internal
// endpoints and background workers.
func (c Caller) CanAccess(tradingAccountID int64) bool {
	if c.System != "" {
		return true
	}
	if c.TradingAccountID == tradingAccountID {
		return true
	}
	for _, id := range c.AccessibleAccountIDs {
		if id == tradingAccountID {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller returns a context carrying the caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller from ctx. ok is false for unauthenticated
// contexts (internal endpoints, background workers).
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// SystemCaller is used by background workers for audit attribution.
func SystemCaller(system string) Caller {
	return Caller{System: system}
}
