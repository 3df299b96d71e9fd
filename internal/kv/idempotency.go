package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tradeforge/oms/internal/domain"
)

const pendingMarkerTTL = 5 * time.Minute

// IdempotencyRecord is what a replayed request gets back.
type IdempotencyRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Status      string          `json:"status"` // "pending" or "complete"
	HTTPStatus  int             `json:"http_status,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// IdempotencyStore deduplicates order placement across processes. It is
// fail-closed: if the store is unreachable the caller must reject the
// request rather than risk a duplicate order.
type IdempotencyStore struct {
	store      *Store
	ttl        time.Duration
	failClosed bool
}

// NewIdempotencyStore wraps the shared store.
func NewIdempotencyStore(store *Store, ttl time.Duration, failClosed bool) *IdempotencyStore {
	return &IdempotencyStore{store: store, ttl: ttl, failClosed: failClosed}
}

// Keys are scoped per user: two users sharing a trading account never
// collide on the same client-chosen key.
func idempotencyKey(userID int64, key string) string {
	return fmt.Sprintf("idempotency:user:%d:key:%s", userID, key)
}

// Fingerprint computes the canonical request fingerprint: the JSON body with
// keys sorted recursively, hashed with SHA-256. Two bodies that differ only
// in key order or whitespace fingerprint identically.
func Fingerprint(body []byte) (string, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("fingerprint: invalid JSON: %w", err)
	}
	canonical, err := json.Marshal(canonicalize(v))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize rebuilds v so encoding/json emits it deterministically.
// Maps already marshal with sorted keys; this recurses into nested values.
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = canonicalize(t[i])
		}
		return t
	default:
		return v
	}
}

// Begin claims the idempotency key for this request. Outcomes:
//   - first use: claimed=true, caller proceeds and must Complete or Release
//   - replay with same fingerprint and a complete record: record returned
//   - replay with same fingerprint still pending: Conflict (409)
//   - replay with different fingerprint: validation error (422)
//   - store unreachable and fail-closed: 503
func (s *IdempotencyStore) Begin(ctx context.Context, userID int64, key, fingerprint string) (claimed bool, prior *IdempotencyRecord, err error) {
	rkey := idempotencyKey(userID, key)

	marker, _ := json.Marshal(IdempotencyRecord{Fingerprint: fingerprint, Status: "pending"})
	won, err := s.store.SetNX(ctx, rkey, string(marker), pendingMarkerTTL)
	if err != nil {
		if s.failClosed {
			return false, nil, domain.UpstreamUnavailable("idempotency store", err)
		}
		// Fail-open is an explicit operator choice; duplicates become possible.
		return true, nil, nil
	}
	if won {
		return true, nil, nil
	}

	raw, found, err := s.store.Get(ctx, rkey)
	if err != nil || !found {
		if s.failClosed {
			return false, nil, domain.UpstreamUnavailable("idempotency store", err)
		}
		return true, nil, nil
	}

	var rec IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, nil, domain.Internal(fmt.Errorf("corrupt idempotency record: %w", err))
	}

	if rec.Fingerprint != fingerprint {
		return false, nil, domain.IdempotencyConflict()
	}
	if rec.Status == "pending" {
		return false, nil, domain.Conflict("request with this idempotency key is still in progress")
	}
	return false, &rec, nil
}

// Complete stores the final response against the key for the retention TTL.
func (s *IdempotencyStore) Complete(ctx context.Context, userID int64, key, fingerprint string, httpStatus int, response json.RawMessage) error {
	rec, _ := json.Marshal(IdempotencyRecord{
		Fingerprint: fingerprint,
		Status:      "complete",
		HTTPStatus:  httpStatus,
		Response:    response,
	})
	return s.store.Set(ctx, idempotencyKey(userID, key), string(rec), s.ttl)
}

// Release drops the pending marker after a failure so the client can retry
// with the same key.
func (s *IdempotencyStore) Release(ctx context.Context, userID int64, key string) error {
	return s.store.Delete(ctx, idempotencyKey(userID, key))
}
