package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/oms/internal/auth"
	"github.com/tradeforge/oms/internal/domain"
)

func TestParseTraceparent(t *testing.T) {
	traceID, spanID := parseTraceparent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", traceID)
	assert.Equal(t, "b7ad6b7169203331", spanID)

	// Malformed headers yield a fresh trace, never an error.
	for _, bad := range []string{"", "garbage", "00-short-b7ad6b7169203331-01", "00-zzf7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"} {
		traceID, spanID = parseTraceparent(bad)
		assert.Len(t, traceID, 32, "input %q", bad)
		assert.Empty(t, spanID)
	}
}

func TestCorrelationMiddleware(t *testing.T) {
	var got domain.Caller
	h := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = domain.CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", got.RequestID)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", got.TraceID)
	assert.Len(t, got.SpanID, 16)

	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", rec.Header().Get("X-Trace-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Span-ID"))
	assert.Equal(t,
		"00-0af7651916cd43dd8448eb211c80319c-"+rec.Header().Get("X-Span-ID")+"-01",
		rec.Header().Get("traceparent"))
}

func TestCorrelationGeneratesIdentifiers(t *testing.T) {
	h := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Len(t, rec.Header().Get("X-Trace-ID"), 32)
}

func TestRequestLoggerEmitsAccessLine(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	h := Correlation(RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	})))

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var line struct {
		Method    string `json:"method"`
		Path      string `json:"path"`
		Status    int    `json:"status"`
		Bytes     int    `json:"bytes"`
		RequestID string `json:"request_id"`
		TraceID   string `json:"trace_id"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, http.MethodPost, line.Method)
	assert.Equal(t, "/orders", line.Path)
	assert.Equal(t, http.StatusCreated, line.Status)
	assert.Equal(t, 8, line.Bytes)
	assert.Equal(t, "req-abc", line.RequestID)
	assert.Len(t, line.TraceID, 32)
}

func TestRecovererEmitsEnvelope(t *testing.T) {
	h := Correlation(Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
			Timestamp string `json:"timestamp"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_SERVER_ERROR", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
	assert.NotEmpty(t, body.Error.Timestamp)
}

func TestRespondErrorRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)

	RespondError(rec, req, domain.RateLimited("orders per second", 250*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	// Sub-second waits round up to one full second.
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRespondErrorDailyQuotaHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)

	resetAt := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	RespondError(rec, req, domain.DailyLimitExceeded(3000, resetAt))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, strconv.FormatInt(resetAt.Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
}

func TestAuthenticate(t *testing.T) {
	secret := "test-secret"
	verifier := auth.NewVerifier(secret, nil)

	sign := func(claims auth.Claims) string {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return tok
	}

	var got domain.Caller
	h := Correlation(Authenticate(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = domain.CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.Header.Set("Authorization", "Bearer "+sign(auth.Claims{UserID: 7, TradingAccountID: 42, AccountIDs: []int64{42}}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.EqualValues(t, 7, got.UserID)
		assert.EqualValues(t, 42, got.TradingAccountID)
		assert.NotEmpty(t, got.RequestID, "correlation fields survive authentication")
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
			UserID: 7, TradingAccountID: 42,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}).SignedString([]byte("other-secret"))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.Header.Set("Authorization", "Bearer "+other)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing identity claims", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/orders", nil)
		req.Header.Set("Authorization", "Bearer "+sign(auth.Claims{UserID: 7}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestInternalOnly(t *testing.T) {
	h := Correlation(InternalOnly("sekrit")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/internal/accounts/1/refresh", nil)
	req.Header.Set("X-Internal-API-Key", "sekrit")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	for _, key := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodPost, "/internal/accounts/1/refresh", nil)
		if key != "" {
			req.Header.Set("X-Internal-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}
