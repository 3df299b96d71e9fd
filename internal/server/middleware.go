package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/oms/internal/auth"
	"github.com/tradeforge/oms/internal/domain"
	"github.com/tradeforge/oms/pkg/logger"
)

// Correlation parses the W3C traceparent header (generating fresh IDs when
// absent or malformed), assigns a request ID, stores everything on the
// caller context and echoes it in response headers.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		traceID, parentSpanID := parseTraceparent(r.Header.Get("traceparent"))
		spanID := newSpanID()
		_ = parentSpanID // recorded upstream; we only need our own span

		caller, _ := domain.CallerFrom(r.Context())
		caller.RequestID = requestID
		caller.TraceID = traceID
		caller.SpanID = spanID

		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-Trace-ID", traceID)
		w.Header().Set("X-Span-ID", spanID)
		w.Header().Set("traceparent", "00-"+traceID+"-"+spanID+"-01")

		next.ServeHTTP(w, r.WithContext(domain.WithCaller(r.Context(), caller)))
	})
}

// parseTraceparent extracts trace and span IDs from "00-<32hex>-<16hex>-<2hex>".
// Any malformation yields a freshly generated trace.
func parseTraceparent(header string) (traceID, spanID string) {
	parts := strings.Split(header, "-")
	if len(parts) == 4 && len(parts[1]) == 32 && len(parts[2]) == 16 && isHex(parts[1]) && isHex(parts[2]) {
		return parts[1], parts[2]
	}
	return newTraceID(), ""
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func newTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func newSpanID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// RequestLogger writes one access-log line per request: method, path,
// status, bytes, duration, and the correlation IDs via a request-scoped
// child logger. Correlation must run first.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			caller, _ := domain.CallerFrom(r.Context())
			reqLog := logger.ForRequest(log, caller.RequestID, caller.TraceID)
			reqLog.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// Recoverer converts handler panics into the standard 500 envelope.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("handler panic")
				RespondError(w, r, domain.Internal(nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Authenticate validates the Bearer token and merges the verified identity
// into the caller context. Correlation must run first.
func Authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				RespondError(w, r, domain.Unauthorized("missing bearer token"))
				return
			}

			identity, err := verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				RespondError(w, r, err)
				return
			}

			caller, _ := domain.CallerFrom(r.Context())
			identity.RequestID = caller.RequestID
			identity.TraceID = caller.TraceID
			identity.SpanID = caller.SpanID

			next.ServeHTTP(w, r.WithContext(domain.WithCaller(r.Context(), identity)))
		})
	}
}

// InternalOnly gates service-to-service endpoints behind the shared internal
// API key, compared in constant time.
func InternalOnly(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" ||
				subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				RespondError(w, r, domain.Unauthorized("invalid internal API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
