package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/oms/internal/domain"
)

// errorBody is the wire format of every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      domain.ErrorCode       `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// RespondJSON writes a JSON response with the given status.
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// RespondError maps any error to the standard envelope. Rate-limit errors
// additionally carry Retry-After / X-RateLimit-Reset headers.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	de := domain.AsError(err)

	caller, _ := domain.CallerFrom(r.Context())

	if de.Status == http.StatusInternalServerError {
		log.Error().Err(de.Err).
			Str("request_id", caller.RequestID).
			Str("path", r.URL.Path).
			Msg("internal error")
	}

	if de.RetryAfter > 0 {
		secs := int(math.Ceil(de.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if !de.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(de.ResetAt.Unix(), 10))
	}

	RespondJSON(w, de.Status, errorBody{Error: errorDetail{
		Code:      de.Code,
		Message:   de.Message,
		RequestID: caller.RequestID,
		TraceID:   caller.TraceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   de.Details,
	}})
}
