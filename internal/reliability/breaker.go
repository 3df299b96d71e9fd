// Package reliability provides the circuit breaker and retry policy wrapped
// around every upstream broker call.
package reliability

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tradeforge/oms/internal/domain"
)

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32 // failures before the circuit opens
	RecoveryTimeout     time.Duration
}

// NewBreaker builds a circuit breaker that opens after the configured number
// of consecutive failures and allows a single probe after the recovery
// timeout. Rejections the broker returns deliberately (4xx) do not count as
// failures; only availability errors trip the circuit.
func NewBreaker(cfg BreakerConfig, log zerolog.Logger) *gobreaker.CircuitBreaker {
	blog := log.With().Str("component", "breaker").Str("breaker", cfg.Name).Logger()

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A broker 4xx is a healthy upstream saying no.
			return !domain.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			blog.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
}

// Execute runs fn through the breaker, translating an open circuit into a
// service-unavailable error so callers never see gobreaker internals.
func Execute(cb *gobreaker.CircuitBreaker, dependency string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, domain.UpstreamUnavailable(dependency, err)
	}
	return res, err
}
