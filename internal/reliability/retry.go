package reliability

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/tradeforge/oms/internal/domain"
)

// RetryConfig tunes the retry policy for transient upstream failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultRetry matches the broker call policy: three attempts with jittered
// exponential backoff, 1s base doubling to a 5s cap.
func DefaultRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2}
}

// Retry runs fn up to MaxAttempts times, sleeping with jittered exponential
// backoff between attempts. Only retryable errors (availability, timeout)
// are retried; permanent errors return immediately. Context cancellation
// aborts the wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	b := &backoff.Backoff{
		Min:    cfg.BaseDelay,
		Max:    cfg.MaxDelay,
		Factor: cfg.Factor,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
