// Package kv wraps the shared key-value store used for cross-process state:
// idempotency records, daily order counters, and the pub/sub channels that
// carry market ticks and account lifecycle events.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store wraps a redis client with the small surface the service needs.
type Store struct {
	client *redis.Client
	log    zerolog.Logger
}

// New connects to the store at the given URL (redis://host:port/db).
func New(url string, log zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{
		client: client,
		log:    log.With().Str("component", "kv").Logger(),
	}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis-style
// fakes and by components sharing one connection pool.
func NewFromClient(client *redis.Client, log zerolog.Logger) *Store {
	return &Store{client: client, log: log.With().Str("component", "kv").Logger()}
}

// Client exposes the underlying client for pub/sub subscribers.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value at key, or ("", false, nil) when absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value at key with a TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores value only if key is absent. Returns true when the write won.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// IncrWithExpiry atomically increments a counter, setting the TTL only when
// the increment created the key. Used for the daily order counter: the TTL
// carries the key to just past the next reset boundary.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// IncrByWithExpiry adds n to a counter, setting the TTL only when the add
// created the key. Used to merge locally-taken daily counts back into the
// store after an outage.
func (s *Store) IncrByWithExpiry(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Decr decrements a counter, used to refund the daily quota when a broker
// call never happened (local validation failure after the count).
func (s *Store) Decr(ctx context.Context, key string) error {
	return s.client.Decr(ctx, key).Err()
}

// Publish sends a message on a channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription. PSubscribe semantics when patterns is true.
func (s *Store) Subscribe(ctx context.Context, patterns bool, channels ...string) *redis.PubSub {
	if patterns {
		return s.client.PSubscribe(ctx, channels...)
	}
	return s.client.Subscribe(ctx, channels...)
}
