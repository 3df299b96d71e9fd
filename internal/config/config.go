// Package config provides configuration management functionality.
//
// Configuration is read once at startup from environment variables (a .env
// file is honored in development). Nothing re-reads the environment per
// request; runtime refreshes happen only through the explicit internal
// reload endpoint.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port     int
	DevMode  bool
	LogLevel string

	// Storage
	OrdersDBPath     string // order_service schema (orders, trades, positions, ...)
	MarketDataDBPath string // read-only instrument registry
	RedisURL         string // idempotency, daily counters, account events
	MarketDataRedis  string // tick bus (may equal RedisURL)

	// Upstream services
	BrokerBaseURL        string
	TokenManagerURL      string
	PermissionServiceURL string
	MarketDataServiceURL string
	JWTSecret            string // HS256 signing secret for gateway-issued tokens
	InternalAPIKey       string // X-Internal-API-Key; environment only, read once

	Policy      PolicyConfig
	Operational OperationalConfig
}

// PolicyConfig holds pre-trade and rate-limit policy. All limits are
// enumerated fields, not string-keyed toggles.
type PolicyConfig struct {
	DailyOrderLimit     int
	OrdersPerSecond     int
	OrdersPerMinute     int
	APIPerSecond        int
	QuotesPerSecond     int
	HistoricalPerSecond int

	// Daily-quota reset boundary, interpreted in ResetTimezone and quantized
	// to integers at load time so nothing parses "15:30" twice.
	ResetHour     int
	ResetMinute   int
	ResetTimezone string

	MaxOrderQuantity  int
	MaxOrderValue     float64
	MarginMultiplier  float64
	MaxSymbolExposure float64
	MaxConcentration  float64 // new symbol exposure / total exposure
	DailyLossLimit    float64
}

// OperationalConfig holds background-worker and reliability knobs.
type OperationalConfig struct {
	ReconcileInterval     time.Duration
	ReconcileMaxAge       time.Duration
	ReconcileBatchSize    int
	TickBatchSize         int
	TickBatchInterval     time.Duration
	IdempotencyTTL        time.Duration
	IdempotencyFailClosed bool
	BreakerFailures       int
	BreakerRecovery       time.Duration
	BrokerTimeout         time.Duration
	ShutdownGrace         time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	resetHour, resetMinute, err := parseResetTime(getEnv("DAILY_RESET_TIME", "15:30"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     getEnvAsInt("PORT", 8002),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		OrdersDBPath:     getEnv("ORDERS_DB_PATH", "/var/lib/oms/orders.db"),
		MarketDataDBPath: getEnv("MARKET_DATA_DB_PATH", "/var/lib/oms/market_data.db"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		MarketDataRedis:  getEnv("MARKET_DATA_REDIS_URL", ""),

		BrokerBaseURL:        getEnv("BROKER_BASE_URL", ""),
		TokenManagerURL:      getEnv("TOKEN_MANAGER_URL", ""),
		PermissionServiceURL: getEnv("PERMISSION_SERVICE_URL", ""),
		MarketDataServiceURL: getEnv("MARKET_DATA_SERVICE_URL", ""),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		InternalAPIKey:       getEnv("INTERNAL_API_KEY", ""),

		Policy: PolicyConfig{
			DailyOrderLimit:     getEnvAsInt("DAILY_ORDER_LIMIT", 3000),
			OrdersPerSecond:     getEnvAsInt("ORDERS_PER_SECOND", 10),
			OrdersPerMinute:     getEnvAsInt("ORDERS_PER_MINUTE", 200),
			APIPerSecond:        getEnvAsInt("API_PER_SECOND", 10),
			QuotesPerSecond:     getEnvAsInt("QUOTES_PER_SECOND", 1),
			HistoricalPerSecond: getEnvAsInt("HISTORICAL_PER_SECOND", 3),
			ResetHour:           resetHour,
			ResetMinute:         resetMinute,
			ResetTimezone:       getEnv("DAILY_RESET_TZ", "Asia/Kolkata"),
			MaxOrderQuantity:    getEnvAsInt("MAX_ORDER_QUANTITY", 10000),
			MaxOrderValue:       getEnvAsFloat("MAX_ORDER_VALUE", 10000000),
			MarginMultiplier:    getEnvAsFloat("MARGIN_MULTIPLIER", 1.0),
			MaxSymbolExposure:   getEnvAsFloat("MAX_SYMBOL_EXPOSURE", 5000000),
			MaxConcentration:    getEnvAsFloat("MAX_CONCENTRATION", 0.25),
			DailyLossLimit:      getEnvAsFloat("DAILY_LOSS_LIMIT", 0),
		},

		Operational: OperationalConfig{
			ReconcileInterval:     getEnvAsDuration("RECONCILE_INTERVAL", 300*time.Second),
			ReconcileMaxAge:       getEnvAsDuration("RECONCILE_MAX_AGE", 24*time.Hour),
			ReconcileBatchSize:    getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
			TickBatchSize:         getEnvAsInt("TICK_BATCH_SIZE", 100),
			TickBatchInterval:     getEnvAsDuration("TICK_BATCH_INTERVAL", 500*time.Millisecond),
			IdempotencyTTL:        getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			IdempotencyFailClosed: getEnvAsBool("IDEMPOTENCY_FAIL_CLOSED", true),
			BreakerFailures:       getEnvAsInt("BREAKER_FAILURES", 5),
			BreakerRecovery:       getEnvAsDuration("BREAKER_RECOVERY", 60*time.Second),
			BrokerTimeout:         getEnvAsDuration("BROKER_TIMEOUT", 30*time.Second),
			ShutdownGrace:         getEnvAsDuration("SHUTDOWN_GRACE", 30*time.Second),
		},
	}

	if cfg.MarketDataRedis == "" {
		cfg.MarketDataRedis = cfg.RedisURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.BrokerBaseURL == "" {
		return fmt.Errorf("BROKER_BASE_URL is required")
	}
	if c.TokenManagerURL == "" {
		return fmt.Errorf("TOKEN_MANAGER_URL is required")
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// parseResetTime splits "HH:MM" into two integers.
func parseResetTime(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid DAILY_RESET_TIME %q (expected HH:MM)", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid DAILY_RESET_TIME hour %q", parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid DAILY_RESET_TIME minute %q", parts[1])
	}
	return hour, minute, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
