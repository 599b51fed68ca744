package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all orchestrator settings, sourced from the environment
// (a .env file is loaded by main before Load runs).
type Config struct {
	ListenAddr string

	// Worker pool
	PoolCapacity int
	BrowserImage string

	// Session execution
	ActionTimeout      time.Duration
	RetryBudget        int
	RetryBackoff       time.Duration
	ScreenshotEachStep bool

	// Registry retention of terminal sessions
	RetentionGrace time.Duration

	// Event fan-out
	SubscriberBuffer int

	// Portal monitor
	MonitorMinInterval time.Duration

	// Admin API rate limiting (requests/hour per client, burst)
	RateLimitPerHour int
	RateLimitBurst   int

	// Profile storage
	ProfileStorePath string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8080"),
		PoolCapacity:       getEnvInt("POOL_CAPACITY", 10),
		BrowserImage:       getEnv("BROWSER_IMAGE", "browserless/chrome:latest"),
		ActionTimeout:      getEnvDuration("ACTION_TIMEOUT", 30*time.Second),
		RetryBudget:        getEnvInt("ACTION_RETRIES", 2),
		RetryBackoff:       getEnvDuration("RETRY_BACKOFF", 500*time.Millisecond),
		ScreenshotEachStep: getEnvBool("SCREENSHOT_EACH_STEP", true),
		RetentionGrace:     getEnvDuration("RETENTION_GRACE", 5*time.Minute),
		SubscriberBuffer:   getEnvInt("SUBSCRIBER_BUFFER", 64),
		MonitorMinInterval: getEnvDuration("MONITOR_MIN_INTERVAL", 10*time.Second),
		RateLimitPerHour:   getEnvInt("RATE_LIMIT_PER_HOUR", 100),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 10),
		ProfileStorePath:   getEnv("PROFILE_STORE_PATH", "./storage/profiles"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
	}

	if cfg.PoolCapacity < 1 {
		return Config{}, fmt.Errorf("POOL_CAPACITY must be at least 1, got %d", cfg.PoolCapacity)
	}
	if cfg.RetryBudget < 0 {
		return Config{}, fmt.Errorf("ACTION_RETRIES must not be negative, got %d", cfg.RetryBudget)
	}
	if cfg.ActionTimeout <= 0 {
		return Config{}, fmt.Errorf("ACTION_TIMEOUT must be positive, got %s", cfg.ActionTimeout)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
