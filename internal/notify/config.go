package notify

import (
	"time"
	"trainer/internal/config"
)

// Delivery defaults that rarely need tuning.
const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultDeliverTimeout   = 30 * time.Second
	userAgent               = "trainer-worker/1"
)

// Config holds configuration for the notification dispatcher.
type Config struct {
	BufferSize  int           // pending notifications across all workers (default: 1000)
	Workers     int           // delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	SigningKey  string        // optional HMAC key for X-Signature-256
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		SigningKey:  config.GetSecretFile(config.GetEnv("NOTIFY_SIGNING_KEY_FILE", "")),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BufferSize < c.Workers {
		c.BufferSize = c.Workers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
