package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config for the Redis Streams broker.
type Config struct {
	// Connection
	Addr          string `env:"REDIS_ADDR"`
	Username      string `env:"REDIS_USERNAME"`
	Password      string `env:"REDIS_PASSWORD"`
	DB            int    `env:"REDIS_DB"`
	TLS           bool   `env:"REDIS_TLS"`
	TLSServerName string `env:"REDIS_TLS_SERVER_NAME"`

	// Consumer group. Every stream gets the same group, so bus instances
	// sharing Group compete for messages like consumers of one queue.
	Group     string        `env:"REDIS_STREAM_GROUP"`
	Consumer  string        `env:"REDIS_STREAM_CONSUMER"`
	BatchSize int           `env:"REDIS_STREAM_BATCH_SIZE"`
	Block     time.Duration `env:"REDIS_STREAM_BLOCK"`

	// Stream management
	MaxLenApprox int64 `env:"REDIS_STREAM_MAX_LEN"`
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "microbus"
	}

	return Config{
		Addr:      "127.0.0.1:6379",
		Group:     "microbus",
		Consumer:  fmt.Sprintf("microbus-%s-%d", hostname, os.Getpid()),
		BatchSize: 128,
		Block:     5 * time.Second,
	}
}

// LoadConfig starts from Defaults and overrides every field set in the environment.
func LoadConfig() (Config, error) {
	cfg := Defaults()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("redisstream: load config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	return nil
}

// toMap converts Config to generic map for the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"group":           c.Group,
		"consumer":        c.Consumer,
		"batch_size":      c.BatchSize,
		"block":           c.Block,
		"max_len_approx":  c.MaxLenApprox,
	}
}

// ConfigFromMap safely converts a generic map to Config with defaults.
// Durations may be given as time.Duration or as a string like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := m["batch_size"].(int); ok && v > 0 {
		c.BatchSize = v
	}
	switch v := m["block"].(type) {
	case time.Duration:
		if v > 0 {
			c.Block = v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Block = d
		}
	}
	switch v := m["max_len_approx"].(type) {
	case int64:
		if v > 0 {
			c.MaxLenApprox = v
		}
	case int:
		if v > 0 {
			c.MaxLenApprox = int64(v)
		}
	}

	return c
}
