package config

import (
	"fmt"
	"strings"
)

// WithBaseURL overrides the control-plane URL.
func WithBaseURL(u string) Option {
	return func(c *Config) error {
		if u == "" {
			return fmt.Errorf("base URL cannot be empty")
		}
		c.BaseURL = strings.TrimRight(u, "/")
		return nil
	}
}

// WithIdentity sets the caller identity forwarded with every request.
func WithIdentity(identity string) Option {
	return func(c *Config) error {
		if identity == "" {
			return fmt.Errorf("identity cannot be empty")
		}
		c.Identity = identity
		return nil
	}
}

// WithCompressionFallback toggles uploading the original when compression fails.
func WithCompressionFallback(enabled bool) Option {
	return func(c *Config) error {
		c.Compression.Fallback = enabled
		return nil
	}
}

// WithLogLevel overrides the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.LogLevel = level
		return nil
	}
}

// WithLogFormat overrides the log format ("text" or "json").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.LogFormat = format
		return nil
	}
}

// WithRedisURL switches the quota store to Redis.
func WithRedisURL(u string) Option {
	return func(c *Config) error {
		c.Quota.RedisURL = u
		return nil
	}
}
