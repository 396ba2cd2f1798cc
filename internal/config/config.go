package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// DSN is a PostgreSQL connection string. Empty means the in-memory
	// stores, intended for local development only.
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	// Secret signs access and refresh tokens. Required.
	Secret     string `yaml:"secret"`
	Issuer     string `yaml:"issuer"`
	AccessTTL  string `yaml:"access_ttl"`
	RefreshTTL string `yaml:"refresh_ttl"`
}

type RateLimitConfig struct {
	PerSecond     int `yaml:"per_second"`
	Burst         int `yaml:"burst"`
	AuthPerSecond int `yaml:"auth_per_second"`
	AuthBurst     int `yaml:"auth_burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: "10s",
		},
		Auth: AuthConfig{
			Issuer:     "certledger",
			AccessTTL:  "15m",
			RefreshTTL: "336h",
		},
		RateLimit: RateLimitConfig{
			PerSecond:     20,
			Burst:         40,
			AuthPerSecond: 1,
			AuthBurst:     5,
		},
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth.secret must be at least 32 bytes")
	}
	for field, raw := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"auth.access_ttl":         c.Auth.AccessTTL,
		"auth.refresh_ttl":        c.Auth.RefreshTTL,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s is invalid: %w", field, err)
		}
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.AuthPerSecond < 0 {
		return fmt.Errorf("rate_limit budgets must not be negative")
	}
	return nil
}

// Duration parses a config duration field, falling back on parse failure.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
