package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file. An empty path yields the
// defaults. Environment variables with the CERTLEDGER_ prefix override the
// file in either case.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CERTLEDGER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("CERTLEDGER_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CERTLEDGER_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("CERTLEDGER_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("CERTLEDGER_ACCESS_TTL"); v != "" {
		cfg.Auth.AccessTTL = v
	}
	if v := os.Getenv("CERTLEDGER_REFRESH_TTL"); v != "" {
		cfg.Auth.RefreshTTL = v
	}
	if v := os.Getenv("CERTLEDGER_SHUTDOWN_TIMEOUT"); v != "" {
		cfg.Server.ShutdownTimeout = v
	}
	if v := os.Getenv("CERTLEDGER_RATE_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.PerSecond = n
		}
	}
	if v := os.Getenv("CERTLEDGER_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("CERTLEDGER_AUTH_RATE_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.AuthPerSecond = n
		}
	}
	if v := os.Getenv("CERTLEDGER_AUTH_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.AuthBurst = n
		}
	}
}
