// Package config loads runtime settings from an optional YAML file
// with environment variable overrides. Environment always wins so
// container deployments never need the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is the full runtime configuration.
type Config struct {
	Server struct {
		Port         int    `yaml:"port"`
		PublicDomain string `yaml:"public_domain"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Federation struct {
		Domain       string `yaml:"domain"`
		SharedSecret string `yaml:"shared_secret"`
		// Pointer so "explicitly disabled" is distinguishable from
		// unset; unset means required.
		HMACRequired *bool `yaml:"hmac_required"`
		DefaultAllow bool  `yaml:"default_allow"`
		TimeoutSecs  int   `yaml:"timeout_seconds"`
	} `yaml:"federation"`

	A2A struct {
		OrgRateLimitPerMin int `yaml:"org_rate_limit_per_min"`
	} `yaml:"a2a"`

	Contracts struct {
		BiddingWindowSecs   int     `yaml:"bidding_window_seconds"`
		SweepIntervalSecs   int     `yaml:"sweep_interval_seconds"`
		NoBidExpirySecs     int     `yaml:"no_bid_expiry_seconds"`
		ExecutionWindowMin  int     `yaml:"execution_window_minutes"`
		ValidationThreshold float64 `yaml:"validation_threshold"`
	} `yaml:"contracts"`

	Reputation struct {
		RecalcIntervalSecs int `yaml:"recalc_interval_seconds"`
	} `yaml:"reputation"`
}

// Load reads path (when it exists), then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideInt(&c.Server.Port, "PORT")
	overrideStr(&c.Server.PublicDomain, "PUBLIC_DOMAIN")
	overrideStr(&c.Database.URL, "DATABASE_URL")
	overrideStr(&c.Redis.Addr, "REDIS_ADDR")
	overrideStr(&c.Redis.Password, "REDIS_PASSWORD")
	overrideInt(&c.Redis.DB, "REDIS_DB")
	overrideStr(&c.Federation.Domain, "FEDERATION_DOMAIN")
	overrideStr(&c.Federation.SharedSecret, "FEDERATION_SHARED_SECRET")
	overrideBoolPtr(&c.Federation.HMACRequired, "FEDERATION_HMAC_REQUIRED")
	overrideBool(&c.Federation.DefaultAllow, "FEDERATION_DEFAULT_ALLOW")
	overrideInt(&c.Federation.TimeoutSecs, "FEDERATION_TIMEOUT_SECONDS")
	overrideInt(&c.A2A.OrgRateLimitPerMin, "A2A_ORG_RATE_LIMIT_PER_MIN")
	overrideInt(&c.Contracts.BiddingWindowSecs, "CONTRACT_BIDDING_WINDOW_SECONDS")
	overrideInt(&c.Contracts.SweepIntervalSecs, "CONTRACT_SWEEP_INTERVAL_SECONDS")
	overrideInt(&c.Contracts.NoBidExpirySecs, "CONTRACT_NO_BID_EXPIRY_SECONDS")
	overrideInt(&c.Contracts.ExecutionWindowMin, "CONTRACT_EXECUTION_WINDOW_MINUTES")
	overrideFloat(&c.Contracts.ValidationThreshold, "CONTRACT_VALIDATION_THRESHOLD")
	overrideInt(&c.Reputation.RecalcIntervalSecs, "TRUST_RECALC_INTERVAL_SECONDS")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Federation.Domain == "" {
		c.Federation.Domain = c.Server.PublicDomain
	}
	if c.Federation.TimeoutSecs == 0 {
		c.Federation.TimeoutSecs = 10
	}
	if c.A2A.OrgRateLimitPerMin == 0 {
		c.A2A.OrgRateLimitPerMin = 600
	}
	if c.Contracts.BiddingWindowSecs == 0 {
		c.Contracts.BiddingWindowSecs = 3
	}
	if c.Contracts.SweepIntervalSecs == 0 {
		c.Contracts.SweepIntervalSecs = 2
	}
	if c.Contracts.NoBidExpirySecs == 0 {
		c.Contracts.NoBidExpirySecs = 60
	}
	if c.Contracts.ExecutionWindowMin == 0 {
		c.Contracts.ExecutionWindowMin = 10
	}
	if c.Contracts.ValidationThreshold == 0 {
		c.Contracts.ValidationThreshold = 0.6
	}
	if c.Reputation.RecalcIntervalSecs == 0 {
		c.Reputation.RecalcIntervalSecs = 300
	}
}

// FederationTimeout returns the outbound federation deadline.
func (c *Config) FederationTimeout() time.Duration {
	return time.Duration(c.Federation.TimeoutSecs) * time.Second
}

// HMACRequired reports whether inbound federation signatures are
// mandatory. Unset means required.
func (c *Config) HMACRequired() bool {
	if c.Federation.HMACRequired == nil {
		return true
	}
	return *c.Federation.HMACRequired
}

func overrideStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func overrideBoolPtr(dst **bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = &b
		}
	}
}
