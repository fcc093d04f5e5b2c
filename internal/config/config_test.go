package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default credits per call", func(c *Config) bool { return c.DefaultCreditsPerCall == 1 }},
		{"shadow mode off by default", func(c *Config) bool { return !c.ShadowMode }},
		{"refund on failure on by default", func(c *Config) bool { return c.RefundOnFailure }},
		{"charge cache hits on by default", func(c *Config) bool { return c.ChargeCacheHits }},
		{"default cache ttl", func(c *Config) bool { return c.CacheTTL == 5*time.Minute }},
		{"default breaker cooldown", func(c *Config) bool { return c.BreakerCooldownPeriod == 30*time.Second }},
		{"default retry max attempts", func(c *Config) bool { return c.RetryMaxAttempts == 3 }},
		{"default webhook batch size", func(c *Config) bool { return c.WebhookBatchSize == 50 }},
		{"default audit ring capacity", func(c *Config) bool { return c.AuditRingCapacity == 100000 }},
		{"primary upstream url unset by default", func(c *Config) bool { return c.PrimaryUpstreamURL == "" }},
		{"default upstream timeout", func(c *Config) bool { return c.UpstreamTimeout == 30*time.Second }},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected value for %s", tt.name)
			}
		})
	}
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("PAYGATE_SHADOW_MODE", "true")
	t.Setenv("PAYGATE_GLOBAL_RATE_PER_MINUTE", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.ShadowMode {
		t.Error("expected ShadowMode true from env override")
	}
	if cfg.GlobalRatePerMinute != 120 {
		t.Errorf("expected GlobalRatePerMinute 120, got %d", cfg.GlobalRatePerMinute)
	}
}
