// Package config loads PayGate's own process configuration from
// environment variables. This is bootstrap for the CORE's tunables
// (pricing defaults, reliability-mesh thresholds, webhook delivery
// knobs) — not the excluded admin-surface config-file loader.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the CORE reads at process start.
type Config struct {
	// Logging
	LogLevel  string `env:"PAYGATE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PAYGATE_LOG_FORMAT" envDefault:"json"`

	// Pricing defaults
	DefaultCreditsPerCall int64 `env:"PAYGATE_DEFAULT_CREDITS_PER_CALL" envDefault:"1"`

	// Gate behavior
	ShadowMode      bool `env:"PAYGATE_SHADOW_MODE" envDefault:"false"`
	RefundOnFailure bool `env:"PAYGATE_REFUND_ON_FAILURE" envDefault:"true"`
	ChargeCacheHits bool `env:"PAYGATE_CHARGE_CACHE_HITS" envDefault:"true"`

	// RateLimiter
	GlobalRatePerMinute int `env:"PAYGATE_GLOBAL_RATE_PER_MINUTE" envDefault:"0"`

	// ResponseCache
	CacheCapacity int           `env:"PAYGATE_CACHE_CAPACITY" envDefault:"10000"`
	CacheTTL      time.Duration `env:"PAYGATE_CACHE_TTL" envDefault:"5m"`

	// CircuitBreaker
	BreakerFailureThreshold int           `env:"PAYGATE_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldownPeriod   time.Duration `env:"PAYGATE_BREAKER_COOLDOWN_PERIOD" envDefault:"30s"`
	BreakerHalfOpenMax      int           `env:"PAYGATE_BREAKER_HALF_OPEN_MAX" envDefault:"1"`

	// RetryPolicy
	RetryMaxAttempts int           `env:"PAYGATE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"PAYGATE_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay    time.Duration `env:"PAYGATE_RETRY_MAX_DELAY" envDefault:"5s"`
	RetryBudgetMax   int           `env:"PAYGATE_RETRY_BUDGET_MAX" envDefault:"100"`

	// CanaryRouter
	CanaryDefaultWeight int `env:"PAYGATE_CANARY_DEFAULT_WEIGHT" envDefault:"0"`

	// WebhookEmitter
	WebhookBatchSize     int           `env:"PAYGATE_WEBHOOK_BATCH_SIZE" envDefault:"50"`
	WebhookFlushInterval time.Duration `env:"PAYGATE_WEBHOOK_FLUSH_INTERVAL" envDefault:"5s"`
	WebhookMaxRetries    int           `env:"PAYGATE_WEBHOOK_MAX_RETRIES" envDefault:"5"`

	// AuditLog
	AuditRingCapacity int `env:"PAYGATE_AUDIT_RING_CAPACITY" envDefault:"100000"`

	// ScopedTokenMinter signing key material. Required in production;
	// an empty value is only tolerable in tests, where callers pass
	// their own root secret directly to scopedtoken.New.
	TokenSigningSecret string `env:"PAYGATE_TOKEN_SIGNING_SECRET"`

	// Replica (optional best-effort mirror; empty disables it)
	RedisURL string `env:"PAYGATE_REDIS_URL"`

	// Snapshot persistence
	SnapshotPath     string        `env:"PAYGATE_SNAPSHOT_PATH" envDefault:"paygate-snapshot.json"`
	SnapshotInterval time.Duration `env:"PAYGATE_SNAPSHOT_INTERVAL" envDefault:"1m"`

	// UpstreamForwarder targets. CanaryUpstreamURL empty means no canary
	// backend is built. A canary backend only receives traffic for routes
	// enabled on the canary Router with Enable; CanaryDefaultWeight is not
	// read by internal/app.
	PrimaryUpstreamURL string        `env:"PAYGATE_PRIMARY_UPSTREAM_URL"`
	CanaryUpstreamURL  string        `env:"PAYGATE_CANARY_UPSTREAM_URL"`
	UpstreamTimeout    time.Duration `env:"PAYGATE_UPSTREAM_TIMEOUT" envDefault:"30s"`
}

// Load reads Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
