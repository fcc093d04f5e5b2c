// Package app is PayGate's composition root: it constructs every
// component from internal/config.Config and wires them together in
// Build, and runs the background loops in Start until its context is
// cancelled. There is no HTTP listener here: the tool-call wire
// adapter and admin endpoints are a separate transport surface; this
// package exposes the assembled components through AppCore for an
// embedding transport layer to drive.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/walker77/paygate-core/internal/config"
	"github.com/walker77/paygate-core/internal/persist"
	"github.com/walker77/paygate-core/internal/platform"
	"github.com/walker77/paygate-core/internal/replica"
	"github.com/walker77/paygate-core/internal/telemetry"
	"github.com/walker77/paygate-core/pkg/adaptive"
	"github.com/walker77/paygate-core/pkg/adminkey"
	"github.com/walker77/paygate-core/pkg/audit"
	"github.com/walker77/paygate-core/pkg/breaker"
	"github.com/walker77/paygate-core/pkg/cache"
	"github.com/walker77/paygate-core/pkg/canary"
	"github.com/walker77/paygate-core/pkg/forwarder"
	"github.com/walker77/paygate-core/pkg/gate"
	"github.com/walker77/paygate-core/pkg/keystore"
	"github.com/walker77/paygate-core/pkg/permission"
	"github.com/walker77/paygate-core/pkg/plan"
	"github.com/walker77/paygate-core/pkg/ratelimit"
	"github.com/walker77/paygate-core/pkg/retry"
	"github.com/walker77/paygate-core/pkg/scopedtoken"
	"github.com/walker77/paygate-core/pkg/team"
	"github.com/walker77/paygate-core/pkg/usage"
	"github.com/walker77/paygate-core/pkg/webhook"
)

// AppCore bundles every assembled component so an embedding transport
// layer can drive requests into Gate and read back AuditLog/UsageMeter
// state, without this package knowing anything about HTTP or the wire
// format.
type AppCore struct {
	KeyStore    *keystore.Store
	AdminKeys   *adminkey.Registry
	Tokens      *scopedtoken.Minter
	RateLimiter *ratelimit.Limiter
	Cache       *cache.Cache
	Breaker     *breaker.Breaker
	Retry       *retry.Policy
	Canary      *canary.Router
	Plans       *plan.Registry
	Permissions *permission.Engine
	Teams       *team.Registry
	Adaptive    *adaptive.Limiter
	Gate        *gate.Gate
	Forwarder   *forwarder.Forwarder
	Webhooks    *webhook.Emitter
	Audit       *audit.Log
	Usage       *usage.Meter
	Replica     *replica.Mirror
	Logger      *slog.Logger
}

// Build constructs an AppCore from cfg, wiring every component
// together. It does not start any background loop; call Start to do
// that.
func Build(ctx context.Context, cfg *config.Config, primary, canaryBackend forwarder.Backend) (*AppCore, error) {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ks := keystore.New()
	admins := adminkey.New()
	bootstrapAdmin, err := admins.CreateBootstrap("bootstrap")
	if err != nil {
		return nil, fmt.Errorf("provisioning bootstrap admin key: %w", err)
	}
	logger.Warn("admin keys: minted bootstrap key, store it securely", "key", bootstrapAdmin.Key)

	tokenSecret := []byte(cfg.TokenSigningSecret)
	if len(tokenSecret) == 0 {
		tokenSecret = []byte("paygate-dev-secret-do-not-use-in-production")
		logger.Warn("scoped tokens: using insecure dev signing secret; set PAYGATE_TOKEN_SIGNING_SECRET")
	}
	tokens, err := scopedtoken.New(tokenSecret)
	if err != nil {
		return nil, fmt.Errorf("constructing scoped token minter: %w", err)
	}

	rl := ratelimit.New()
	respCache := cache.New(cfg.CacheCapacity)
	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		CooldownPeriod:   cfg.BreakerCooldownPeriod,
		HalfOpenMax:      cfg.BreakerHalfOpenMax,
	})
	rp := retry.New(retry.Config{
		MaxAttempts:  cfg.RetryMaxAttempts,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		BudgetWindow: time.Minute,
		BudgetMax:    cfg.RetryBudgetMax,
	})
	router := canary.New(func(e canary.Event) {
		logger.Info("canary event", "kind", e.Kind, "route", e.Route, "weight", e.Weight)
	})

	plans := plan.New()
	perms := permission.New(nil)
	teams := team.New()
	adaptiveLimiter := adaptive.New(adaptive.DefaultConfig())

	g := gate.New(gate.Config{
		KeyStore:              ks,
		ScopedTokens:          tokens,
		RateLimiter:           rl,
		Plans:                 plans,
		Permissions:           perms,
		Teams:                 teams,
		Adaptive:              adaptiveLimiter,
		FreeMethods:           map[string]bool{},
		DefaultCreditsPerCall: cfg.DefaultCreditsPerCall,
		GlobalRatePerMinute:   cfg.GlobalRatePerMinute,
		ShadowMode:            cfg.ShadowMode,
		RefundOnFailure:       cfg.RefundOnFailure,
		ChargeCacheHits:       cfg.ChargeCacheHits,
	})

	fwd := forwarder.New(forwarder.Config{
		Primary:        primary,
		Canary:         canaryBackend,
		Cache:          respCache,
		Router:         router,
		Breaker:        cb,
		Retry:          rp,
		DefaultTTL:     cfg.CacheTTL,
		DefaultTimeout: 30 * time.Second,
	})

	whCfg := webhook.DefaultConfig("")
	whCfg.BatchSize = cfg.WebhookBatchSize
	whCfg.FlushInterval = cfg.WebhookFlushInterval
	whCfg.MaxRetries = cfg.WebhookMaxRetries
	emitter := webhook.New(whCfg, http.DefaultClient)

	auditLog := audit.New(cfg.AuditRingCapacity)
	meter := usage.New()

	var mirror *replica.Mirror
	if cfg.RedisURL != "" {
		rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting replica redis: %w", err)
		}
		mirror = replica.New(rdb, logger)
	}

	return &AppCore{
		KeyStore: ks, AdminKeys: admins, Tokens: tokens, RateLimiter: rl,
		Cache: respCache, Breaker: cb, Retry: rp, Canary: router,
		Plans: plans, Permissions: perms, Teams: teams, Adaptive: adaptiveLimiter,
		Gate: g, Forwarder: fwd, Webhooks: emitter, Audit: auditLog, Usage: meter,
		Replica: mirror, Logger: logger,
	}, nil
}

// Start launches background loops (webhook delivery scheduler, periodic
// snapshot persistence) and blocks until ctx is cancelled, then performs
// a best-effort final snapshot before returning.
func (a *AppCore) Start(ctx context.Context, cfg *config.Config) error {
	a.Webhooks.Start(ctx)
	defer a.Webhooks.Close()

	ticker := time.NewTicker(cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.snapshot(cfg)
			return nil
		case <-ticker.C:
			a.snapshot(cfg)
		}
	}
}

func (a *AppCore) snapshot(cfg *config.Config) {
	if err := persist.SaveJSON(cfg.SnapshotPath, a.KeyStore.All()); err != nil {
		a.Logger.Error("snapshot failed", "error", err, "path", cfg.SnapshotPath)
	}
}
