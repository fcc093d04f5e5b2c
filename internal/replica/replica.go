// Package replica mirrors KeyStore balances and RateLimiter/TeamRegistry
// counters into Redis on a best-effort, fire-and-forget basis. The
// in-memory registries remain the single source of truth; the Gate
// never reads a value back from here to make a decision. This is an
// optional external store used as a best-effort replica, not a
// persistence backend anything depends on.
//
// The Redis-hot-path fire-and-forget warm-up shape follows
// pkg/alert/dedup.go, and the INCR+EXPIRE counter idiom follows
// internal/auth/ratelimit.go.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "paygate:replica:"

// BalanceReplica is the interface the Gate or KeyStore would hold if it
// chose to mirror balances; nothing in this module blocks on it, so the
// interface is a documentation aid as much as a wiring point.
type BalanceReplica interface {
	SetBalance(ctx context.Context, apiKey string, credits int64)
	IncrCounter(ctx context.Context, name string, by int64, ttl time.Duration)
}

// Mirror is a best-effort Redis-backed BalanceReplica. Every method
// fires a request and forgets it: failures are logged, never returned,
// since a write failure here must never affect an in-flight decision.
type Mirror struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Mirror. A nil *slog.Logger falls back to slog.Default().
func New(rdb *redis.Client, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{rdb: rdb, logger: logger}
}

// SetBalance mirrors apiKey's current credit balance.
func (m *Mirror) SetBalance(ctx context.Context, apiKey string, credits int64) {
	if m == nil || m.rdb == nil {
		return
	}
	key := keyPrefix + "balance:" + apiKey
	if err := m.rdb.Set(ctx, key, credits, 0).Err(); err != nil {
		m.logger.Warn("replica balance mirror failed", "error", err, "api_key", apiKey)
	}
}

// IncrCounter mirrors a monotonically increasing counter (rate-limit or
// team-quota usage) with a refreshed TTL on first increment within the
// window, matching the login rate limiter's INCR+EXPIRE idiom.
func (m *Mirror) IncrCounter(ctx context.Context, name string, by int64, ttl time.Duration) {
	if m == nil || m.rdb == nil {
		return
	}
	key := keyPrefix + "counter:" + name

	pipe := m.rdb.Pipeline()
	incr := pipe.IncrBy(ctx, key, by)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("replica counter mirror failed", "error", err, "name", name)
		return
	}
	if incr.Val() == by && ttl > 0 {
		if err := m.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			m.logger.Warn("replica counter TTL set failed", "error", err, "name", name)
		}
	}
}

// GetBalance reads the mirrored balance, purely for operator diagnostics
// (e.g. comparing drift against the authoritative KeyStore). Never
// called from a Gate decision path.
func (m *Mirror) GetBalance(ctx context.Context, apiKey string) (int64, error) {
	if m == nil || m.rdb == nil {
		return 0, fmt.Errorf("replica: no redis client configured")
	}
	key := keyPrefix + "balance:" + apiKey
	val, err := m.rdb.Get(ctx, key).Int64()
	if err != nil {
		return 0, fmt.Errorf("reading mirrored balance for %s: %w", apiKey, err)
	}
	return val, nil
}
