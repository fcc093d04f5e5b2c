// Package adaptive implements the AdaptiveRateLimiter: a per-key rate
// multiplier that tightens when a key's recent upstream error rate
// climbs and loosens (boosts) back toward normal after a cooldown of
// clean calls, exposed as a golang.org/x/time/rate.Limiter so callers
// get a standard token-bucket interface for the adjusted rate.
//
// golang.org/x/time/rate is the same library aws-karpenter-provider-aws
// and r3e-network-service_layer both reach for when exposing an
// effective per-key limiter.
package adaptive

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes how aggressively the multiplier reacts.
type Config struct {
	BaseRatePerSecond float64
	WindowSize        int     // number of recent outcomes tracked per key
	ErrorThreshold    float64 // error rate above which the limiter tightens
	TightenFactor     float64 // multiplier applied when tightening, e.g. 0.5
	BoostFactor       float64 // multiplier applied when boosting back, e.g. 1.1
	MinMultiplier     float64
	MaxMultiplier     float64
	CooldownCalls     int // consecutive clean calls required before boosting
}

// DefaultConfig returns reasonable starting tuning values.
func DefaultConfig() Config {
	return Config{
		BaseRatePerSecond: 10,
		WindowSize:        20,
		ErrorThreshold:    0.3,
		TightenFactor:     0.5,
		BoostFactor:       1.1,
		MinMultiplier:     0.1,
		MaxMultiplier:     1.0,
		CooldownCalls:     10,
	}
}

type keyState struct {
	outcomes   []bool // true = success
	multiplier float64
	cleanRun   int
	limiter    *rate.Limiter
}

// Limiter tracks an adaptive per-key multiplier and exposes an effective
// golang.org/x/time/rate.Limiter reflecting it.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	state map[string]*keyState
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, state: make(map[string]*keyState)}
}

func (l *Limiter) stateFor(key string) *keyState {
	ks, ok := l.state[key]
	if !ok {
		ks = &keyState{
			multiplier: l.cfg.MaxMultiplier,
			limiter:    rate.NewLimiter(rate.Limit(l.cfg.BaseRatePerSecond*l.cfg.MaxMultiplier), burstFor(l.cfg.BaseRatePerSecond*l.cfg.MaxMultiplier)),
		}
		l.state[key] = ks
	}
	return ks
}

func burstFor(ratePerSecond float64) int {
	b := int(ratePerSecond)
	if b < 1 {
		b = 1
	}
	return b
}

// errorRate computes the fraction of false (failure) entries in outcomes.
func errorRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	fails := 0
	for _, ok := range outcomes {
		if !ok {
			fails++
		}
	}
	return float64(fails) / float64(len(outcomes))
}

// RecordOutcome records whether a call against key succeeded, adjusting
// key's multiplier: tightening immediately once the trailing window's
// error rate crosses ErrorThreshold, and boosting back only after
// CooldownCalls consecutive successes.
func (l *Limiter) RecordOutcome(key string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ks := l.stateFor(key)
	ks.outcomes = append(ks.outcomes, success)
	if len(ks.outcomes) > l.cfg.WindowSize {
		ks.outcomes = ks.outcomes[len(ks.outcomes)-l.cfg.WindowSize:]
	}

	if success {
		ks.cleanRun++
	} else {
		ks.cleanRun = 0
	}

	if !success && errorRate(ks.outcomes) > l.cfg.ErrorThreshold {
		ks.multiplier *= l.cfg.TightenFactor
		ks.cleanRun = 0
	} else if ks.cleanRun >= l.cfg.CooldownCalls {
		ks.multiplier *= l.cfg.BoostFactor
		ks.cleanRun = 0
	}

	if ks.multiplier < l.cfg.MinMultiplier {
		ks.multiplier = l.cfg.MinMultiplier
	}
	if ks.multiplier > l.cfg.MaxMultiplier {
		ks.multiplier = l.cfg.MaxMultiplier
	}

	effective := l.cfg.BaseRatePerSecond * ks.multiplier
	ks.limiter.SetLimit(rate.Limit(effective))
	ks.limiter.SetBurst(burstFor(effective))
}

// Multiplier returns key's current multiplier (MaxMultiplier if key is
// unseen).
func (l *Limiter) Multiplier(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.state[key]
	if !ok {
		return l.cfg.MaxMultiplier
	}
	return ks.multiplier
}

// Effective returns the golang.org/x/time/rate.Limiter currently backing
// key, creating default state if key is unseen.
func (l *Limiter) Effective(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateFor(key).limiter
}

// Allow reports whether a call under key may proceed right now, per the
// key's current effective token bucket.
func (l *Limiter) Allow(key string) bool {
	return l.Effective(key).Allow()
}
