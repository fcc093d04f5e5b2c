package adaptive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func cfg() Config {
	return Config{
		BaseRatePerSecond: 10,
		WindowSize:        5,
		ErrorThreshold:    0.3,
		TightenFactor:     0.5,
		BoostFactor:       2.0,
		MinMultiplier:     0.1,
		MaxMultiplier:     1.0,
		CooldownCalls:     3,
	}
}

func TestUnseenKeyHasFullMultiplier(t *testing.T) {
	l := New(cfg())
	assert.Equal(t, 1.0, l.Multiplier("pg_a"))
}

func TestHighErrorRateTightens(t *testing.T) {
	l := New(cfg())
	l.RecordOutcome("pg_a", false)
	l.RecordOutcome("pg_a", false)
	assert.Less(t, l.Multiplier("pg_a"), 1.0)
}

func TestCleanRunBoostsBackAfterCooldown(t *testing.T) {
	l := New(cfg())
	l.RecordOutcome("pg_a", false)
	l.RecordOutcome("pg_a", false)
	tightened := l.Multiplier("pg_a")

	for i := 0; i < 3; i++ {
		l.RecordOutcome("pg_a", true)
	}
	assert.Greater(t, l.Multiplier("pg_a"), tightened)
}

func TestMultiplierNeverExceedsMax(t *testing.T) {
	l := New(cfg())
	for i := 0; i < 50; i++ {
		l.RecordOutcome("pg_a", true)
	}
	assert.LessOrEqual(t, l.Multiplier("pg_a"), cfg().MaxMultiplier)
}

func TestMultiplierNeverBelowMin(t *testing.T) {
	l := New(cfg())
	for i := 0; i < 50; i++ {
		l.RecordOutcome("pg_a", false)
	}
	assert.GreaterOrEqual(t, l.Multiplier("pg_a"), cfg().MinMultiplier)
}

func TestEffectiveLimiterReflectsMultiplier(t *testing.T) {
	l := New(cfg())
	l.RecordOutcome("pg_a", false)
	l.RecordOutcome("pg_a", false)
	lim := l.Effective("pg_a")
	assert.Less(t, float64(lim.Limit()), cfg().BaseRatePerSecond)
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(cfg())
	l.RecordOutcome("pg_a", false)
	l.RecordOutcome("pg_a", false)
	assert.Equal(t, 1.0, l.Multiplier("pg_b"))
}
