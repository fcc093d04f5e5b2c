package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordWithinLimit(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		st := l.Record("pg_a", 10)
		assert.True(t, st.Allowed)
	}
	st := l.Check("pg_a", 10)
	assert.Equal(t, 5, st.Remaining)
}

func TestRecordExceedsLimit(t *testing.T) {
	l := New()
	var last Status
	for i := 0; i < 4; i++ {
		last = l.Record("pg_b", 3)
	}
	assert.False(t, last.Allowed)
	assert.Equal(t, 0, last.Remaining)
}

func TestWindowResets(t *testing.T) {
	l := New()
	start := time.Now().Truncate(time.Minute)
	l.SetClock(func() time.Time { return start })

	for i := 0; i < 3; i++ {
		l.Record("pg_c", 3)
	}
	st := l.Record("pg_c", 3)
	assert.False(t, st.Allowed)

	l.SetClock(func() time.Time { return start.Add(61 * time.Second) })
	st = l.Record("pg_c", 3)
	assert.True(t, st.Allowed)
}

func TestCompositeKeyIsolatesTools(t *testing.T) {
	l := New()
	l.Record(CompositeKey("pg_a", "search"), 100)
	st := l.Check(CompositeKey("pg_a", "summarize"), 100)
	assert.Equal(t, 100, st.Remaining)
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	l := New()
	var st Status
	for i := 0; i < 1000; i++ {
		st = l.Record("pg_unlimited", 0)
	}
	assert.True(t, st.Allowed)
}

func TestSweepDropsStaleWindows(t *testing.T) {
	l := New()
	start := time.Now().Truncate(time.Minute)
	l.SetClock(func() time.Time { return start })
	l.Record("pg_stale", 10)

	l.SetClock(func() time.Time { return start.Add(2 * time.Minute) })
	n := l.Sweep()
	assert.Equal(t, 1, n)
}
