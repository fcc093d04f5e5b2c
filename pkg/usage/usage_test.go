package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordUpdatesTotals(t *testing.T) {
	m := New()
	m.Record(UsageEvent{APIKey: "pg_a", Tool: "search", Allowed: true, CreditsCharged: 5})
	m.Record(UsageEvent{APIKey: "pg_a", Tool: "search", Allowed: false, DenyReason: "rate_limited"})

	tot := m.Totals()
	assert.Equal(t, int64(2), tot.TotalCalls)
	assert.Equal(t, int64(5), tot.TotalCredits)
	assert.Equal(t, int64(1), tot.TotalDenied)
}

func TestDrainPartial(t *testing.T) {
	m := New()
	for i := 0; i < 5; i++ {
		m.Record(UsageEvent{APIKey: "pg_a", Tool: "search"})
	}
	first := m.Drain(2)
	assert.Len(t, first, 2)
	assert.Equal(t, 3, m.Pending())

	rest := m.Drain(0)
	assert.Len(t, rest, 3)
	assert.Equal(t, 0, m.Pending())
}

func TestRecordStampsTimestampWhenUnset(t *testing.T) {
	m := New()
	e := m.Record(UsageEvent{APIKey: "pg_a"})
	assert.False(t, e.Timestamp.IsZero())
}
