package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignAndMultiplier(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "pro", CreditMultiplier: 0.5})
	require.NoError(t, r.AssignKey("pg_a", "pro"))
	assert.Equal(t, 0.5, r.GetCreditMultiplier("pg_a"))
}

func TestUnassignedKeyDefaultsToMultiplierOne(t *testing.T) {
	r := New()
	assert.Equal(t, 1.0, r.GetCreditMultiplier("pg_unknown"))
}

func TestAssignUnknownPlanFails(t *testing.T) {
	r := New()
	err := r.AssignKey("pg_a", "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToolAllowedByPlanDeniedWins(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "restricted", AllowedTools: []string{"search"}, DeniedTools: []string{"search"}})
	require.NoError(t, r.AssignKey("pg_a", "restricted"))
	assert.False(t, r.IsToolAllowedByPlan("pg_a", "search"))
}

func TestEmptyAllowedToolsMeansAllAllowed(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "open", DeniedTools: []string{"delete"}})
	require.NoError(t, r.AssignKey("pg_a", "open"))
	assert.True(t, r.IsToolAllowedByPlan("pg_a", "search"))
	assert.False(t, r.IsToolAllowedByPlan("pg_a", "delete"))
}

func TestDeletePlanInUseFails(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "pro"})
	require.NoError(t, r.AssignKey("pg_a", "pro"))
	assert.ErrorIs(t, r.DeletePlan("pro"), ErrInUse)
}

func TestReassignFreesUpOldPlan(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "pro"})
	r.CreatePlan(Plan{Name: "free"})
	require.NoError(t, r.AssignKey("pg_a", "pro"))
	require.NoError(t, r.AssignKey("pg_a", "free"))
	assert.NoError(t, r.DeletePlan("pro"))
}

func TestUnassignedKeyQuotaAlwaysPasses(t *testing.T) {
	r := New()
	assert.NoError(t, r.CheckQuota("pg_unknown", 1000000))
}

func TestDailyCallLimitBlocks(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "free", DailyCallLimit: 2})
	require.NoError(t, r.AssignKey("pg_a", "free"))

	r.RecordUsage("pg_a", 1)
	assert.NoError(t, r.CheckQuota("pg_a", 1))
	r.RecordUsage("pg_a", 1)
	assert.ErrorIs(t, r.CheckQuota("pg_a", 1), ErrQuotaExceeded)
}

func TestDailyCreditLimitBlocks(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "free", DailyCreditLimit: 50})
	require.NoError(t, r.AssignKey("pg_a", "free"))

	r.RecordUsage("pg_a", 40)
	assert.ErrorIs(t, r.CheckQuota("pg_a", 20), ErrQuotaExceeded)
}

func TestMonthlyCallLimitBlocks(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "free", MonthlyCallLimit: 1})
	require.NoError(t, r.AssignKey("pg_a", "free"))

	r.RecordUsage("pg_a", 1)
	assert.ErrorIs(t, r.CheckQuota("pg_a", 1), ErrQuotaExceeded)
}

func TestReassignResetsQuotaCounters(t *testing.T) {
	r := New()
	r.CreatePlan(Plan{Name: "free", DailyCallLimit: 1})
	r.CreatePlan(Plan{Name: "pro", DailyCallLimit: 5})
	require.NoError(t, r.AssignKey("pg_a", "free"))
	r.RecordUsage("pg_a", 1)
	assert.ErrorIs(t, r.CheckQuota("pg_a", 1), ErrQuotaExceeded)

	require.NoError(t, r.AssignKey("pg_a", "pro"))
	assert.NoError(t, r.CheckQuota("pg_a", 1))
}
