package gate

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-core/pkg/jsonvalue"
	"github.com/walker77/paygate-core/pkg/keystore"
	"github.com/walker77/paygate-core/pkg/plan"
	"github.com/walker77/paygate-core/pkg/ratelimit"
	"github.com/walker77/paygate-core/pkg/team"
)

func newTestGate(t *testing.T) (*Gate, *keystore.Store, string) {
	t.Helper()
	ks := keystore.New()
	rec, err := ks.CreateKey(keystore.CreateParams{Name: "test", Credits: 1000})
	require.NoError(t, err)

	g := New(Config{
		KeyStore:              ks,
		DefaultCreditsPerCall: 10,
	})
	return g, ks, rec.Key
}

func ctxNow() RequestContext {
	return RequestContext{ClientIP: net.ParseIP("127.0.0.1"), Now: time.Now()}
}

func TestEvaluateFreeMethodBypassesEverything(t *testing.T) {
	g, _, _ := newTestGate(t)
	g.cfg.FreeMethods = map[string]bool{"ping": true}

	d := g.Evaluate(Request{Credential: "", Tool: "ping"}, ctxNow())
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonFreeMethod, d.Reason)
	assert.Zero(t, d.CreditsCharged)
}

func TestEvaluateMissingCredential(t *testing.T) {
	g, _, _ := newTestGate(t)
	d := g.Evaluate(Request{Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMissingAPIKey, d.Reason)
}

func TestEvaluateUnknownKey(t *testing.T) {
	g, _, _ := newTestGate(t)
	d := g.Evaluate(Request{Credential: "pg_nope", Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnknownAPIKey, d.Reason)
}

func TestEvaluateSuspendedKey(t *testing.T) {
	g, ks, key := newTestGate(t)
	require.NoError(t, ks.Suspend(key))
	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonKeySuspended, d.Reason)
}

func TestEvaluateExpiredKey(t *testing.T) {
	g, ks, key := newTestGate(t)
	past := time.Now().Add(-time.Hour)
	ks.Insert(mustGet(t, ks, key, func(r keystore.ApiKeyRecord) keystore.ApiKeyRecord {
		r.ExpiresAt = &past
		return r
	}))
	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonKeyExpired, d.Reason)
}

func mustGet(t *testing.T, ks *keystore.Store, key string, mutate func(keystore.ApiKeyRecord) keystore.ApiKeyRecord) keystore.ApiKeyRecord {
	t.Helper()
	rec, err := ks.Get(key)
	require.NoError(t, err)
	return mutate(rec)
}

func TestEvaluateIPNotAllowed(t *testing.T) {
	g, ks, key := newTestGate(t)
	require.NoError(t, ks.SetIPAllowlist(key, []string{"10.0.0.0/8"}))
	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonIPNotAllowed, d.Reason)
}

func TestEvaluateToolDeniedByACL(t *testing.T) {
	g, ks, key := newTestGate(t)
	require.NoError(t, ks.SetAcl(key, nil, []string{"search"}))
	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonToolDenied, d.Reason)
}

func TestEvaluateToolNotInAllowlist(t *testing.T) {
	g, ks, key := newTestGate(t)
	require.NoError(t, ks.SetAcl(key, []string{"fetch"}, nil))
	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonToolNotAllowed, d.Reason)
}

func TestEvaluatePlanToolDenied(t *testing.T) {
	g, _, key := newTestGate(t)
	plans := plan.New()
	plans.CreatePlan(plan.Plan{Name: "basic", DeniedTools: []string{"search"}})
	require.NoError(t, plans.AssignKey(key, "basic"))
	g.cfg.Plans = plans

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPlanToolDenied, d.Reason)
}

func TestEvaluateRateLimited(t *testing.T) {
	g, _, key := newTestGate(t)
	g.cfg.RateLimiter = ratelimit.New()
	g.cfg.GlobalRatePerMinute = 1

	first := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.True(t, first.Allowed)

	second := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonRateLimited, second.Reason)
}

func TestEvaluateTeamBudgetExceeded(t *testing.T) {
	g, _, key := newTestGate(t)
	teams := team.New()
	teams.CreateTeam(team.Team{Name: "acme", Budget: team.Budget{Credits: 5}})
	require.NoError(t, teams.AssignKey(key, "acme"))
	g.cfg.Teams = teams

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTeamBudgetExceeded, d.Reason)
}

func TestEvaluateSpendingLimitExceeded(t *testing.T) {
	g, ks, key := newTestGate(t)
	require.NoError(t, ks.SetQuota(key, keystore.Quota{}))
	rec, err := ks.Get(key)
	require.NoError(t, err)
	rec.SpendingLimit = 5
	ks.Insert(rec)

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSpendingLimitExceeded, d.Reason)
}

func TestEvaluateInsufficientCredits(t *testing.T) {
	g, ks, key := newTestGate(t)
	rec, err := ks.Get(key)
	require.NoError(t, err)
	rec.Credits = 1
	ks.Insert(rec)
	g.cfg.DefaultCreditsPerCall = 10

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientCredits, d.Reason)
}

func TestEvaluateSuccessDebitsAndAssignsID(t *testing.T) {
	g, ks, key := newTestGate(t)
	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	require.True(t, d.Allowed)
	assert.Equal(t, int64(10), d.CreditsCharged)
	assert.NotEmpty(t, d.ID)

	rec, err := ks.Get(key)
	require.NoError(t, err)
	assert.Equal(t, int64(990), rec.Credits)
}

func TestEvaluateShadowModeConvertsDenyToAllow(t *testing.T) {
	g, ks, key := newTestGate(t)
	g.cfg.ShadowMode = true
	require.NoError(t, ks.SetAcl(key, nil, []string{"search"}))

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	assert.True(t, d.Allowed)
	assert.Equal(t, "shadow:"+ReasonToolDenied, d.Reason)
	assert.Zero(t, d.CreditsCharged)
}

func TestSettleAppliesOutputSurchargeAndRefundsOnFailure(t *testing.T) {
	g, ks, key := newTestGate(t)
	g.cfg.RefundOnFailure = true
	g.cfg.ToolPricing = map[string]ToolPricing{"search": {CreditsPerCall: 10, CreditsPerKbOutput: 2}}

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	require.True(t, d.Allowed)

	settled := g.Settle(d, SettleInput{Success: true, ResponseBytes: 2048})
	assert.Equal(t, int64(10+4), settled.CreditsCharged)

	failDecision := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	require.True(t, failDecision.Allowed)
	before, err := ks.Get(key)
	require.NoError(t, err)

	g.Settle(failDecision, SettleInput{Success: false})
	after, err := ks.Get(key)
	require.NoError(t, err)
	assert.Equal(t, before.Credits+failDecision.CreditsCharged, after.Credits)
}

func TestSettleRefundsCacheHitWhenChargeCacheHitsDisabled(t *testing.T) {
	g, ks, key := newTestGate(t)
	g.cfg.ChargeCacheHits = false

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	require.True(t, d.Allowed)
	require.Equal(t, int64(10), d.CreditsCharged)

	settled := g.Settle(d, SettleInput{Success: true, CacheHit: true})
	assert.Zero(t, settled.CreditsCharged)
	assert.True(t, settled.CacheHit)

	rec, err := ks.Get(key)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.Credits)
}

func TestSettleChargesCacheHitByDefault(t *testing.T) {
	g, ks, key := newTestGate(t)
	g.cfg.ChargeCacheHits = true

	d := g.Evaluate(Request{Credential: key, Tool: "search"}, ctxNow())
	require.True(t, d.Allowed)

	settled := g.Settle(d, SettleInput{Success: true, CacheHit: true})
	assert.Equal(t, int64(10), settled.CreditsCharged)

	rec, err := ks.Get(key)
	require.NoError(t, err)
	assert.Equal(t, int64(990), rec.Credits)
}

func TestEvaluateBatchAllOrNothing(t *testing.T) {
	g, ks, key := newTestGate(t)
	require.NoError(t, ks.SetAcl(key, nil, []string{"forbidden"}))

	before, err := ks.Get(key)
	require.NoError(t, err)

	res := g.EvaluateBatch(Request{Credential: key}, []BatchCall{
		{Tool: "search", Args: jsonvalue.Object()},
		{Tool: "forbidden", Args: jsonvalue.Object()},
	}, ctxNow())

	assert.False(t, res.AllAllowed)
	assert.Equal(t, 1, res.FailedIndex)
	assert.Equal(t, ReasonToolDenied, res.Reason)

	after, err := ks.Get(key)
	require.NoError(t, err)
	assert.Equal(t, before.Credits, after.Credits, "no call should debit when the batch is rejected")
}

func TestEvaluateBatchDebitsSumOnce(t *testing.T) {
	g, ks, key := newTestGate(t)

	res := g.EvaluateBatch(Request{Credential: key}, []BatchCall{
		{Tool: "search", Args: jsonvalue.Object()},
		{Tool: "fetch", Args: jsonvalue.Object()},
	}, ctxNow())

	require.True(t, res.AllAllowed)
	require.Len(t, res.Decisions, 2)
	assert.Equal(t, int64(10), res.Decisions[0].CreditsCharged)
	assert.Equal(t, int64(10), res.Decisions[1].CreditsCharged)

	rec, err := ks.Get(key)
	require.NoError(t, err)
	assert.Equal(t, int64(980), rec.Credits)
}

func TestEvaluateBatchFreeMethodsAreNotCharged(t *testing.T) {
	g, ks, key := newTestGate(t)
	g.cfg.FreeMethods = map[string]bool{"ping": true}

	res := g.EvaluateBatch(Request{Credential: key}, []BatchCall{
		{Tool: "ping", Args: jsonvalue.Object()},
	}, ctxNow())

	require.True(t, res.AllAllowed)
	assert.Zero(t, res.Decisions[0].CreditsCharged)

	rec, err := ks.Get(key)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rec.Credits)
}

func TestFilterToolsForKeyIntersectsACLs(t *testing.T) {
	g, ks, key := newTestGate(t)
	require.NoError(t, ks.SetAcl(key, []string{"search", "fetch"}, nil))

	out := g.FilterToolsForKey(key, []string{"search", "fetch", "delete"}, nil)
	assert.ElementsMatch(t, []string{"search", "fetch"}, out)
}

func TestFilterToolsForKeyReturnsNilWhenUnrestricted(t *testing.T) {
	g, _, key := newTestGate(t)
	out := g.FilterToolsForKey(key, []string{"search", "fetch"}, nil)
	assert.Nil(t, out)
}
