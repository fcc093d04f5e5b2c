package permission

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFirstMatchingRuleWins(t *testing.T) {
	e := New([]Rule{
		{Name: "deny-delete", Priority: 1, Effect: Deny, Active: true, Conditions: []Condition{{Kind: CondToolPattern, Patterns: []string{"delete"}}}},
		{Name: "allow-all", Priority: 2, Effect: Allow, Active: true},
	})
	d := e.Evaluate(Request{Tool: "delete"})
	assert.Equal(t, Deny, d.Effect)
	assert.Equal(t, "deny-delete", d.RuleName)
}

func TestNoMatchDefaultsToAllow(t *testing.T) {
	e := New([]Rule{
		{Name: "deny-delete", Priority: 1, Effect: Deny, Active: true, Conditions: []Condition{{Kind: CondToolPattern, Patterns: []string{"delete"}}}},
	})
	d := e.Evaluate(Request{Tool: "search"})
	assert.Equal(t, Allow, d.Effect)
	assert.False(t, d.Matched)
}

func TestInactiveRuleNeverMatches(t *testing.T) {
	e := New([]Rule{
		{Name: "deny-delete", Priority: 1, Effect: Deny, Active: false, Conditions: []Condition{{Kind: CondToolPattern, Patterns: []string{"delete"}}}},
	})
	d := e.Evaluate(Request{Tool: "delete"})
	assert.Equal(t, Allow, d.Effect)
	assert.False(t, d.Matched)
}

func TestCompoundConditionsAreAnded(t *testing.T) {
	e := New([]Rule{
		{
			Name:     "deny-prod-admin-delete",
			Priority: 1,
			Effect:   Deny,
			Active:   true,
			Conditions: []Condition{
				{Kind: CondToolPattern, Patterns: []string{"delete*"}},
				{Kind: CondEnvironment, Environments: []string{"production"}},
			},
		},
	})
	d := e.Evaluate(Request{Tool: "delete_key", Environment: "staging"})
	assert.Equal(t, Allow, d.Effect, "environment mismatch should prevent the rule from matching")

	d = e.Evaluate(Request{Tool: "delete_key", Environment: "production"})
	assert.Equal(t, Deny, d.Effect)
}

func TestToolPatternGlob(t *testing.T) {
	e := New([]Rule{
		{Name: "deny-admin-tools", Priority: 1, Effect: Deny, Active: true, Conditions: []Condition{{Kind: CondToolPattern, Patterns: []string{"admin_*"}}}},
	})
	assert.True(t, e.Evaluate(Request{Tool: "admin_delete"}).Matched)
	assert.False(t, e.Evaluate(Request{Tool: "search"}).Matched)
}

func TestCustomConditionAgainstExtra(t *testing.T) {
	e := New([]Rule{
		{Name: "deny-beta-flag", Priority: 1, Effect: Deny, Active: true, Conditions: []Condition{{Kind: CondCustom, Key: "tier", Value: "beta"}}},
	})
	d := e.Evaluate(Request{Extra: map[string]string{"tier": "beta"}})
	assert.Equal(t, Deny, d.Effect)

	d = e.Evaluate(Request{Extra: map[string]string{"tier": "ga"}})
	assert.Equal(t, Allow, d.Effect)
}

func TestMaxPayloadBytes(t *testing.T) {
	e := New([]Rule{
		{Name: "deny-oversized", Priority: 1, Effect: Deny, Active: true, Conditions: []Condition{{Kind: CondMaxPayloadBytes, MaxBytes: 1024}}},
	})
	assert.Equal(t, Allow, e.Evaluate(Request{PayloadBytes: 512}).Effect)
	assert.Equal(t, Deny, e.Evaluate(Request{PayloadBytes: 2048}).Effect)
}

func TestTimeWindowWrapsAroundMidnight(t *testing.T) {
	e := New([]Rule{
		{Name: "night-deny", Priority: 1, Effect: Deny, Active: true, Conditions: []Condition{{Kind: CondTimeRange, StartHour: 22, EndHour: 6}}},
	})

	late := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, Deny, e.Evaluate(Request{Now: late}).Effect)

	midday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, Allow, e.Evaluate(Request{Now: midday}).Effect)
}

func TestIPInAnyRange(t *testing.T) {
	e := New([]Rule{
		{Name: "allow-internal", Priority: 1, Effect: Allow, Active: true, Conditions: []Condition{{Kind: CondIPCIDR, Ranges: []string{"10.0.0.0/8", "192.168.0.0/16"}}}},
		{Name: "deny-rest", Priority: 2, Effect: Deny, Active: true},
	})
	d := e.Evaluate(Request{IP: net.ParseIP("10.1.2.3")})
	assert.Equal(t, Allow, d.Effect)

	d = e.Evaluate(Request{IP: net.ParseIP("192.168.5.5")})
	assert.Equal(t, Allow, d.Effect)

	d = e.Evaluate(Request{IP: net.ParseIP("8.8.8.8")})
	assert.Equal(t, Deny, d.Effect)
}

func TestIPConditionFailsWhenIPMissing(t *testing.T) {
	e := New([]Rule{
		{Name: "allow-internal", Priority: 1, Effect: Allow, Active: true, Conditions: []Condition{{Kind: CondIPCIDR, Ranges: []string{"10.0.0.0/8"}}}},
	})
	d := e.Evaluate(Request{})
	assert.False(t, d.Matched)
}

func TestPriorityOrderingOverridesInsertionOrder(t *testing.T) {
	e := New([]Rule{
		{Name: "low-priority-deny", Priority: 5, Effect: Deny, Active: true},
		{Name: "high-priority-allow", Priority: 1, Effect: Allow, Active: true},
	})
	d := e.Evaluate(Request{})
	assert.Equal(t, "high-priority-allow", d.RuleName)
}

func TestNewWithDefaultDeny(t *testing.T) {
	e := NewWithDefault([]Rule{
		{Name: "allow-search", Priority: 1, Effect: Allow, Active: true, Conditions: []Condition{{Kind: CondToolPattern, Patterns: []string{"search"}}}},
	}, Deny)
	d := e.Evaluate(Request{Tool: "write"})
	assert.Equal(t, Deny, d.Effect)
	assert.False(t, d.Matched)
}
