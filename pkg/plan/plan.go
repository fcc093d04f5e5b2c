// Package plan implements the UsagePlanRegistry: named tiers (e.g. free,
// pro, enterprise) that bound which tools a key may call, scale the
// credit cost of each call by a multiplier, and cap daily/monthly call
// and credit volume per key.
//
// The named-tier-with-limits shape generalizes pkg/escalation/escalation.go's
// ordered-tiers-with-thresholds approach from incident-escalation tiers
// to usage plans.
package plan

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("plan_not_found")
	ErrKeyNotFound = errors.New("plan_assignment_not_found")
	ErrInUse       = errors.New("plan_in_use")
	ErrQuotaExceeded = errors.New("plan_quota_exceeded")
)

// Plan is a named usage tier.
type Plan struct {
	Name             string
	Description      string
	RateLimitPerMin  int64 // not read by pkg/gate, which takes plan rates from gate.PlanLimits
	CreditMultiplier float64
	AllowedTools     []string // empty means "all tools allowed"
	DeniedTools      []string

	// Zero means "no limit" for each of these.
	DailyCallLimit     int64
	MonthlyCallLimit   int64
	DailyCreditLimit   int64
	MonthlyCreditLimit int64
}

// counter tracks one key's rolling usage against its assigned plan's
// daily/monthly caps, reset lazily like keystore's per-key quota.
type counter struct {
	dailyCalls     int64
	monthlyCalls   int64
	dailyCredits   int64
	monthlyCredits int64
	lastResetDay   string
	lastResetMonth string
}

// Registry holds plans and which key is assigned to which plan.
type Registry struct {
	mu        sync.RWMutex
	plans     map[string]*Plan
	assigned  map[string]string // apiKey -> plan name
	byPlanCnt map[string]int
	counters  map[string]*counter // apiKey -> usage against its plan
	now       func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		plans:     make(map[string]*Plan),
		assigned:  make(map[string]string),
		byPlanCnt: make(map[string]int),
		counters:  make(map[string]*counter),
		now:       time.Now,
	}
}

// CreatePlan adds or replaces a named plan.
func (r *Registry) CreatePlan(p Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	cp.AllowedTools = append([]string(nil), p.AllowedTools...)
	cp.DeniedTools = append([]string(nil), p.DeniedTools...)
	r.plans[p.Name] = &cp
}

// UpdatePlan mutates an existing plan via fn.
func (r *Registry) UpdatePlan(name string, fn func(*Plan)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[name]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}

// DeletePlan removes a plan, refusing if any key is currently assigned
// to it.
func (r *Registry) DeletePlan(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[name]; !ok {
		return ErrNotFound
	}
	if r.byPlanCnt[name] > 0 {
		return ErrInUse
	}
	delete(r.plans, name)
	return nil
}

// AssignKey assigns apiKey to the named plan, moving it off any prior
// plan assignment and resetting its usage counters against the new
// plan's caps.
func (r *Registry) AssignKey(apiKey, planName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[planName]; !ok {
		return ErrNotFound
	}
	if prior, ok := r.assigned[apiKey]; ok {
		r.byPlanCnt[prior]--
	}
	r.assigned[apiKey] = planName
	r.byPlanCnt[planName]++
	delete(r.counters, apiKey)
	return nil
}

// planForKeyLocked looks up the Plan assigned to apiKey. Caller must hold a
// read lock or equivalent.
func (r *Registry) planForKeyLocked(apiKey string) (*Plan, bool) {
	name, ok := r.assigned[apiKey]
	if !ok {
		return nil, false
	}
	p, ok := r.plans[name]
	return p, ok
}

// GetCreditMultiplier returns the multiplier for apiKey's assigned plan,
// or 1.0 if the key has no plan assignment.
func (r *Registry) GetCreditMultiplier(apiKey string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.planForKeyLocked(apiKey)
	if !ok {
		return 1.0
	}
	return p.CreditMultiplier
}

// IsToolAllowedByPlan reports whether apiKey's plan permits tool. Denied
// takes precedence over allowed; an empty AllowedTools list means "all
// tools allowed" subject to DeniedTools. A key with no plan assignment
// is allowed by default (plan policy is opt-in).
func (r *Registry) IsToolAllowedByPlan(apiKey, tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.planForKeyLocked(apiKey)
	if !ok {
		return true
	}
	for _, d := range p.DeniedTools {
		if d == tool {
			return false
		}
	}
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, a := range p.AllowedTools {
		if a == tool {
			return true
		}
	}
	return false
}

// PlanName returns the plan name assigned to apiKey, if any.
func (r *Registry) PlanName(apiKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.assigned[apiKey]
	return name, ok
}

func dayStamp(t time.Time) string   { return t.Format("2006-01-02") }
func monthStamp(t time.Time) string { return t.Format("2006-01") }

func resetCounterLocked(c *counter, now time.Time) {
	d, m := dayStamp(now), monthStamp(now)
	if c.lastResetDay != d {
		c.dailyCalls = 0
		c.dailyCredits = 0
		c.lastResetDay = d
	}
	if c.lastResetMonth != m {
		c.monthlyCalls = 0
		c.monthlyCredits = 0
		c.lastResetMonth = m
	}
}

func (r *Registry) counterForKeyLocked(apiKey string) *counter {
	c, ok := r.counters[apiKey]
	if !ok {
		c = &counter{}
		r.counters[apiKey] = c
	}
	return c
}

// CheckQuota reports whether apiKey's assigned plan (if any) has
// daily/monthly call and credit headroom remaining for one more call
// costing credits. A key with no plan assignment always passes.
func (r *Registry) CheckQuota(apiKey string, credits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.planForKeyLocked(apiKey)
	if !ok {
		return nil
	}
	c := r.counterForKeyLocked(apiKey)
	resetCounterLocked(c, r.now())

	switch {
	case p.DailyCallLimit > 0 && c.dailyCalls+1 > p.DailyCallLimit:
		return ErrQuotaExceeded
	case p.MonthlyCallLimit > 0 && c.monthlyCalls+1 > p.MonthlyCallLimit:
		return ErrQuotaExceeded
	case p.DailyCreditLimit > 0 && c.dailyCredits+credits > p.DailyCreditLimit:
		return ErrQuotaExceeded
	case p.MonthlyCreditLimit > 0 && c.monthlyCredits+credits > p.MonthlyCreditLimit:
		return ErrQuotaExceeded
	}
	return nil
}

// RecordUsage records a completed call's spend against apiKey's plan
// counters, lazily resetting counters that have rolled over. A key
// with no plan assignment is a no-op.
func (r *Registry) RecordUsage(apiKey string, credits int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.planForKeyLocked(apiKey); !ok {
		return
	}
	c := r.counterForKeyLocked(apiKey)
	resetCounterLocked(c, r.now())
	c.dailyCalls++
	c.monthlyCalls++
	c.dailyCredits += credits
	c.monthlyCredits += credits
}

// SetClock overrides the registry's time source; intended for tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
