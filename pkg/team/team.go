// Package team implements the TeamRegistry: groups of API keys that
// share a pooled spending budget and call/credit quota, so usage by
// any member key draws down the team's shared limits rather than each
// key's own.
//
// The group-of-keys-with-shared-state shape is adapted from
// multi-tenancy (isolating resources between customers) to budget
// pooling (sharing resources among a customer's own keys).
package team

import (
	"errors"
	"sync"
	"time"
)

const maxMembers = 100

var (
	ErrNotFound        = errors.New("team_not_found")
	ErrAlreadyAssigned = errors.New("key_already_assigned_to_team")
	ErrTeamFull        = errors.New("team_member_limit_reached")
	ErrBudgetExceeded  = errors.New("team_budget_exceeded")
	ErrQuotaExceeded   = errors.New("team_quota_exceeded")
)

// Budget is a team's pooled lifetime spend cap. Zero means unbounded.
// totalSpent is checked against it going forward (post-deny), never
// enforced retroactively against past spend.
type Budget struct {
	Credits int64
}

// Quota is a team's pooled daily call/credit cap. Zero means unbounded.
type Quota struct {
	DailyCalls   int64
	DailyCredits int64
}

// Team is a named group of keys sharing Budget/Quota state.
type Team struct {
	ID          string
	Name        string
	Description string
	Budget      Budget
	Quota       Quota
	Active      bool
	Tags        map[string]string

	memberKeys   []string
	totalSpent   int64
	callsToday   int64
	creditsToday int64
	lastResetDay string
}

// Registry holds teams and key->team assignment.
type Registry struct {
	mu       sync.Mutex
	teams    map[string]*Team
	assigned map[string]string // apiKey -> team name
	now      func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		teams:    make(map[string]*Team),
		assigned: make(map[string]string),
		now:      time.Now,
	}
}

// CreateTeam adds a new team, always starting active regardless of
// what the caller's literal set (a freshly created team has no
// members yet, so there is nothing to unassign by starting inactive).
func (r *Registry) CreateTeam(t Team) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := t
	cp.Active = true
	cp.memberKeys = nil
	cp.totalSpent = 0
	r.teams[t.Name] = &cp
}

// UpdateTeam mutates an existing team's Budget/Quota/Tags via fn. A nil
// value in a caller's tag-removal path is fn's responsibility to
// interpret; the registry just exposes the pointer.
func (r *Registry) UpdateTeam(name string, fn func(*Team)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[name]
	if !ok {
		return ErrNotFound
	}
	fn(t)
	return nil
}

// DeleteTeam deactivates a team and clears all of its key assignments;
// the team record itself is kept for audit/history purposes rather
// than removed.
func (r *Registry) DeleteTeam(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[name]
	if !ok {
		return ErrNotFound
	}
	t.Active = false
	t.memberKeys = nil
	for k, v := range r.assigned {
		if v == name {
			delete(r.assigned, k)
		}
	}
	return nil
}

// AssignKey adds apiKey to team. It fails if apiKey already belongs to
// another active team, or if team already has maxMembers distinct
// members.
func (r *Registry) AssignKey(apiKey, teamName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[teamName]
	if !ok {
		return ErrNotFound
	}

	if existing, assigned := r.assigned[apiKey]; assigned && existing != teamName {
		if other, ok := r.teams[existing]; ok && other.Active {
			return ErrAlreadyAssigned
		}
	}

	if !containsKey(t.memberKeys, apiKey) {
		if len(t.memberKeys) >= maxMembers {
			return ErrTeamFull
		}
		t.memberKeys = append(t.memberKeys, apiKey)
	}
	r.assigned[apiKey] = teamName
	return nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func dayStamp(t time.Time) string { return t.Format("2006-01-02") }

func (r *Registry) resetIfNeededLocked(t *Team, now time.Time) {
	d := dayStamp(now)
	if t.lastResetDay != d {
		t.callsToday = 0
		t.creditsToday = 0
		t.lastResetDay = d
	}
}

func (r *Registry) teamForKeyLocked(apiKey string) (*Team, bool) {
	name, ok := r.assigned[apiKey]
	if !ok {
		return nil, false
	}
	t, ok := r.teams[name]
	return t, ok
}

// CheckBudget reports whether apiKey's team (if any) has enough pooled
// lifetime credit remaining for amount, checked as
// totalSpent + amount <= budget. A key with no team assignment always
// passes (team budgets are opt-in pooling, not a universal cap).
func (r *Registry) CheckBudget(apiKey string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teamForKeyLocked(apiKey)
	if !ok {
		return nil
	}
	if t.Budget.Credits > 0 && t.totalSpent+amount > t.Budget.Credits {
		return ErrBudgetExceeded
	}
	return nil
}

// CheckQuota reports whether apiKey's team (if any) has call and
// credit headroom remaining today.
func (r *Registry) CheckQuota(apiKey string, credits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teamForKeyLocked(apiKey)
	if !ok {
		return nil
	}
	r.resetIfNeededLocked(t, r.now())
	if t.Quota.DailyCalls > 0 && t.callsToday+1 > t.Quota.DailyCalls {
		return ErrQuotaExceeded
	}
	if t.Quota.DailyCredits > 0 && t.creditsToday+credits > t.Quota.DailyCredits {
		return ErrQuotaExceeded
	}
	return nil
}

// RecordUsage records a completed call's spend against apiKey's team
// pool, lazily resetting the daily counters that have rolled over. A
// key with no team assignment is a no-op. totalSpent is a lifetime
// counter and is never reset.
func (r *Registry) RecordUsage(apiKey string, amount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teamForKeyLocked(apiKey)
	if !ok {
		return
	}
	r.resetIfNeededLocked(t, r.now())
	t.totalSpent += amount
	t.callsToday++
	t.creditsToday += amount
}

// SetClock overrides the registry's time source; intended for tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}
