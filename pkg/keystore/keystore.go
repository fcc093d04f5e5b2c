// Package keystore is the single source of truth for ApiKeyRecords and the
// atomic economic operations (debit/refund/top-up) performed against them.
//
// CRUD shape and prefix-identifier convention follow pkg/apikey; keys are
// stored and looked up by their raw identifier, not hashed. Each key gets
// its own critical section (a per-key mutex, lazily created) rather than
// a single store-wide lock, so concurrent calls against different keys
// never contend.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// KeyPrefix is the fixed prefix for all API key identifiers.
const KeyPrefix = "pg_"

// Failure reasons returned by Debit and friends.
var (
	ErrKeyNotFound          = errors.New("key_not_found")
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrKeyInactive          = errors.New("key_inactive")
	ErrKeySuspended         = errors.New("key_suspended")
	ErrKeyExpired           = errors.New("key_expired")
	ErrSpendingLimitReached = errors.New("spending_limit_exceeded")
)

// AutoTopup describes automatic credit replenishment configured on a key.
type AutoTopup struct {
	Enabled       bool
	Threshold     int64
	Amount        int64
	MaxPerDay     int
	todayCount    int
	lastResetDay  string
}

// Quota tracks daily/monthly call and credit caps with lazily-reset
// counters for an ApiKeyRecord (pkg/team has its own daily-only Quota).
type Quota struct {
	DailyCalls        int64
	MonthlyCalls      int64
	DailyCredits      int64
	MonthlyCredits    int64
	dailyCallCount    int64
	monthlyCallCount  int64
	dailyCreditCount  int64
	monthlyCreditCnt  int64
	lastResetDay      string
	lastResetMonth    string
}

// ApiKeyRecord identifies a caller and tracks its balance and quotas.
type ApiKeyRecord struct {
	Key         string
	Name        string
	Credits     int64
	TotalSpent  int64
	TotalCalls  int64
	SpendingLimit int64 // 0 = none

	AutoTopup AutoTopup

	Active    bool
	Suspended bool
	CreatedAt time.Time
	LastUsedAt time.Time
	ExpiresAt *time.Time

	AllowedTools []string
	DeniedTools  []string
	Quota        Quota
	IPAllowlist  []string
	Tags         []string
	Namespace    string

	WebhookURL    string
	WebhookSecret string
}

// snapshot is a read-only copy safe to hand to callers without exposing
// the live record (and its mutex-guarded fields) for uncoordinated writes.
func (r *ApiKeyRecord) snapshot() ApiKeyRecord {
	cp := *r
	cp.AllowedTools = append([]string(nil), r.AllowedTools...)
	cp.DeniedTools = append([]string(nil), r.DeniedTools...)
	cp.IPAllowlist = append([]string(nil), r.IPAllowlist...)
	cp.Tags = append([]string(nil), r.Tags...)
	return cp
}

// DebitResult is returned by a successful Debit.
type DebitResult struct {
	NewBalance int64
}

// CreateParams configures a new key.
type CreateParams struct {
	Name          string
	Credits       int64
	SpendingLimit int64
	Namespace     string
	Tags          []string
	ExpiresAt     *time.Time
}

type entry struct {
	mu     sync.Mutex
	record ApiKeyRecord
}

// Store holds all ApiKeyRecords, guarded per-key by a lazily-created mutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// generateKey returns a fresh pg_-prefixed identifier with 128 bits of
// randomness hex-encoded.
func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// CreateKey generates a fresh key and inserts it with zeroed counters.
func (s *Store) CreateKey(p CreateParams) (ApiKeyRecord, error) {
	key, err := generateKey()
	if err != nil {
		return ApiKeyRecord{}, err
	}
	now := s.now()
	rec := ApiKeyRecord{
		Key:           key,
		Name:          p.Name,
		Credits:       p.Credits,
		SpendingLimit: p.SpendingLimit,
		Active:        true,
		CreatedAt:     now,
		Namespace:     p.Namespace,
		Tags:          append([]string(nil), p.Tags...),
		ExpiresAt:     p.ExpiresAt,
	}

	s.mu.Lock()
	s.entries[key] = &entry{record: rec}
	s.mu.Unlock()

	return rec.snapshot(), nil
}

// Get returns a read-only snapshot of the record for key.
func (s *Store) Get(key string) (ApiKeyRecord, error) {
	e := s.lookup(key)
	if e == nil {
		return ApiKeyRecord{}, ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.snapshot(), nil
}

// Insert adds a pre-built record as-is (used by persistence load and
// tests). It does not validate the record's invariants beyond overwrite
// semantics.
func (s *Store) Insert(rec ApiKeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[rec.Key] = &entry{record: rec}
}

// All returns a snapshot of every record, for persistence/serialization.
func (s *Store) All() []ApiKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ApiKeyRecord, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, e.record.snapshot())
		e.mu.Unlock()
	}
	return out
}

func (s *Store) lookup(key string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

func dayStamp(t time.Time) string   { return t.Format("2006-01-02") }
func monthStamp(t time.Time) string { return t.Format("2006-01") }

// resetCountersLocked lazily resets day/month counters if the stamp has
// rolled over. Caller must hold e.mu.
func resetCountersLocked(q *Quota, now time.Time) {
	d, m := dayStamp(now), monthStamp(now)
	if q.lastResetDay != d {
		q.dailyCallCount = 0
		q.dailyCreditCount = 0
		q.lastResetDay = d
	}
	if q.lastResetMonth != m {
		q.monthlyCallCount = 0
		q.monthlyCreditCnt = 0
		q.lastResetMonth = m
	}
}

// Debit atomically deducts amount credits from key if the key is usable
// and has sufficient balance. On success it also bumps totalSpent,
// totalCalls, lastUsedAt, and the daily/monthly counters, after lazily
// resetting counters whose stamp has rolled over.
func (s *Store) Debit(key string, amount int64) (DebitResult, error) {
	e := s.lookup(key)
	if e == nil {
		return DebitResult{}, ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.record
	now := s.now()

	if !r.Active {
		return DebitResult{}, ErrKeyInactive
	}
	if r.Suspended {
		return DebitResult{}, ErrKeySuspended
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return DebitResult{}, ErrKeyExpired
	}
	if r.Credits < amount {
		return DebitResult{}, ErrInsufficientCredits
	}

	resetCountersLocked(&r.Quota, now)

	r.Credits -= amount
	r.TotalSpent += amount
	r.TotalCalls++
	r.LastUsedAt = now
	r.Quota.dailyCallCount++
	r.Quota.monthlyCallCount++
	r.Quota.dailyCreditCount += amount
	r.Quota.monthlyCreditCnt += amount

	return DebitResult{NewBalance: r.Credits}, nil
}

// Refund compensates a failed call. It never fails: an unknown key is a
// no-op, since a refund must always be safe to issue after the fact.
func (s *Store) Refund(key string, amount int64) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &e.record
	r.Credits += amount
	if r.TotalSpent < amount {
		r.TotalSpent = 0
	} else {
		r.TotalSpent -= amount
	}
	r.TotalCalls--
	if r.TotalCalls < 0 {
		r.TotalCalls = 0
	}
}

// TopUp increments credits and returns the new balance. When the key has a
// SpendingLimit and its TotalSpent has already reached it, TopUp adds
// nothing and returns the current balance with ErrSpendingLimitReached;
// otherwise the grant is added whatever its size (SpendingLimit bounds
// spend, not balance).
func (s *Store) TopUp(key string, credits int64) (int64, error) {
	e := s.lookup(key)
	if e == nil {
		return 0, ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &e.record
	if r.SpendingLimit > 0 && r.TotalSpent >= r.SpendingLimit {
		return r.Credits, ErrSpendingLimitReached
	}
	r.Credits += credits
	return r.Credits, nil
}

// Revoke deactivates a key permanently (debit will fail afterward).
func (s *Store) Revoke(key string) error {
	return s.mutate(key, func(r *ApiKeyRecord) { r.Active = false })
}

// Suspend marks a key temporarily unusable.
func (s *Store) Suspend(key string) error {
	return s.mutate(key, func(r *ApiKeyRecord) { r.Suspended = true })
}

// Resume clears a key's suspension.
func (s *Store) Resume(key string) error {
	return s.mutate(key, func(r *ApiKeyRecord) { r.Suspended = false })
}

// SetAcl replaces the key's allow/deny tool lists.
func (s *Store) SetAcl(key string, allowed, denied []string) error {
	return s.mutate(key, func(r *ApiKeyRecord) {
		r.AllowedTools = append([]string(nil), allowed...)
		r.DeniedTools = append([]string(nil), denied...)
	})
}

// SetQuota replaces the key's daily/monthly call and credit caps.
func (s *Store) SetQuota(key string, q Quota) error {
	return s.mutate(key, func(r *ApiKeyRecord) {
		q.dailyCallCount = r.Quota.dailyCallCount
		q.monthlyCallCount = r.Quota.monthlyCallCount
		q.dailyCreditCount = r.Quota.dailyCreditCount
		q.monthlyCreditCnt = r.Quota.monthlyCreditCnt
		q.lastResetDay = r.Quota.lastResetDay
		q.lastResetMonth = r.Quota.lastResetMonth
		r.Quota = q
	})
}

// SetIPAllowlist replaces the key's allowed CIDR list.
func (s *Store) SetIPAllowlist(key string, cidrs []string) error {
	return s.mutate(key, func(r *ApiKeyRecord) {
		r.IPAllowlist = append([]string(nil), cidrs...)
	})
}

// SetTags replaces the key's tag list.
func (s *Store) SetTags(key string, tags []string) error {
	return s.mutate(key, func(r *ApiKeyRecord) {
		r.Tags = append([]string(nil), tags...)
	})
}

func (s *Store) mutate(key string, fn func(*ApiKeyRecord)) error {
	e := s.lookup(key)
	if e == nil {
		return ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.record)
	return nil
}

// QuotaStatus reports remaining quota headroom for display/decisioning.
type QuotaStatus struct {
	DailyCallsRemaining    int64
	MonthlyCallsRemaining  int64
	DailyCreditsRemaining  int64
	MonthlyCreditsRemaining int64
}

// remaining computes max(0, limit-used), treating limit==0 as unbounded
// (represented here as a very large number since int64 has no natural
// infinity; callers compare against actual need, not this sentinel alone).
func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return 1<<62 - 1
	}
	r := limit - used
	if r < 0 {
		return 0
	}
	return r
}

// CheckQuota lazily resets counters for now and reports remaining headroom
// without mutating anything beyond the reset itself.
func (s *Store) CheckQuota(key string) (QuotaStatus, error) {
	e := s.lookup(key)
	if e == nil {
		return QuotaStatus{}, ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	resetCountersLocked(&e.record.Quota, s.now())
	q := e.record.Quota
	return QuotaStatus{
		DailyCallsRemaining:     remaining(q.DailyCalls, q.dailyCallCount),
		MonthlyCallsRemaining:   remaining(q.MonthlyCalls, q.monthlyCallCount),
		DailyCreditsRemaining:   remaining(q.DailyCredits, q.dailyCreditCount),
		MonthlyCreditsRemaining: remaining(q.MonthlyCredits, q.monthlyCreditCnt),
	}, nil
}

// SetClock overrides the store's time source; intended for tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// ConfigureAutoTopup sets key's automatic replenishment policy.
func (s *Store) ConfigureAutoTopup(key string, a AutoTopup) error {
	return s.mutate(key, func(r *ApiKeyRecord) {
		a.todayCount = r.AutoTopup.todayCount
		a.lastResetDay = r.AutoTopup.lastResetDay
		r.AutoTopup = a
	})
}

// MaybeAutoTopup implements Gate step 17: if auto-topup is enabled,
// credits have fallen below the configured threshold, and today's count
// of auto-topups hasn't reached MaxPerDay, grants Amount credits and
// returns the amount granted. Safe to call after every debit; it is a
// no-op whenever the policy doesn't apply.
func (s *Store) MaybeAutoTopup(key string) (int64, error) {
	e := s.lookup(key)
	if e == nil {
		return 0, ErrKeyNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.record
	at := &r.AutoTopup
	if !at.Enabled {
		return 0, nil
	}
	now := s.now()
	if d := dayStamp(now); at.lastResetDay != d {
		at.todayCount = 0
		at.lastResetDay = d
	}
	if r.Credits >= at.Threshold {
		return 0, nil
	}
	if at.MaxPerDay > 0 && at.todayCount >= at.MaxPerDay {
		return 0, nil
	}
	r.Credits += at.Amount
	at.todayCount++
	return at.Amount, nil
}
