// Package usage implements the UsageMeter: the record of every billed
// tool call, feeding both the WebhookEmitter's outbound UsageEvent batch
// and whatever external analytics/billing system consumes it.
//
// Grounded on pkg/alert/webhook.go's metrics-recording-alongside-dispatch
// pattern (recordReceived/recordDuration called next to the outbound
// send), applied here to usage events instead of alert delivery
// counters.
package usage

import (
	"sync"
	"time"
)

// UsageEvent is one billed (or denied) tool call.
type UsageEvent struct {
	APIKey          string
	Tool            string
	Allowed         bool
	DenyReason      string
	CreditsCharged  int64
	ResponseBytes   int64
	DurationMs      int64
	Timestamp       time.Time
	Cached          bool
}

// Meter accumulates UsageEvents and drains them for delivery.
type Meter struct {
	mu     sync.Mutex
	events []UsageEvent
	now    func() time.Time

	totalCalls   int64
	totalCredits int64
	totalDenied  int64
}

// New creates an empty Meter.
func New() *Meter {
	return &Meter{now: time.Now}
}

// Record appends a usage event, stamping Timestamp if unset, and updates
// cumulative counters.
func (m *Meter) Record(e UsageEvent) UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	m.events = append(m.events, e)
	m.totalCalls++
	m.totalCredits += e.CreditsCharged
	if !e.Allowed {
		m.totalDenied++
	}
	return e
}

// Drain removes and returns up to max pending events (0 means all),
// oldest first, for handoff to the WebhookEmitter's batch.
func (m *Meter) Drain(max int) []UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= 0 || max >= len(m.events) {
		out := m.events
		m.events = nil
		return out
	}
	out := m.events[:max]
	m.events = m.events[max:]
	return out
}

// Pending reports how many events are buffered awaiting drain.
func (m *Meter) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Totals reports cumulative lifetime counters, independent of Drain.
type Totals struct {
	TotalCalls   int64
	TotalCredits int64
	TotalDenied  int64
}

// Totals returns the Meter's cumulative counters.
func (m *Meter) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Totals{TotalCalls: m.totalCalls, TotalCredits: m.totalCredits, TotalDenied: m.totalDenied}
}

// SetClock overrides the meter's time source; intended for tests only.
func (m *Meter) SetClock(now func() time.Time) {
	m.now = now
}
