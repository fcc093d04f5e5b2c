// Package webhook implements the WebhookEmitter: batched, HMAC-signed
// delivery of UsageEvents and AdminEvents to a single operator-configured
// URL, with a retry scheduler, a ring-buffered dead-letter queue, and a
// capped delivery log.
//
// Grounded on internal/audit/audit.go's buffered-channel-plus-ticker
// flush loop (Start/Close/wg.Wait shutdown shape) for the batching
// engine, and pkg/slack/verify.go / pkg/mattermost/verify.go's HMAC
// signature idiom (there used to verify *inbound* webhooks) mirrored
// here for *outbound* signing.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/walker77/paygate-core/pkg/usage"
)

// AdminEventType enumerates the administrative events an emitter can
// deliver: key lifecycle changes, plan/team changes, and breaker state
// transitions.
type AdminEventType string

const (
	EventKeyCreated               AdminEventType = "key.created"
	EventKeyRevoked                AdminEventType = "key.revoked"
	EventKeyRotated                AdminEventType = "key.rotated"
	EventKeyTopup                  AdminEventType = "key.topup"
	EventKeySuspended               AdminEventType = "key.suspended"
	EventKeyResumed                 AdminEventType = "key.resumed"
	EventKeyExpired                 AdminEventType = "key.expired"
	EventKeyCreditsTransferred      AdminEventType = "key.credits_transferred"
	EventKeyAutoTopupConfigured     AdminEventType = "key.auto_topup_configured"
	EventKeyAutoToppedUp            AdminEventType = "key.auto_topped_up"
	EventTokenRevoked               AdminEventType = "token.revoked"
	EventAdminKeyCreated            AdminEventType = "admin_key.created"
	EventAdminKeyRevoked            AdminEventType = "admin_key.revoked"
	EventAlertFired                 AdminEventType = "alert.fired"
)

// AdminEvent is a non-usage administrative event.
type AdminEvent struct {
	Type      AdminEventType    `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type batch struct {
	usageEvents []usage.UsageEvent
	adminEvents []AdminEvent
	attempt     int
	firstAttempt time.Time
	lastAttempt  time.Time
	lastError    string
	nextAttemptAt time.Time
}

// wirePayload is the JSON body POSTed to the configured URL.
type wirePayload struct {
	SentAt      int64                `json:"sentAt"`
	Events      []usage.UsageEvent   `json:"events"`
	AdminEvents []AdminEvent         `json:"adminEvents"`
}

// DeliveryLogEntry records the outcome of a single delivery attempt.
type DeliveryLogEntry struct {
	ID           int64
	Timestamp    time.Time
	URLMasked    string
	StatusCode   int
	ResponseTime time.Duration
	Attempt      int
	Error        string
	EventCount   int
	EventTypes   []string
}

// DeadLetter is a batch that exhausted its retries.
type DeadLetter struct {
	Batch        batch
	LastError    string
	FirstAttempt time.Time
	LastAttempt  time.Time
}

// HTTPDoer is the subset of *http.Client the emitter needs, so tests can
// substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes batching, signing, and retry behavior.
type Config struct {
	URL             string
	Secret          string
	BatchSize       int
	FlushInterval   time.Duration
	BaseDelay       time.Duration
	MaxRetries      int
	MaxDeadLetters  int
	RequestTimeout  time.Duration
}

// DefaultConfig returns a reasonable starting configuration for targetURL.
func DefaultConfig(targetURL string) Config {
	return Config{
		URL:            targetURL,
		BatchSize:      50,
		FlushInterval:  5 * time.Second,
		BaseDelay:      time.Second,
		MaxRetries:     5,
		MaxDeadLetters: 100,
		RequestTimeout: 10 * time.Second,
	}
}

// Emitter batches and delivers events to Config.URL.
type Emitter struct {
	cfg    Config
	client HTTPDoer
	now    func() time.Time

	mu          sync.Mutex
	pendingUsage []usage.UsageEvent
	pendingAdmin []AdminEvent
	inFlight     []*batch
	deadLetters  []DeadLetter
	deliveryLog  []DeliveryLogEntry
	nextLogID    int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Emitter. client may be nil to use http.DefaultClient.
func New(cfg Config, client HTTPDoer) *Emitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Emitter{cfg: cfg, client: client, now: time.Now}
}

// EnqueueUsage adds a usage event to the pending buffer, flushing
// immediately if BatchSize is reached.
func (e *Emitter) EnqueueUsage(ev usage.UsageEvent) {
	e.mu.Lock()
	e.pendingUsage = append(e.pendingUsage, ev)
	shouldFlush := len(e.pendingUsage)+len(e.pendingAdmin) >= e.cfg.BatchSize
	e.mu.Unlock()
	if shouldFlush {
		e.Flush(context.Background())
	}
}

// EnqueueAdmin adds an admin event to the pending buffer, flushing
// immediately if BatchSize is reached.
func (e *Emitter) EnqueueAdmin(ev AdminEvent) {
	e.mu.Lock()
	e.pendingAdmin = append(e.pendingAdmin, ev)
	shouldFlush := len(e.pendingUsage)+len(e.pendingAdmin) >= e.cfg.BatchSize
	e.mu.Unlock()
	if shouldFlush {
		e.Flush(context.Background())
	}
}

// Flush drains up to BatchSize pending events into a new batch and
// attempts delivery immediately.
func (e *Emitter) Flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.pendingUsage) == 0 && len(e.pendingAdmin) == 0 {
		e.mu.Unlock()
		return
	}
	uCount := min(len(e.pendingUsage), e.cfg.BatchSize)
	u := e.pendingUsage[:uCount]
	e.pendingUsage = e.pendingUsage[uCount:]
	remaining := e.cfg.BatchSize - uCount
	aCount := min(len(e.pendingAdmin), remaining)
	a := e.pendingAdmin[:aCount]
	e.pendingAdmin = e.pendingAdmin[aCount:]

	b := &batch{usageEvents: append([]usage.UsageEvent(nil), u...), adminEvents: append([]AdminEvent(nil), a...), firstAttempt: e.now()}
	e.mu.Unlock()

	e.attemptDelivery(ctx, b)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// sign computes the HMAC-SHA256 signature over "<unixSeconds>.<body>".
func sign(secret string, unixSeconds int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unixSeconds, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is a constant-time helper exposed for inbound
// verification tests: it recomputes the signature over body at
// unixSeconds and compares to expectedHex.
func VerifySignature(secret string, unixSeconds int64, body []byte, expectedHex string) bool {
	computed := sign(secret, unixSeconds, body)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expectedHex)) == 1
}

func eventTypesOf(b *batch) []string {
	var types []string
	if len(b.usageEvents) > 0 {
		types = append(types, "usage")
	}
	seen := map[AdminEventType]bool{}
	for _, a := range b.adminEvents {
		if !seen[a.Type] {
			seen[a.Type] = true
			types = append(types, string(a.Type))
		}
	}
	return types
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		username := u.User.Username()
		if len(username) > 4 {
			username = username[:4] + "***"
		}
		u.User = nil
		s := u.String()
		if i := strings.Index(s, "//"); i >= 0 {
			return s[:i+2] + username + "@" + s[i+2:]
		}
		return s
	}
	return u.String()
}

// attemptDelivery performs one HTTP attempt for b, recording a delivery
// log entry and updating the breaker-free retry schedule on failure.
func (e *Emitter) attemptDelivery(ctx context.Context, b *batch) {
	payload := wirePayload{SentAt: e.now().Unix(), Events: b.usageEvents, AdminEvents: b.adminEvents}
	body, err := json.Marshal(payload)
	if err != nil {
		e.recordFailureAndSchedule(b, err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		e.recordFailureAndSchedule(b, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.Secret != "" {
		ts := e.now().Unix()
		sig := sign(e.cfg.Secret, ts, body)
		req.Header.Set("X-PayGate-Signature", fmt.Sprintf("t=%d,v1=%s", ts, sig))
	}

	start := e.now()
	resp, err := e.client.Do(req)
	elapsed := e.now().Sub(start)

	b.attempt++
	b.lastAttempt = e.now()

	statusCode := 0
	var deliveryErr string
	if err != nil {
		deliveryErr = err.Error()
	} else {
		statusCode = resp.StatusCode
		resp.Body.Close()
		if statusCode >= 400 {
			deliveryErr = fmt.Sprintf("upstream returned status %d", statusCode)
		}
	}

	e.mu.Lock()
	e.nextLogID++
	e.deliveryLog = append(e.deliveryLog, DeliveryLogEntry{
		ID: e.nextLogID, Timestamp: e.now(), URLMasked: maskURL(e.cfg.URL),
		StatusCode: statusCode, ResponseTime: elapsed, Attempt: b.attempt,
		Error: deliveryErr, EventCount: len(b.usageEvents) + len(b.adminEvents), EventTypes: eventTypesOf(b),
	})
	if len(e.deliveryLog) > 500 {
		e.deliveryLog = e.deliveryLog[len(e.deliveryLog)-500:]
	}
	e.mu.Unlock()

	if deliveryErr == "" {
		return
	}
	b.lastError = deliveryErr
	e.recordFailureAndSchedule(b, fmt.Errorf("%s", deliveryErr))
}

func (e *Emitter) recordFailureAndSchedule(b *batch, err error) {
	b.lastError = err.Error()
	if b.attempt >= e.cfg.MaxRetries {
		e.mu.Lock()
		e.deadLetters = append(e.deadLetters, DeadLetter{Batch: *b, LastError: b.lastError, FirstAttempt: b.firstAttempt, LastAttempt: b.lastAttempt})
		if len(e.deadLetters) > e.cfg.MaxDeadLetters {
			e.deadLetters = e.deadLetters[len(e.deadLetters)-e.cfg.MaxDeadLetters:]
		}
		e.mu.Unlock()
		return
	}
	delay := time.Duration(float64(e.cfg.BaseDelay) * pow2(b.attempt))
	b.nextAttemptAt = e.now().Add(delay)
	e.mu.Lock()
	e.inFlight = append(e.inFlight, b)
	e.mu.Unlock()
}

func pow2(n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}

// Tick drives the retry scheduler: every batch in inFlight whose
// nextAttemptAt has arrived is retried. Intended to be called once per
// second by an external ticker; exposed directly so tests can drive it
// deterministically instead of waiting on a timer.
func (e *Emitter) Tick(ctx context.Context) {
	e.mu.Lock()
	now := e.now()
	var due []*batch
	var notYet []*batch
	for _, b := range e.inFlight {
		if now.After(b.nextAttemptAt) || now.Equal(b.nextAttemptAt) {
			due = append(due, b)
		} else {
			notYet = append(notYet, b)
		}
	}
	e.inFlight = notYet
	e.mu.Unlock()

	for _, b := range due {
		e.attemptDelivery(ctx, b)
	}
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (e *Emitter) DeadLetters() []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DeadLetter(nil), e.deadLetters...)
}

// ReplayDeadLetters removes the dead letters at indices (or all, if
// indices is empty) and re-enqueues them with attempt reset to 0.
func (e *Emitter) ReplayDeadLetters(indices []int) {
	e.mu.Lock()
	var toReplay []DeadLetter
	if len(indices) == 0 {
		toReplay = e.deadLetters
		e.deadLetters = nil
	} else {
		remove := make(map[int]bool, len(indices))
		for _, i := range indices {
			remove[i] = true
		}
		var kept []DeadLetter
		for i, dl := range e.deadLetters {
			if remove[i] {
				toReplay = append(toReplay, dl)
			} else {
				kept = append(kept, dl)
			}
		}
		e.deadLetters = kept
	}
	e.mu.Unlock()

	for _, dl := range toReplay {
		b := dl.Batch
		b.attempt = 0
		b.firstAttempt = e.now()
		e.mu.Lock()
		e.inFlight = append(e.inFlight, &b)
		e.mu.Unlock()
	}
}

// DeliveryLog returns a snapshot of the capped delivery log, newest
// last.
func (e *Emitter) DeliveryLog() []DeliveryLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DeliveryLogEntry(nil), e.deliveryLog...)
}

// Start launches a background goroutine that flushes every FlushInterval
// and ticks the retry scheduler every second, stopping when ctx is
// cancelled or Close is called. Grounded on internal/audit/audit.go's
// Start/Close/wg.Wait shutdown shape.
func (e *Emitter) Start(ctx context.Context) {
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		flushTicker := time.NewTicker(e.cfg.FlushInterval)
		defer flushTicker.Stop()
		retryTicker := time.NewTicker(time.Second)
		defer retryTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-flushTicker.C:
				e.Flush(ctx)
			case <-retryTicker.C:
				e.Tick(ctx)
			}
		}
	}()
}

// Close stops the background loop started by Start and waits for it to
// exit.
func (e *Emitter) Close() {
	if e.stopCh != nil {
		close(e.stopCh)
	}
	e.wg.Wait()
}

// SetClock overrides the emitter's time source; intended for tests only.
func (e *Emitter) SetClock(now func() time.Time) {
	e.now = now
}
