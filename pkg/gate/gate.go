// Package gate implements the Gate orchestrator: the seventeen-step
// ordered policy pipeline every tool call passes through before it is
// allowed to debit credits and proceed to the UpstreamForwarder.
//
// Grounded on internal/app/app.go's composition-root style (construct
// every dependency up front, wire them in a fixed order) and
// pkg/alert/webhook.go's ordered-check-then-audit-then-respond shape,
// generalized from "should this alert fire" to "should this tool call
// be allowed and billed".
package gate

import (
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walker77/paygate-core/pkg/adaptive"
	"github.com/walker77/paygate-core/pkg/jsonvalue"
	"github.com/walker77/paygate-core/pkg/keystore"
	"github.com/walker77/paygate-core/pkg/permission"
	"github.com/walker77/paygate-core/pkg/plan"
	"github.com/walker77/paygate-core/pkg/ratelimit"
	"github.com/walker77/paygate-core/pkg/schema"
	"github.com/walker77/paygate-core/pkg/scopedtoken"
	"github.com/walker77/paygate-core/pkg/team"
)

// Deny reasons reported on a denied Decision.
const (
	ReasonFreeMethod             = "free_method"
	ReasonInvalidScopedToken     = "invalid_scoped_token"
	ReasonTokenRevoked           = "token_revoked"
	ReasonTokenExpired           = "token_expired"
	ReasonMissingAPIKey          = "missing_api_key"
	ReasonUnknownAPIKey          = "unknown_api_key"
	ReasonKeyInactive            = "key_inactive"
	ReasonKeySuspended           = "key_suspended"
	ReasonKeyExpired             = "key_expired"
	ReasonIPNotAllowed           = "ip_not_allowed"
	ReasonToolDenied             = "tool_denied"
	ReasonToolNotAllowed         = "tool_not_allowed"
	ReasonTokenToolNotAllowed    = "token_tool_not_allowed"
	ReasonPlanToolDenied         = "plan_tool_denied"
	ReasonPlanToolNotAllowed     = "plan_tool_not_allowed"
	ReasonPermissionDenied       = "permission_denied"
	ReasonSchemaValidationFailed = "schema_validation_failed"
	ReasonRateLimited            = "rate_limited"
	ReasonConcurrencyLimit       = "concurrency_limit"
	ReasonTeamBudgetExceeded     = "team_budget_exceeded"
	ReasonTeamDailyCallLimit     = "team_daily_call_limit"
	ReasonTeamDailyCreditLimit   = "team_daily_credit_limit"
	ReasonDailyCallLimit         = "daily_call_limit"
	ReasonMonthlyCallLimit       = "monthly_call_limit"
	ReasonDailyCreditLimit       = "daily_credit_limit"
	ReasonMonthlyCreditLimit     = "monthly_credit_limit"
	ReasonPlanQuotaExceeded      = "plan_quota_exceeded"
	ReasonSpendingLimitExceeded  = "spending_limit_exceeded"
	ReasonInsufficientCredits    = "insufficient_credits"
	ReasonUpstreamFailure        = "upstream_failure"
)

// ToolPricing is the per-tool credit cost configuration.
type ToolPricing struct {
	CreditsPerCall     int64
	CreditsPerKbOutput float64
}

// PlanLimits is the subset of plan policy the Gate consults beyond
// plan.Registry's own ACL/multiplier (maxConcurrent has no other home).
type PlanLimits struct {
	MaxConcurrent   int
	RatePerMinute   int // 0 = no plan-level rate limit
}

// Config wires every dependency and global policy knob the Gate needs.
type Config struct {
	KeyStore        *keystore.Store
	ScopedTokens    *scopedtoken.Minter
	RateLimiter     *ratelimit.Limiter
	Plans           *plan.Registry
	Permissions     *permission.Engine
	Teams           *team.Registry
	Adaptive        *adaptive.Limiter

	FreeMethods        map[string]bool
	ToolSchemas        map[string]*schema.Schema
	ToolPricing        map[string]ToolPricing
	DefaultCreditsPerCall int64
	GlobalRatePerMinute   int
	ToolRatePerMinute     map[string]int
	PlanLimits            map[string]PlanLimits

	ShadowMode      bool
	RefundOnFailure bool
	// ChargeCacheHits controls whether a cache hit (reported to Settle via
	// SettleInput.CacheHit) keeps the credits debited at Evaluate time, or
	// is refunded. Composition roots should default this to true.
	ChargeCacheHits bool
}

// Request is one tool call to be evaluated.
type Request struct {
	Credential string // API key, or a scoped-token wire string
	Tool       string
	Args       jsonvalue.Value
}

// RequestContext carries ambient per-call data not part of the call
// payload itself.
type RequestContext struct {
	ClientIP     net.IP
	Now          time.Time
	Environment  string
	PayloadBytes int64
	Extra        map[string]string
}

// Decision is the outcome of Evaluate.
type Decision struct {
	ID                   string
	Allowed              bool
	CreditsCharged       int64
	Reason               string
	KeyRecord            keystore.ApiKeyRecord
	OutputSurchargePerKb float64
	CacheHit             bool
	Tool                 string
	APIKey               string
	SchemaErrors         []string
}

// Gate evaluates and settles metered tool calls through the full
// admission, pricing, and debit pipeline.
type Gate struct {
	cfg Config

	mu        sync.Mutex
	inFlight  map[string]int
	decisions map[string]Decision // id -> decision; written by Evaluate, not read by Settle
}

// New creates a Gate from cfg.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:       cfg,
		inFlight:  make(map[string]int),
		decisions: make(map[string]Decision),
	}
}

func (g *Gate) deny(reason string) Decision {
	if g.cfg.ShadowMode {
		return Decision{Allowed: true, Reason: "shadow:" + reason, CreditsCharged: 0}
	}
	return Decision{Allowed: false, Reason: reason}
}

func roundHalfAwayFromZero(f float64) int64 {
	if f >= 0 {
		return int64(math.Floor(f + 0.5))
	}
	return int64(math.Ceil(f - 0.5))
}

// resolveCredential implements steps 2-3: scoped-token substitution then
// key lookup. Returns the resolved apiKey, the scoped token's allowed
// tools (nil if not a scoped token), the key record, and a non-empty
// deny reason on failure.
func (g *Gate) resolveCredential(cred string) (apiKey string, scopedAllowed []string, rec keystore.ApiKeyRecord, denyReason string) {
	if cred == "" {
		return "", nil, keystore.ApiKeyRecord{}, ReasonMissingAPIKey
	}

	key := cred
	if g.cfg.ScopedTokens != nil && looksLikeScopedToken(cred) {
		claims, err := g.cfg.ScopedTokens.Validate(cred)
		if err != nil {
			switch err {
			case scopedtoken.ErrExpired:
				return "", nil, keystore.ApiKeyRecord{}, ReasonTokenExpired
			case scopedtoken.ErrRevoked:
				return "", nil, keystore.ApiKeyRecord{}, ReasonTokenRevoked
			default:
				return "", nil, keystore.ApiKeyRecord{}, ReasonInvalidScopedToken
			}
		}
		key = claims.APIKey
		scopedAllowed = claims.AllowedTools
	}

	rec, err := g.cfg.KeyStore.Get(key)
	if err != nil {
		return "", nil, keystore.ApiKeyRecord{}, ReasonUnknownAPIKey
	}
	if !rec.Active {
		return "", nil, keystore.ApiKeyRecord{}, ReasonKeyInactive
	}
	if rec.Suspended {
		return "", nil, keystore.ApiKeyRecord{}, ReasonKeySuspended
	}
	// Expiry is checked by the caller (Evaluate/EvaluateBatch) against
	// RequestContext.Now, since this function has no access to it.
	return key, scopedAllowed, rec, ""
}

func looksLikeScopedToken(cred string) bool {
	return len(cred) > 4 && cred[:4] == "pgt_"
}

func ipAllowed(allowlist []string, ip net.IP) bool {
	if len(allowlist) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, cidr := range allowlist {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil && network.Contains(ip) {
			return true
		}
	}
	return false
}

func toolInList(tool string, list []string) bool {
	for _, t := range list {
		if t == tool {
			return true
		}
	}
	return false
}

// admission is the outcome of checkPolicy: every step through price
// computation (steps 1-14), before any debit happens.
type admission struct {
	freeMethod    bool
	denyReason    string
	schemaErrors  []string
	apiKey        string
	scopedAllowed []string
	rec           keystore.ApiKeyRecord
	price         int64
}

// checkPolicy runs steps 1-14 of the pipeline (everything up to and
// including price computation) without mutating any state beyond the
// best-effort rate-limiter/quota counters those steps themselves touch.
// It never debits. Evaluate uses it for a single call; EvaluateBatch
// uses it per call so the whole batch can be priced before one combined
// debit.
func (g *Gate) checkPolicy(req Request, reqCtx RequestContext) admission {
	if g.cfg.FreeMethods[req.Tool] {
		return admission{freeMethod: true}
	}

	apiKey, scopedAllowed, rec, denyReason := g.resolveCredential(req.Credential)
	if denyReason != "" {
		return admission{denyReason: denyReason, apiKey: apiKey, rec: rec}
	}
	if rec.ExpiresAt != nil && reqCtx.Now.After(*rec.ExpiresAt) {
		return admission{denyReason: ReasonKeyExpired, apiKey: apiKey, rec: rec}
	}

	deny := func(reason string) admission {
		return admission{denyReason: reason, apiKey: apiKey, scopedAllowed: scopedAllowed, rec: rec}
	}

	// Step 4: IP allowlist.
	if !ipAllowed(rec.IPAllowlist, reqCtx.ClientIP) {
		return deny(ReasonIPNotAllowed)
	}

	// Step 5: ACL.
	if toolInList(req.Tool, rec.DeniedTools) {
		return deny(ReasonToolDenied)
	}
	if len(rec.AllowedTools) > 0 && !toolInList(req.Tool, rec.AllowedTools) {
		return deny(ReasonToolNotAllowed)
	}

	// Step 6: scoped-token narrowing.
	if scopedAllowed != nil && !toolInList(req.Tool, scopedAllowed) {
		return deny(ReasonTokenToolNotAllowed)
	}

	// Step 7: plan ACL.
	if g.cfg.Plans != nil && !g.cfg.Plans.IsToolAllowedByPlan(apiKey, req.Tool) {
		return deny(ReasonPlanToolDenied)
	}

	// Step 8: permission engine.
	if g.cfg.Permissions != nil {
		decision := g.cfg.Permissions.Evaluate(permission.Request{
			APIKey:       apiKey,
			Tool:         req.Tool,
			Environment:  reqCtx.Environment,
			IP:           reqCtx.ClientIP,
			PayloadBytes: reqCtx.PayloadBytes,
			Extra:        reqCtx.Extra,
			Now:          reqCtx.Now,
		})
		if decision.Effect == permission.Deny {
			return deny(ReasonPermissionDenied)
		}
	}

	// Step 9: schema validation.
	if s, ok := g.cfg.ToolSchemas[req.Tool]; ok {
		if violations := schema.Validate(s, req.Args); len(violations) > 0 {
			a := deny(ReasonSchemaValidationFailed)
			for _, v := range violations {
				a.schemaErrors = append(a.schemaErrors, v.String())
			}
			return a
		}
	}

	// Step 10: rate limits — most restrictive of global/tool/plan,
	// scaled by the adaptive multiplier.
	if g.cfg.RateLimiter != nil {
		multiplier := 1.0
		if g.cfg.Adaptive != nil {
			multiplier = g.cfg.Adaptive.Multiplier(apiKey)
		}
		for _, lim := range g.applicableLimits(apiKey, req.Tool) {
			if lim.limit <= 0 {
				continue
			}
			adjusted := int(float64(lim.limit) * multiplier)
			if adjusted < 1 {
				adjusted = 1
			}
			if status := g.cfg.RateLimiter.Record(lim.key, adjusted); !status.Allowed {
				return deny(ReasonRateLimited)
			}
		}
	}

	// Step 11: concurrency limit.
	if g.cfg.Plans != nil {
		if planName, ok := g.cfg.Plans.PlanName(apiKey); ok {
			if pl, ok := g.cfg.PlanLimits[planName]; ok && pl.MaxConcurrent > 0 {
				g.mu.Lock()
				current := g.inFlight[apiKey]
				g.mu.Unlock()
				if current+1 > pl.MaxConcurrent {
					return deny(ReasonConcurrencyLimit)
				}
			}
		}
	}

	price := g.priceFor(req.Tool, apiKey)

	// Step 12: team budget + quota.
	if g.cfg.Teams != nil {
		if err := g.cfg.Teams.CheckBudget(apiKey, price); err != nil {
			return deny(ReasonTeamBudgetExceeded)
		}
		if err := g.cfg.Teams.CheckQuota(apiKey, price); err != nil {
			return deny(ReasonTeamDailyCallLimit)
		}
	}

	// Step 13: key quota.
	if g.cfg.KeyStore != nil {
		if status, err := g.cfg.KeyStore.CheckQuota(apiKey); err == nil {
			switch {
			case status.DailyCallsRemaining <= 0 && rec.Quota.DailyCalls > 0:
				return deny(ReasonDailyCallLimit)
			case status.MonthlyCallsRemaining <= 0 && rec.Quota.MonthlyCalls > 0:
				return deny(ReasonMonthlyCallLimit)
			case status.DailyCreditsRemaining <= 0 && rec.Quota.DailyCredits > 0:
				return deny(ReasonDailyCreditLimit)
			case status.MonthlyCreditsRemaining <= 0 && rec.Quota.MonthlyCredits > 0:
				return deny(ReasonMonthlyCreditLimit)
			}
		}
	}

	// Step 13b: plan-tier quota, consulted in addition to the per-key
	// quota above since a plan's caps bound a key independently of
	// whatever the key's own ApiKeyRecord.Quota allows.
	if g.cfg.Plans != nil {
		if err := g.cfg.Plans.CheckQuota(apiKey, price); err != nil {
			return deny(ReasonPlanQuotaExceeded)
		}
	}

	return admission{apiKey: apiKey, scopedAllowed: scopedAllowed, rec: rec, price: price}
}

// Evaluate runs the full ordered policy pipeline for one call, including
// steps 15-17 (spending limit, debit, auto-topup) that checkPolicy does
// not perform.
func (g *Gate) Evaluate(req Request, reqCtx RequestContext) Decision {
	a := g.checkPolicy(req, reqCtx)
	if a.freeMethod {
		return Decision{Allowed: true, Reason: ReasonFreeMethod, CreditsCharged: 0, Tool: req.Tool}
	}
	if a.denyReason != "" {
		d := g.deny(a.denyReason)
		d.Tool, d.APIKey, d.KeyRecord, d.SchemaErrors = req.Tool, a.apiKey, a.rec, a.schemaErrors
		return d
	}

	// Step 15: spending limit.
	if a.rec.SpendingLimit > 0 && a.rec.TotalSpent+a.price > a.rec.SpendingLimit {
		d := g.deny(ReasonSpendingLimitExceeded)
		d.Tool, d.APIKey, d.KeyRecord = req.Tool, a.apiKey, a.rec
		return d
	}

	// Step 16: atomic debit.
	res, err := g.cfg.KeyStore.Debit(a.apiKey, a.price)
	if err != nil {
		d := g.deny(ReasonInsufficientCredits)
		d.Tool, d.APIKey, d.KeyRecord = req.Tool, a.apiKey, a.rec
		return d
	}
	updatedRec := a.rec
	updatedRec.Credits = res.NewBalance

	if g.cfg.Teams != nil {
		g.cfg.Teams.RecordUsage(a.apiKey, a.price)
	}
	if g.cfg.Plans != nil {
		g.cfg.Plans.RecordUsage(a.apiKey, a.price)
	}

	// Step 17: auto-topup side effect, async.
	if g.cfg.KeyStore != nil {
		go g.cfg.KeyStore.MaybeAutoTopup(a.apiKey)
	}

	id := "dec_" + uuid.NewString()
	g.mu.Lock()
	g.inFlight[a.apiKey]++
	g.mu.Unlock()

	pricing := g.cfg.ToolPricing[req.Tool]
	d := Decision{
		ID: id, Allowed: true, CreditsCharged: a.price,
		KeyRecord: updatedRec, Tool: req.Tool, APIKey: a.apiKey,
		OutputSurchargePerKb: pricing.CreditsPerKbOutput,
	}
	g.mu.Lock()
	g.decisions[id] = d
	g.mu.Unlock()
	return d
}

type limitKey struct {
	key   string
	limit int
}

func (g *Gate) applicableLimits(apiKey, tool string) []limitKey {
	var out []limitKey
	if g.cfg.GlobalRatePerMinute > 0 {
		out = append(out, limitKey{key: apiKey, limit: g.cfg.GlobalRatePerMinute})
	}
	if lim, ok := g.cfg.ToolRatePerMinute[tool]; ok && lim > 0 {
		out = append(out, limitKey{key: ratelimit.CompositeKey(apiKey, tool), limit: lim})
	}
	if g.cfg.Plans != nil {
		if planName, ok := g.cfg.Plans.PlanName(apiKey); ok {
			if pl, ok := g.cfg.PlanLimits[planName]; ok && pl.RatePerMinute > 0 {
				out = append(out, limitKey{key: "plan:" + planName, limit: pl.RatePerMinute})
			}
		}
	}
	return out
}

func (g *Gate) priceFor(tool, apiKey string) int64 {
	base := g.cfg.DefaultCreditsPerCall
	if p, ok := g.cfg.ToolPricing[tool]; ok && p.CreditsPerCall > 0 {
		base = p.CreditsPerCall
	}
	multiplier := 1.0
	if g.cfg.Plans != nil {
		multiplier = g.cfg.Plans.GetCreditMultiplier(apiKey)
	}
	price := roundHalfAwayFromZero(float64(base) * multiplier)
	if price < 0 {
		price = 0
	}
	return price
}

// SettleInput describes the outcome of a forwarded call, for settlement.
type SettleInput struct {
	Success       bool
	ResponseBytes int64
	CacheHit      bool
}

// Settle performs post-call settlement: optional output surcharge
// debit, and refund-on-failure. It is safe to call at most once per
// decision ID; calling it twice double-settles the ledger (idempotency
// is the caller's responsibility).
func (g *Gate) Settle(d Decision, in SettleInput) Decision {
	g.mu.Lock()
	if g.inFlight[d.APIKey] > 0 {
		g.inFlight[d.APIKey]--
	}
	g.mu.Unlock()

	result := d
	result.CacheHit = in.CacheHit

	if in.CacheHit && !g.cfg.ChargeCacheHits && g.cfg.KeyStore != nil && d.CreditsCharged > 0 {
		g.cfg.KeyStore.Refund(d.APIKey, d.CreditsCharged)
		result.CreditsCharged = 0
	}

	if d.OutputSurchargePerKb > 0 && in.ResponseBytes > 0 {
		kb := math.Ceil(float64(in.ResponseBytes) / 1024.0)
		surcharge := roundHalfAwayFromZero(kb * d.OutputSurchargePerKb)
		if surcharge > 0 && g.cfg.KeyStore != nil {
			res, err := g.cfg.KeyStore.Debit(d.APIKey, surcharge)
			if err == nil {
				result.CreditsCharged += surcharge
				result.KeyRecord.Credits = res.NewBalance
			}
		}
	}

	if !in.Success {
		if g.cfg.RefundOnFailure && g.cfg.KeyStore != nil && d.CreditsCharged > 0 {
			g.cfg.KeyStore.Refund(d.APIKey, d.CreditsCharged)
		}
		result.Allowed = false
		result.Reason = ReasonUpstreamFailure
	}

	return result
}

// BatchCall is one call within an evaluateBatch request.
type BatchCall struct {
	Tool string
	Args jsonvalue.Value
}

// BatchResult is the outcome of EvaluateBatch.
type BatchResult struct {
	AllAllowed  bool
	FailedIndex int
	Reason      string
	Decisions   []Decision
}

// EvaluateBatch implements all-or-nothing batch evaluation: every call's
// policy checks (everything up through price computation) must pass
// before any debit happens; only then is a single debit made for the
// sum of all prices.
func (g *Gate) EvaluateBatch(req Request, calls []BatchCall, reqCtx RequestContext) BatchResult {
	var total int64
	var apiKey string
	var rec keystore.ApiKeyRecord
	admissions := make([]admission, len(calls))

	for i, call := range calls {
		a := g.checkPolicy(Request{Credential: req.Credential, Tool: call.Tool, Args: call.Args}, reqCtx)
		if a.freeMethod {
			admissions[i] = a
			continue
		}
		if a.denyReason != "" {
			return BatchResult{AllAllowed: false, FailedIndex: i, Reason: a.denyReason}
		}
		admissions[i] = a
		apiKey, rec = a.apiKey, a.rec
		total += a.price
	}

	if rec.SpendingLimit > 0 && rec.TotalSpent+total > rec.SpendingLimit {
		return BatchResult{AllAllowed: false, FailedIndex: len(calls) - 1, Reason: ReasonSpendingLimitExceeded}
	}

	var newBalance int64 = rec.Credits
	if total > 0 {
		res, err := g.cfg.KeyStore.Debit(apiKey, total)
		if err != nil {
			return BatchResult{AllAllowed: false, FailedIndex: len(calls) - 1, Reason: ReasonInsufficientCredits}
		}
		newBalance = res.NewBalance
		if g.cfg.Teams != nil {
			g.cfg.Teams.RecordUsage(apiKey, total)
		}
		if g.cfg.Plans != nil {
			g.cfg.Plans.RecordUsage(apiKey, total)
		}
		if g.cfg.KeyStore != nil {
			go g.cfg.KeyStore.MaybeAutoTopup(apiKey)
		}
	}

	decisions := make([]Decision, len(calls))
	for i, call := range calls {
		a := admissions[i]
		if a.freeMethod {
			decisions[i] = Decision{Allowed: true, Reason: ReasonFreeMethod, Tool: call.Tool}
			continue
		}
		decisions[i] = Decision{
			Allowed: true, CreditsCharged: a.price, Tool: call.Tool,
			APIKey: a.apiKey, KeyRecord: a.rec,
		}
	}
	if len(decisions) > 0 && apiKey != "" {
		decisions[len(decisions)-1].KeyRecord.Credits = newBalance
	}
	return BatchResult{AllAllowed: true, Decisions: decisions}
}

// FilterToolsForKey narrows tools down to the intersection of key ACL,
// plan ACL, and scoped-token ACL. Returns nil if no filtering applies at
// all (the full list should be advertised unchanged).
func (g *Gate) FilterToolsForKey(apiKey string, tools []string, scopedAllowed []string) []string {
	rec, err := g.cfg.KeyStore.Get(apiKey)
	if err != nil {
		return nil
	}
	if len(rec.AllowedTools) == 0 && len(rec.DeniedTools) == 0 && scopedAllowed == nil && g.cfg.Plans == nil {
		return nil
	}

	var out []string
	for _, tool := range tools {
		if toolInList(tool, rec.DeniedTools) {
			continue
		}
		if len(rec.AllowedTools) > 0 && !toolInList(tool, rec.AllowedTools) {
			continue
		}
		if scopedAllowed != nil && !toolInList(tool, scopedAllowed) {
			continue
		}
		if g.cfg.Plans != nil && !g.cfg.Plans.IsToolAllowedByPlan(apiKey, tool) {
			continue
		}
		out = append(out, tool)
	}
	return out
}
