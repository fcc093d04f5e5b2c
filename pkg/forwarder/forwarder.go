// Package forwarder implements the UpstreamForwarder: the component that
// actually dispatches an admitted tool call, composing ResponseCache,
// CanaryRouter, CircuitBreaker, and RetryPolicy in a fixed order.
//
// Each attempt runs under its own context.WithTimeout bounded by the
// tool's ToolConfig.Timeout.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/walker77/paygate-core/pkg/breaker"
	"github.com/walker77/paygate-core/pkg/cache"
	"github.com/walker77/paygate-core/pkg/canary"
	"github.com/walker77/paygate-core/pkg/retry"
)

// ErrCircuitOpen is returned when the breaker refuses a request outright.
var ErrCircuitOpen = errors.New("circuit_breaker_open")

// TimeoutError reports that a per-tool call exceeded its budget.
type TimeoutError struct {
	Tool   string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool_timeout %s exceeded %dms", e.Tool, e.Budget.Milliseconds())
}

// Backend is a single upstream target (primary or canary) the forwarder
// dispatches to.
type Backend interface {
	Send(ctx context.Context, tool string, args []byte) (response []byte, err error)
}

// RetryableError, when implemented by an error returned from a Backend,
// lets the caller override the default "retry everything" policy. If an
// error does not implement this interface it is treated as retryable.
type RetryableError interface {
	Retryable() bool
}

// ToolConfig is the per-tool policy the forwarder consults for TTL and
// timeout overrides.
type ToolConfig struct {
	CacheTTL time.Duration // <=0 means caching disabled for this tool
	Timeout  time.Duration
}

// Config holds the forwarder's dependencies and global defaults.
type Config struct {
	Primary        Backend
	Canary         Backend
	Cache          *cache.Cache
	Router         *canary.Router
	Breaker        *breaker.Breaker
	Retry          *retry.Policy
	DefaultTTL     time.Duration
	DefaultTimeout time.Duration
	ToolOverrides  map[string]ToolConfig
}

// Forwarder dispatches admitted calls through cache, canary routing,
// the breaker, and retry.
type Forwarder struct {
	cfg Config
}

// New creates a Forwarder from cfg.
func New(cfg Config) *Forwarder {
	return &Forwarder{cfg: cfg}
}

// Result reports what happened handling a call.
type Result struct {
	Response []byte
	CacheHit bool
}

func (f *Forwarder) toolConfig(tool string) ToolConfig {
	if tc, ok := f.cfg.ToolOverrides[tool]; ok {
		merged := tc
		if merged.CacheTTL == 0 {
			merged.CacheTTL = f.cfg.DefaultTTL
		}
		if merged.Timeout == 0 {
			merged.Timeout = f.cfg.DefaultTimeout
		}
		return merged
	}
	return ToolConfig{CacheTTL: f.cfg.DefaultTTL, Timeout: f.cfg.DefaultTimeout}
}

// Forward dispatches tool with canonicalArgsJSON (already sorted-key
// encoded by the caller, per cache.Key's contract) and args (the raw
// payload sent to the backend).
func (f *Forwarder) Forward(ctx context.Context, tool string, canonicalArgsJSON, args []byte) (Result, error) {
	tc := f.toolConfig(tool)

	if tc.CacheTTL > 0 && f.cfg.Cache != nil {
		key := cache.Key(tool, canonicalArgsJSON)
		if resp, ok := f.cfg.Cache.Get(key); ok {
			return Result{Response: resp, CacheHit: true}, nil
		}
	}

	target := canary.Primary
	if f.cfg.Router != nil {
		t, err := f.cfg.Router.Pick(tool)
		if err == nil {
			target = t
		}
	}
	backend := f.cfg.Primary
	if target == canary.Canary && f.cfg.Canary != nil {
		backend = f.cfg.Canary
	}

	if f.cfg.Breaker != nil && !f.cfg.Breaker.Allow() {
		return Result{}, ErrCircuitOpen
	}

	var resp []byte
	op := func(opCtx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(opCtx, tc.Timeout)
		defer cancel()

		done := make(chan struct{})
		var sendErr error
		var sendResp []byte
		go func() {
			sendResp, sendErr = backend.Send(attemptCtx, tool, args)
			close(done)
		}()

		select {
		case <-done:
			if sendErr != nil {
				return sendErr
			}
			resp = sendResp
			return nil
		case <-attemptCtx.Done():
			return &TimeoutError{Tool: tool, Budget: tc.Timeout}
		}
	}

	var err error
	if f.cfg.Retry != nil {
		err = f.cfg.Retry.Do(ctx, op)
	} else {
		err = op(ctx)
	}

	if f.cfg.Breaker != nil {
		if err != nil {
			f.cfg.Breaker.RecordFailure()
		} else {
			f.cfg.Breaker.RecordSuccess()
		}
	}
	if err != nil {
		return Result{}, err
	}

	if tc.CacheTTL > 0 && f.cfg.Cache != nil {
		key := cache.Key(tool, canonicalArgsJSON)
		f.cfg.Cache.Set(key, resp, tc.CacheTTL)
	}

	return Result{Response: resp}, nil
}
