// Package retry implements the retry/fallback executor (spec §4.6): each
// attempt runs through a per-provider circuit breaker, transient failures
// back off exponentially with jitter, and exhausted providers fall through
// to the next entry in the chain.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/circuitbreaker"
)

// Config bounds one executor run.
type Config struct {
	MaxAttempts int // per-provider retry count before falling through, default 3
	BaseBackoff time.Duration
	Jitter      float64 // fractional jitter, e.g. 0.25 for ±25%
}

// Step records one attempt for the caller to log/emit as a cli-executing
// event (spec: "every cli-executing event must carry the provider actually
// called so observers can see fallbacks").
type Step struct {
	Provider string
	Attempt  int
}

// Outcome is the final result of Run, including the ordered attempt trail.
type Outcome struct {
	Result   backend.Result
	Provider string // provider that produced Result
	Steps    []Step
}

// Executor runs the fallback chain for a request against a backend registry,
// gating each attempt with that provider's circuit breaker.
type Executor struct {
	cfg      Config
	backends *backend.Registry
	breakers *circuitbreaker.Registry
	onStep   func(Step)
}

// New returns an Executor. onStep, if non-nil, is invoked synchronously
// before every attempt so the caller can emit a cli-executing event.
func New(cfg Config, backends *backend.Registry, breakers *circuitbreaker.Registry, onStep func(Step)) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.25
	}
	return &Executor{cfg: cfg, backends: backends, breakers: breakers, onStep: onStep}
}

// Run walks [preferred, ...chain], retrying each provider up to MaxAttempts
// times, until one succeeds, the chain is exhausted, or req.Deadline passes.
func (e *Executor) Run(ctx context.Context, req *gateway.Request, preferred string, chain []string) Outcome {
	providers := append([]string{preferred}, chain...)
	var last backend.Result
	var lastProvider string
	var steps []Step

providerLoop:
	for _, provider := range providers {
		b := e.backends.Get(provider)
		if b == nil {
			continue
		}
		breaker := e.breakers.GetOrCreate(provider)
		if !breaker.Allow() {
			continue
		}

		for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
			if err := deadlineExceeded(ctx, req.Deadline); err != nil {
				return Outcome{Result: backend.Result{Kind: backend.KindPermanentError, Message: err.Error()}, Provider: lastProvider, Steps: steps}
			}

			step := Step{Provider: provider, Attempt: attempt}
			steps = append(steps, step)
			if e.onStep != nil {
				e.onStep(step)
			}

			result, execErr := b.Execute(ctx, req)
			lastProvider = provider
			if execErr != nil {
				if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execErr, context.Canceled) {
					return Outcome{Result: backend.Result{Kind: backend.KindPermanentError, Message: execErr.Error()}, Provider: provider, Steps: steps}
				}
				result = backend.Result{Kind: backend.KindTransientError, Message: execErr.Error()}
			}
			last = result

			switch result.Kind {
			case backend.KindSuccess:
				breaker.RecordSuccess()
				return Outcome{Result: result, Provider: provider, Steps: steps}

			case backend.KindAuthRequired, backend.KindPermanentError:
				breaker.RecordError(circuitbreaker.ClassifyError(result.Err()))
				continue providerLoop

			case backend.KindRateLimited:
				breaker.RecordError(circuitbreaker.ClassifyError(result.Err()))
				wait := time.Duration(result.RetryAfter) * time.Second
				if remaining := time.Until(req.Deadline); remaining < wait {
					wait = remaining
				}
				if !e.sleep(ctx, wait, req.Deadline) {
					return Outcome{Result: backend.Result{Kind: backend.KindPermanentError, Message: "deadline exceeded during rate-limit wait"}, Provider: provider, Steps: steps}
				}

			case backend.KindTransientError:
				breaker.RecordError(circuitbreaker.ClassifyError(result.Err()))
				if attempt < e.cfg.MaxAttempts {
					backoff := e.backoffFor(attempt)
					if !e.sleep(ctx, backoff, req.Deadline) {
						return Outcome{Result: backend.Result{Kind: backend.KindPermanentError, Message: "deadline exceeded during backoff"}, Provider: provider, Steps: steps}
					}
				}
			}
		}
	}

	return Outcome{Result: last, Provider: lastProvider, Steps: steps}
}

// backoffFor computes base*2^(attempt-1) jittered by ±Jitter fraction.
func (e *Executor) backoffFor(attempt int) time.Duration {
	base := float64(e.cfg.BaseBackoff) * pow2(attempt-1)
	delta := base * e.cfg.Jitter
	jittered := base + (rand.Float64()*2-1)*delta
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

func pow2(n int) float64 {
	result := 1.0
	for range n {
		result *= 2
	}
	return result
}

// sleep waits for d, capped by deadline, returning false if ctx/deadline
// expire before or during the wait.
func (e *Executor) sleep(ctx context.Context, d time.Duration, deadline time.Time) bool {
	if d <= 0 {
		return deadlineExceeded(ctx, deadline) == nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	if d > remaining {
		d = remaining
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return deadlineExceeded(ctx, deadline) == nil
	}
}

func deadlineExceeded(ctx context.Context, deadline time.Time) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return gateway.ErrTimedOut
	}
	return nil
}
