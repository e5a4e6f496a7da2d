// Package backend defines the uniform execute/health-check interface shared
// by the three transport variants (HTTP, CLI, terminal) and the registry
// that looks one up by provider name (§4.2).
package backend

import (
	"context"
	"sync"

	gateway "github.com/eugener/gatewayd/internal"
)

// Kind classifies the outcome of a backend call.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindAuthRequired   Kind = "auth_required"
	KindTransientError Kind = "transient_error"
	KindPermanentError Kind = "permanent_error"
	KindRateLimited    Kind = "rate_limited"
)

// Result is the sum type returned by Execute (§4.2).
type Result struct {
	Kind Kind

	// success
	Text     string
	Thinking string
	Usage    gateway.Usage
	Cost     float64

	// auth_required
	HintURL string

	// any non-success
	Message string

	// rate_limited
	RetryAfter int // seconds, 0 if not provided by upstream
}

// Err converts a non-success Result into a sentinel error for the retry
// executor and HTTP boundary to classify. The returned error exposes
// HTTPStatus() with a representative status per kind so
// circuitbreaker.ClassifyError weighs it the same way it would weigh the
// HTTP response that produced the kind.
func (r Result) Err() error {
	switch r.Kind {
	case KindSuccess:
		return nil
	case KindAuthRequired:
		return &statusError{status: 401, err: gateway.ErrAuthRequired}
	case KindRateLimited:
		return &statusError{status: 429, err: gateway.ErrRateLimited}
	case KindTransientError:
		return &statusError{status: 503, err: gateway.ErrTransientBackend}
	case KindPermanentError:
		return &statusError{status: 400, err: gateway.ErrPermanentBackend}
	default:
		return &statusError{status: 400, err: gateway.ErrPermanentBackend}
	}
}

// statusError pairs a sentinel error with a representative HTTP status so
// circuitbreaker.ClassifyError can weigh non-HTTP backend variants (CLI,
// terminal) the same way it weighs HTTP ones.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) HTTPStatus() int { return e.status }

// HealthResult is returned by HealthCheck.
type HealthResult struct {
	Status  gateway.Health
	Reason  string
	Latency int64 // ms
}

// Backend is implemented by each of the three transport variants.
type Backend interface {
	// Execute honors ctx's deadline and cancellation cooperatively.
	Execute(ctx context.Context, req *gateway.Request) (Result, error)
	HealthCheck(ctx context.Context) (HealthResult, error)
	EstimatedCost(req *gateway.Request) float64
}

// Registry maps provider name to its configured Backend.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register associates a provider name with a Backend implementation.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Get returns the backend for name, or nil if unregistered.
func (r *Registry) Get(name string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// Names returns all registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	return out
}
