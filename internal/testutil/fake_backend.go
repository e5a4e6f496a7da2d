package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
)

// FakeBackend is a scriptable backend.Backend for tests.
type FakeBackend struct {
	mu        sync.Mutex
	calls     int64
	results   []backend.Result // consumed in order, last one repeats
	Delay     time.Duration
	BlockOnce chan struct{} // if set, first call blocks until this is closed
	health    backend.HealthResult
}

// NewFakeBackend returns a FakeBackend that always yields result.
func NewFakeBackend(result backend.Result) *FakeBackend {
	return &FakeBackend{results: []backend.Result{result}, health: backend.HealthResult{Status: gateway.HealthOK}}
}

// NewFakeBackendSequence returns a FakeBackend that yields each result in
// order, repeating the last one once exhausted.
func NewFakeBackendSequence(results ...backend.Result) *FakeBackend {
	return &FakeBackend{results: results, health: backend.HealthResult{Status: gateway.HealthOK}}
}

func (f *FakeBackend) Calls() int64 { return atomic.LoadInt64(&f.calls) }

// SetHealth overrides what HealthCheck returns.
func (f *FakeBackend) SetHealth(h backend.HealthResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = h
}

func (f *FakeBackend) Execute(ctx context.Context, req *gateway.Request) (backend.Result, error) {
	n := atomic.AddInt64(&f.calls, 1)

	if n == 1 && f.BlockOnce != nil {
		select {
		case <-f.BlockOnce:
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

func (f *FakeBackend) HealthCheck(context.Context) (backend.HealthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health, nil
}

func (f *FakeBackend) EstimatedCost(*gateway.Request) float64 { return 0 }
