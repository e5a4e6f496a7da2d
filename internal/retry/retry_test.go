package retry

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/circuitbreaker"
	"github.com/eugener/gatewayd/internal/testutil"
)

func newExecutor(t *testing.T, registry *backend.Registry) *Executor {
	t.Helper()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	return New(Config{MaxAttempts: 3, BaseBackoff: time.Millisecond}, registry, breakers, nil)
}

func newRequest() *gateway.Request {
	return &gateway.Request{ID: "r1", Deadline: time.Now().Add(time.Second)}
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	reg := backend.NewRegistry()
	reg.Register("openai", testutil.NewFakeBackend(backend.Result{Kind: backend.KindSuccess, Text: "ok"}))

	out := newExecutor(t, reg).Run(context.Background(), newRequest(), "openai", nil)
	if out.Result.Kind != backend.KindSuccess {
		t.Fatalf("kind = %v, want success", out.Result.Kind)
	}
	if out.Provider != "openai" {
		t.Errorf("provider = %q, want openai", out.Provider)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	reg := backend.NewRegistry()
	reg.Register("openai", testutil.NewFakeBackendSequence(
		backend.Result{Kind: backend.KindTransientError, Message: "503"},
		backend.Result{Kind: backend.KindSuccess, Text: "ok"},
	))

	out := newExecutor(t, reg).Run(context.Background(), newRequest(), "openai", nil)
	if out.Result.Kind != backend.KindSuccess {
		t.Fatalf("kind = %v, want success", out.Result.Kind)
	}
	if len(out.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(out.Steps))
	}
}

func TestRunFallsThroughOnAuthRequired(t *testing.T) {
	t.Parallel()
	reg := backend.NewRegistry()
	reg.Register("openai", testutil.NewFakeBackend(backend.Result{Kind: backend.KindAuthRequired}))
	reg.Register("anthropic", testutil.NewFakeBackend(backend.Result{Kind: backend.KindSuccess, Text: "fallback ok"}))

	out := newExecutor(t, reg).Run(context.Background(), newRequest(), "openai", []string{"anthropic"})
	if out.Result.Kind != backend.KindSuccess {
		t.Fatalf("kind = %v, want success", out.Result.Kind)
	}
	if out.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", out.Provider)
	}
}

func TestRunExhaustsAllProviders(t *testing.T) {
	t.Parallel()
	reg := backend.NewRegistry()
	reg.Register("openai", testutil.NewFakeBackend(backend.Result{Kind: backend.KindPermanentError, Message: "bad request"}))
	reg.Register("anthropic", testutil.NewFakeBackend(backend.Result{Kind: backend.KindPermanentError, Message: "bad request"}))

	out := newExecutor(t, reg).Run(context.Background(), newRequest(), "openai", []string{"anthropic"})
	if out.Result.Kind != backend.KindPermanentError {
		t.Fatalf("kind = %v, want permanent_error", out.Result.Kind)
	}
}

func TestRunRespectsDeadline(t *testing.T) {
	t.Parallel()
	reg := backend.NewRegistry()
	reg.Register("openai", testutil.NewFakeBackend(backend.Result{Kind: backend.KindTransientError}))

	req := &gateway.Request{ID: "r1", Deadline: time.Now().Add(5 * time.Millisecond)}
	e := New(Config{MaxAttempts: 10, BaseBackoff: 50 * time.Millisecond}, reg, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), nil)

	out := e.Run(context.Background(), req, "openai", nil)
	if out.Result.Kind == backend.KindSuccess {
		t.Fatal("expected non-success after deadline")
	}
}

func TestRunEmitsStepsViaCallback(t *testing.T) {
	t.Parallel()
	reg := backend.NewRegistry()
	reg.Register("openai", testutil.NewFakeBackend(backend.Result{Kind: backend.KindSuccess}))

	var steps []Step
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	e := New(Config{MaxAttempts: 3, BaseBackoff: time.Millisecond}, reg, breakers, func(s Step) {
		steps = append(steps, s)
	})
	e.Run(context.Background(), newRequest(), "openai", nil)
	if len(steps) != 1 || steps[0].Provider != "openai" {
		t.Errorf("steps = %+v", steps)
	}
}
