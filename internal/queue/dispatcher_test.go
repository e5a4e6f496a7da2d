package queue

import (
	"context"
	"testing"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/circuitbreaker"
	"github.com/eugener/gatewayd/internal/ratelimit"
	"github.com/eugener/gatewayd/internal/retry"
	"github.com/eugener/gatewayd/internal/testutil"
)

type fakeEmitter struct {
	events []gateway.Event
}

func (f *fakeEmitter) Publish(e gateway.Event) { f.events = append(f.events, e) }

func newTestDispatcher(t *testing.T, st *testutil.FakeStore, backends *backend.Registry) (*Dispatcher, *fakeEmitter) {
	t.Helper()
	q := New(10, 8)
	limiter := ratelimit.New(ratelimit.Limits{DefaultRPM: 6000, GlobalRPM: 6000})
	executor := retry.New(retry.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond}, backends, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), nil)
	emitter := &fakeEmitter{}
	providers := map[string]ProviderConfig{
		"openai": {Name: "openai", Concurrency: 2},
	}
	d := NewDispatcher(Config{NumWorkers: 2, PollInterval: time.Millisecond}, q, providers, limiter, executor, st, emitter)
	return d, emitter
}

func TestDispatcherCompletesRequest(t *testing.T) {
	t.Parallel()
	st := testutil.NewFakeStore()
	backends := backend.NewRegistry()
	backends.Register("openai", testutil.NewFakeBackend(backend.Result{Kind: backend.KindSuccess, Text: "hi there", Cost: 0.0025}))

	d, emitter := newTestDispatcher(t, st, backends)

	req := &gateway.Request{ID: "req1", Provider: "openai", Priority: 1, SubmittedAt: time.Now(), Deadline: time.Now().Add(time.Second), Status: gateway.StatusQueued}
	if err := st.PutRequest(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	q := d.queue
	if err := q.Enqueue(req, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, err := st.GetRequest(context.Background(), "req1")
		if err == nil && got.Status == gateway.StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := st.GetRequest(context.Background(), "req1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != gateway.StatusCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}

	resp, err := st.GetResponse(context.Background(), "req1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hi there" {
		t.Errorf("text = %q", resp.Text)
	}

	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}

	total, count, err := st.CostSummary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || total != 0.0025 {
		t.Errorf("cost summary = (%v, %d), want (0.0025, 1)", total, count)
	}

	cancel()
	<-done

	foundCompleted := false
	for _, e := range emitter.events {
		if e.Type == gateway.EventRequestCompleted {
			foundCompleted = true
		}
	}
	if !foundCompleted {
		t.Error("expected a request-completed event")
	}
}

func TestDispatcherTracksAttemptCountAcrossRetries(t *testing.T) {
	t.Parallel()
	st := testutil.NewFakeStore()
	backends := backend.NewRegistry()
	// Two transient failures then a success: the executor retries the same
	// provider three times before finish() is reached.
	backends.Register("openai", testutil.NewFakeBackendSequence(
		backend.Result{Kind: backend.KindTransientError, Message: "boom"},
		backend.Result{Kind: backend.KindTransientError, Message: "boom"},
		backend.Result{Kind: backend.KindSuccess, Text: "ok"},
	))

	q := New(10, 8)
	limiter := ratelimit.New(ratelimit.Limits{DefaultRPM: 6000, GlobalRPM: 6000})
	executor := retry.New(retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond}, backends, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), nil)
	providers := map[string]ProviderConfig{"openai": {Name: "openai", Concurrency: 1}}
	d := NewDispatcher(Config{NumWorkers: 1, PollInterval: time.Millisecond}, q, providers, limiter, executor, st, nil)

	req := &gateway.Request{ID: "req-retry", Provider: "openai", SubmittedAt: time.Now(), Deadline: time.Now().Add(time.Second), Status: gateway.StatusQueued}
	if err := st.PutRequest(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(req, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(400 * time.Millisecond)
	var got *gateway.Request
	for time.Now().Before(deadline) {
		r, err := st.GetRequest(context.Background(), "req-retry")
		if err == nil && r.Status == gateway.StatusCompleted {
			got = r
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got == nil {
		t.Fatal("request never reached completed status")
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", got.AttemptCount)
	}
}

func TestDispatcherRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()
	st := testutil.NewFakeStore()
	backends := backend.NewRegistry()
	fb := testutil.NewFakeBackend(backend.Result{Kind: backend.KindSuccess, Text: "ok"})
	fb.Delay = 50 * time.Millisecond
	backends.Register("openai", fb)

	q := New(10, 8)
	limiter := ratelimit.New(ratelimit.Limits{DefaultRPM: 6000, GlobalRPM: 6000})
	executor := retry.New(retry.Config{MaxAttempts: 1, BaseBackoff: time.Millisecond}, backends, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), nil)
	providers := map[string]ProviderConfig{"openai": {Name: "openai", Concurrency: 1}}
	d := NewDispatcher(Config{NumWorkers: 4, PollInterval: time.Millisecond}, q, providers, limiter, executor, st, nil)

	for i := 0; i < 3; i++ {
		req := &gateway.Request{ID: string(rune('a' + i)), Provider: "openai", SubmittedAt: time.Now(), Deadline: time.Now().Add(time.Second), Status: gateway.StatusQueued}
		_ = st.PutRequest(context.Background(), req)
		_ = q.Enqueue(req, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	go d.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if d.sems.get("openai", 1).inFlight() > 1 {
		t.Error("expected at most 1 in-flight request for concurrency=1")
	}
}
