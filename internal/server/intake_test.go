package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/auth"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/cache"
	"github.com/eugener/gatewayd/internal/circuitbreaker"
	"github.com/eugener/gatewayd/internal/eventbus"
	"github.com/eugener/gatewayd/internal/queue"
	"github.com/eugener/gatewayd/internal/ratelimit"
	"github.com/eugener/gatewayd/internal/retry"
	"github.com/eugener/gatewayd/internal/testutil"
)

// newWaitingTestServer wires a real dispatcher, event bus, and cache on top
// of a FakeStore, so ?wait=true submissions actually run to completion
// instead of timing out.
func newWaitingTestServer(t *testing.T) (http.Handler, string, context.CancelFunc) {
	t.Helper()
	st := testutil.NewFakeStore()
	authn, err := auth.New(st)
	if err != nil {
		t.Fatal(err)
	}
	const plaintext = "gwk_waittestkey1234567890123"
	if err := st.CreateKey(context.Background(), &gateway.APIKey{
		ID: "key-1", SecretHash: gateway.HashKey(plaintext), Name: "test",
		Status: gateway.KeyActive, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	backends := backend.NewRegistry()
	backends.Register("openai", testutil.NewFakeBackend(backend.Result{Kind: backend.KindSuccess, Text: "hi there"}))

	bus := eventbus.New()
	q := queue.New(10, 8)
	limiter := ratelimit.New(ratelimit.Limits{DefaultRPM: 6000, GlobalRPM: 6000})
	executor := retry.New(retry.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond}, backends, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), nil)
	providers := map[string]queue.ProviderConfig{"openai": {Name: "openai", Concurrency: 2}}
	d := queue.NewDispatcher(queue.Config{NumWorkers: 2, PollInterval: time.Millisecond}, q, providers, limiter, executor, st, bus)

	mgr, err := cache.New(cache.Config{DefaultTTL: time.Minute, MaxEntries: 100}, nil)
	if err != nil {
		t.Fatal(err)
	}

	h := New(Deps{
		Auth:  authn,
		Store: st,
		Queue: q,
		Bus:   bus,
		Cache: mgr,
		Providers: map[string]gateway.ProviderDescriptor{
			"openai": {Name: "openai", Enabled: true, Timeout: time.Second},
		},
		DefaultWaitTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return h, plaintext, cancel
}

// TestSubmitAndWaitReturnsOriginatingRequestID guards against a regression
// where the cache-miss path of ?wait=true returned an empty request_id: the
// Coalesce callback must thread the real request id through to the caller,
// not just on cache hits.
func TestSubmitAndWaitReturnsOriginatingRequestID(t *testing.T) {
	t.Parallel()
	h, token, cancel := newWaitingTestServer(t)
	defer cancel()

	rec := doRequest(h, http.MethodPost, "/api/ask?wait=true", token,
		askRequest{Provider: "openai", Message: "hello there"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var env struct {
		Data requestView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Data.RequestID == "" {
		t.Fatal("expected non-empty request_id on wait=true cache-miss response")
	}
	if env.Data.Response != "hi there" {
		t.Errorf("response = %q, want %q", env.Data.Response, "hi there")
	}

	// A second identical submission should now be a cache hit and must
	// report the same originating request id, not a new/empty one.
	rec2 := doRequest(h, http.MethodPost, "/api/ask?wait=true", token,
		askRequest{Provider: "openai", Message: "hello there"})
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec2.Code, rec2.Body.String())
	}
	var env2 struct {
		Data requestView `json:"data"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &env2); err != nil {
		t.Fatal(err)
	}
	if env2.Data.RequestID != env.Data.RequestID {
		t.Errorf("cached request_id = %q, want %q", env2.Data.RequestID, env.Data.RequestID)
	}
	if !env2.Data.Cached {
		t.Error("expected second identical submission to be served from cache")
	}
}

func TestHandlezAndReadyzRespondOK(t *testing.T) {
	t.Parallel()
	h, token, cancel := newWaitingTestServer(t)
	defer cancel()
	_ = token

	for _, path := range []string{"/healthz", "/readyz", "/api/health"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestReadyzReportsServiceUnavailableWhenNotReady(t *testing.T) {
	t.Parallel()
	st := testutil.NewFakeStore()
	authn, err := auth.New(st)
	if err != nil {
		t.Fatal(err)
	}
	h := New(Deps{
		Auth:  authn,
		Store: st,
		Queue: queue.New(10, 8),
		ReadyCheck: func(context.Context) error {
			return gateway.ErrStorageUnavailable
		},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
