package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/auth"
	"github.com/eugener/gatewayd/internal/queue"
	"github.com/eugener/gatewayd/internal/testutil"
)

const testPlaintextKey = "gwk_admintestkey1234567890123"

// newTestServer builds a router with a real auth.APIKeyAuth backed by a
// FakeStore, seeded with one active key, and returns the handler plus the
// bearer token to authenticate requests with.
func newTestServer(t *testing.T, providers map[string]gateway.ProviderDescriptor) (http.Handler, string) {
	t.Helper()
	st := testutil.NewFakeStore()
	authn, err := auth.New(st)
	if err != nil {
		t.Fatal(err)
	}
	key := &gateway.APIKey{
		ID:         "key-1",
		SecretHash: gateway.HashKey(testPlaintextKey),
		Name:       "test",
		Status:     gateway.KeyActive,
		CreatedAt:  time.Now(),
	}
	if err := st.CreateKey(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	h := New(Deps{
		Auth:      authn,
		Store:     st,
		Queue:     queue.New(10, 8),
		Providers: providers,
	})
	return h, testPlaintextKey
}

func doRequest(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleAskRejectsMissingAuth(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t, map[string]gateway.ProviderDescriptor{
		"openai": {Name: "openai", Enabled: true},
	})
	rec := doRequest(h, http.MethodPost, "/api/ask", "", askRequest{Provider: "openai", Message: "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandleAskRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{
		"openai": {Name: "openai", Enabled: true},
	})
	rec := doRequest(h, http.MethodPost, "/api/ask", token, askRequest{Provider: "nope", Message: "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAskRejectsDisabledProvider(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{
		"openai": {Name: "openai", Enabled: false},
	})
	rec := doRequest(h, http.MethodPost, "/api/ask", token, askRequest{Provider: "openai", Message: "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetProviderReturnsDescriptor(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{
		"openai": {Name: "openai", Enabled: true, Variant: gateway.VariantHTTP},
	})
	rec := doRequest(h, http.MethodGet, "/api/providers/openai", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if !env.Success {
		t.Fatal("expected success envelope")
	}
}

func TestHandleGetProviderUnknownReturns404(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{})
	rec := doRequest(h, http.MethodGet, "/api/providers/nope", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleProviderToggleFlipsEnabled(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{
		"openai": {Name: "openai", Enabled: true},
	})
	rec := doRequest(h, http.MethodPost, "/api/provider/openai/toggle", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(h, http.MethodGet, "/api/providers/openai", token, nil)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	data := env.Data.(map[string]any)
	if data["enabled"].(bool) {
		t.Error("expected enabled=false after toggle")
	}
}

func TestHandleCreateAndGetKey(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{})
	rec := doRequest(h, http.MethodPost, "/api/keys", token, keyCreateRequest{Name: "svc"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleCostEndpointsReturnEmptyAggregatesWithoutSamples(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{})
	rec := doRequest(h, http.MethodGet, "/api/costs/summary", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	data := env.Data.(map[string]any)
	if data["total_cost"].(float64) != 0 || data["request_count"].(float64) != 0 {
		t.Errorf("expected empty cost aggregate, got %+v", data)
	}
}

func TestHandleCancelOnUnknownRequestReturns404(t *testing.T) {
	t.Parallel()
	h, token := newTestServer(t, map[string]gateway.ProviderDescriptor{})
	rec := doRequest(h, http.MethodDelete, "/api/request/does-not-exist", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
