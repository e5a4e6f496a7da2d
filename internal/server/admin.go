package server

import (
	"crypto/rand"
	"encoding/base32"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
)

// --- Provider status/toggle ---

type providerView struct {
	Name        string  `json:"name"`
	Enabled     bool    `json:"enabled"`
	Variant     string  `json:"variant"`
	Health      string  `json:"health"`
	InFlight    int     `json:"in_flight"`
	SuccessRate float64 `json:"success_rate"`
}

// handleStatus implements GET /api/status: provider roster, health, and
// queue depth in one call for dashboards and the CLI.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.providersMu.RLock()
	views := make([]providerView, 0, len(s.deps.Providers))
	for name, desc := range s.deps.Providers {
		v := providerView{Name: name, Enabled: desc.Enabled, Variant: string(desc.Variant)}
		if s.deps.Health != nil {
			rs := s.deps.Health.Snapshot(name)
			v.Health = string(rs.Health)
			v.InFlight = rs.InFlight
			v.SuccessRate = rs.SuccessRatio
		}
		views = append(views, v)
	}
	s.providersMu.RUnlock()

	writeData(w, http.StatusOK, map[string]any{
		"providers":   views,
		"queue_depth": s.deps.Queue.Depth(),
	})
}

// providerDetailView is the payload for GET /api/providers/{name}: the full
// admin-mutable descriptor plus its current runtime health snapshot.
type providerDetailView struct {
	gateway.ProviderDescriptor
	Runtime gateway.ProviderRuntimeState `json:"runtime"`
}

// handleGetProvider implements GET /api/providers/{name}.
func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, ok := s.provider(name)
	if !ok {
		writeGatewayErr(w, gateway.ErrNotFound)
		return
	}
	view := providerDetailView{ProviderDescriptor: desc}
	if s.deps.Health != nil {
		view.Runtime = s.deps.Health.Snapshot(name)
	}
	writeData(w, http.StatusOK, view)
}

// handleProviderToggle implements POST /api/provider/{name}/toggle: flips a
// provider's enabled flag. Intake refuses new work for a disabled provider;
// in-flight requests run to completion.
func (s *server) handleProviderToggle(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, ok := s.setProviderEnabled(name, !currentlyEnabled(s, name))
	if !ok {
		writeGatewayErr(w, gateway.ErrNotFound)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"name": desc.Name, "enabled": desc.Enabled})
}

func currentlyEnabled(s *server, name string) bool {
	desc, _ := s.provider(name)
	return desc.Enabled
}

// --- Cache admin ---

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeData(w, http.StatusOK, map[string]any{"entries": 0, "bytes": 0, "hits": 0, "misses": 0})
		return
	}
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeData(w, http.StatusOK, map[string]any{"cleared": true})
		return
	}
	if err := s.deps.Cache.Clear(r.Context()); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"cleared": true})
}

// cacheCleanupRequest names a single fingerprint to evict, used for targeted
// invalidation (e.g. after a provider's pricing or model changes).
type cacheCleanupRequest struct {
	Fingerprint string `json:"fingerprint"`
}

func (s *server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	var in cacheCleanupRequest
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Fingerprint == "" || s.deps.Cache == nil {
		writeData(w, http.StatusOK, map[string]any{"evicted": false})
		return
	}
	if err := s.deps.Cache.Evict(r.Context(), in.Fingerprint); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"evicted": true})
}

// --- API key admin ---

// keyCreateRequest is the payload for POST /api/keys.
type keyCreateRequest struct {
	Name     string `json:"name"`
	RPMLimit int64  `json:"rpm_limit,omitempty"`
}

// keyCreateResponse includes the plaintext key, shown only this once.
type keyCreateResponse struct {
	*gateway.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	keys, err := s.deps.Store.ListKeys(r.Context(), store.Page{Limit: limit, Offset: offset})
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, keys)
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var in keyCreateRequest
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Name == "" {
		writeErr(w, http.StatusBadRequest, gateway.KindValidation, "name is required")
		return
	}

	plaintext, err := generatePlaintextKey()
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	key := &gateway.APIKey{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SecretHash: gateway.HashKey(plaintext),
		Name:       in.Name,
		Status:     gateway.KeyActive,
		CreatedAt:  time.Now(),
		RPMLimit:   in.RPMLimit,
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, keyCreateResponse{APIKey: key, PlaintextKey: plaintext})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := s.deps.Store.GetKey(r.Context(), id)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeGatewayErr(w, err)
		return
	}
	if s.deps.Auth != nil {
		s.deps.Auth.InvalidateByKeyID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// generatePlaintextKey returns a new gwk_-prefixed bearer credential: 25
// base32-encoded random bytes, matching the auth package's expected shape.
func generatePlaintextKey() (string, error) {
	raw := make([]byte, 25)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return gateway.APIKeyPrefix + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// --- Cost admin ---

func (s *server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	total, count, err := s.deps.Store.CostSummary(r.Context())
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"total_cost": total, "request_count": count})
}

func (s *server) handleCostByProvider(w http.ResponseWriter, r *http.Request) {
	byProvider, err := s.deps.Store.CostByProvider(r.Context())
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, byProvider)
}

func (s *server) handleCostByDay(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		days = 30
	}
	byDay, err := s.deps.Store.CostByDay(r.Context(), days)
	if err != nil {
		writeGatewayErr(w, err)
		return
	}
	writeData(w, http.StatusOK, byDay)
}

// --- shared pagination helper ---

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}
