// Package testutil provides in-memory fakes of the gateway's interfaces for
// use in tests, following the same hand-rolled-fake-over-mock-library
// convention as the rest of the codebase.
package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
)

// FakeStore is an in-memory implementation of store.Store for testing.
type FakeStore struct {
	mu         sync.Mutex
	requests   map[string]*gateway.Request
	responses  map[string]*gateway.Response
	cache      map[string]*gateway.CacheEntry
	keys       map[string]*gateway.APIKey
	keysByHash map[string]string
	costs      []store.CostSample
	order      []string
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		requests:   make(map[string]*gateway.Request),
		responses:  make(map[string]*gateway.Response),
		cache:      make(map[string]*gateway.CacheEntry),
		keys:       make(map[string]*gateway.APIKey),
		keysByHash: make(map[string]string),
	}
}

func (s *FakeStore) PutRequest(_ context.Context, r *gateway.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return gateway.ErrConflict
	}
	cp := *r
	s.requests[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

func (s *FakeStore) Transition(_ context.Context, id string, from, to gateway.Status, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return gateway.ErrNotFound
	}
	if r.Status != from {
		return gateway.ErrConflict
	}
	r.Status = to
	return nil
}

func (s *FakeStore) IncrementAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return 0, gateway.ErrNotFound
	}
	r.AttemptCount++
	return r.AttemptCount, nil
}

func (s *FakeStore) GetRequest(_ context.Context, id string) (*gateway.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *FakeStore) ListRequests(_ context.Context, filter store.ListFilter, page store.Page) ([]*gateway.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Request
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.requests[s.order[i]]
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Provider != "" && r.Provider != filter.Provider {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) PutResponse(_ context.Context, r *gateway.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.responses[r.RequestID] = &cp
	return nil
}

func (s *FakeStore) GetResponse(_ context.Context, requestID string) (*gateway.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[requestID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *FakeStore) CacheGet(_ context.Context, fingerprint string) (*gateway.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[fingerprint]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *FakeStore) CachePut(_ context.Context, entry *gateway.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.cache[entry.Fingerprint] = &cp
	return nil
}

func (s *FakeStore) CacheEvict(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, fingerprint)
	return nil
}

func (s *FakeStore) CacheStats(_ context.Context) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytes int64
	for _, e := range s.cache {
		bytes += int64(len(e.Text) + len(e.Thinking))
	}
	return len(s.cache), bytes, nil
}

func (s *FakeStore) CacheClear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*gateway.CacheEntry)
	return nil
}

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	s.keysByHash[key.SecretHash] = key.ID
	return nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *s.keys[id]
	return &cp, nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) ListKeys(_ context.Context, _ store.Page) ([]*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gateway.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	delete(s.keysByHash, k.SecretHash)
	delete(s.keys, id)
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	t := time.Now()
	k.LastUsedAt = &t
	return nil
}

func (s *FakeStore) AppendCostSample(_ context.Context, sample store.CostSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, sample)
	return nil
}

func (s *FakeStore) CostSummary(_ context.Context) (float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, c := range s.costs {
		total += c.Cost
	}
	return total, len(s.costs), nil
}

func (s *FakeStore) CostByProvider(_ context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64)
	for _, c := range s.costs {
		out[c.Provider] += c.Cost
	}
	return out, nil
}

func (s *FakeStore) CostByDay(_ context.Context, _ int) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (s *FakeStore) CompleteRequest(_ context.Context, resp *gateway.Response, from, to gateway.Status, _ map[string]string, cost *store.CostSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[resp.RequestID]
	if !ok {
		return gateway.ErrNotFound
	}
	if r.Status != from {
		return gateway.ErrConflict
	}
	r.Status = to
	cp := *resp
	s.responses[resp.RequestID] = &cp
	if cost != nil {
		s.costs = append(s.costs, *cost)
	}
	return nil
}

func (s *FakeStore) StartupRecovery(_ context.Context) ([]*gateway.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recovered []*gateway.Request
	for _, r := range s.requests {
		if r.Status == gateway.StatusQueued || r.Status == gateway.StatusProcessing {
			r.Status = gateway.StatusFailed
			cp := *r
			recovered = append(recovered, &cp)
		}
	}
	return recovered, nil
}

func (s *FakeStore) Ping(_ context.Context) error { return nil }
func (s *FakeStore) Close() error                 { return nil }
