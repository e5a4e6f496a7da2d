// Package cache implements the fingerprint→response cache and single-flight
// coalescing described in spec §4.4: at most one in-flight upstream call per
// fingerprint, with other callers attaching to that call's result.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
)

// Config bounds the in-memory cache tier.
type Config struct {
	DefaultTTL time.Duration
	MaxEntries int
	MaxBytes   int64
}

// Stats summarizes cache activity for the admin endpoint.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

func entrySize(e gateway.CacheEntry) uint32 {
	return uint32(len(e.Text) + len(e.Thinking) + 64)
}

// Manager is the fingerprint→response cache fronting the durable store with
// an in-memory W-TinyLFU tier, and the single-flight point of coalescing.
type Manager struct {
	mem        *otter.Cache[string, gateway.CacheEntry]
	durable    store.CacheStore
	group      singleflight.Group
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a Manager bounded by cfg, backed by durable for persistence
// across restarts and for the admin stats/clear endpoints.
func New(cfg Config, durable store.CacheStore) (*Manager, error) {
	opts := &otter.Options[string, gateway.CacheEntry]{
		ExpiryCalculator: otter.ExpiryWriting[string, gateway.CacheEntry](cfg.DefaultTTL),
	}
	if cfg.MaxBytes > 0 {
		opts.MaximumWeight = cfg.MaxBytes
		opts.Weigher = func(_ string, e gateway.CacheEntry) uint32 { return entrySize(e) }
	} else {
		opts.MaximumSize = cfg.MaxEntries
	}
	c, err := otter.New(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: create memory tier: %w", err)
	}
	return &Manager{mem: c, durable: durable, defaultTTL: cfg.DefaultTTL}, nil
}

// Get returns the cached entry for fingerprint if present and unexpired.
func (m *Manager) Get(ctx context.Context, fingerprint string) (gateway.CacheEntry, bool) {
	if e, ok := m.mem.GetIfPresent(fingerprint); ok {
		if e.Expired(time.Now()) {
			m.mem.Invalidate(fingerprint)
		} else {
			m.hits.Add(1)
			return e, true
		}
	}

	e, err := m.durable.CacheGet(ctx, fingerprint)
	if err != nil || e == nil {
		m.misses.Add(1)
		return gateway.CacheEntry{}, false
	}
	if e.Expired(time.Now()) {
		m.misses.Add(1)
		return gateway.CacheEntry{}, false
	}
	m.mem.Set(fingerprint, *e)
	m.hits.Add(1)
	return *e, true
}

// Put writes entry to both tiers, write-through, so a restart still honors
// unexpired entries.
func (m *Manager) Put(ctx context.Context, entry gateway.CacheEntry) error {
	if entry.TTL <= 0 {
		entry.TTL = m.defaultTTL
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	m.mem.Set(entry.Fingerprint, entry)
	return m.durable.CachePut(ctx, &entry)
}

// Evict removes fingerprint from both tiers.
func (m *Manager) Evict(ctx context.Context, fingerprint string) error {
	m.mem.Invalidate(fingerprint)
	return m.durable.CacheEvict(ctx, fingerprint)
}

// Clear empties both tiers.
func (m *Manager) Clear(ctx context.Context) error {
	m.mem.InvalidateAll()
	return m.durable.CacheClear(ctx)
}

// Stats reports current cache occupancy and the process-lifetime hit/miss
// counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	count, bytes, err := m.durable.CacheStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Entries: count,
		Bytes:   bytes,
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}, nil
}

// Coalesce ensures at most one concurrent call to fn runs per fingerprint
// (§4.4 single-flight): concurrent callers with the same fingerprint attach
// to the in-flight call and receive an identical copy of its result,
// including the RequestID of the call that ran fn; no per-caller request id
// is assigned. shared reports whether this caller waited on another's call
// rather than executing fn itself.
func (m *Manager) Coalesce(fingerprint string, fn func() (gateway.CacheEntry, error)) (entry gateway.CacheEntry, shared bool, err error) {
	v, err, shared := m.group.Do(fingerprint, func() (any, error) {
		return fn()
	})
	if err != nil {
		return gateway.CacheEntry{}, shared, err
	}
	return v.(gateway.CacheEntry), shared, nil
}
