// Package ratelimit implements the per-api-key and global token buckets
// described in spec §4.5: a key's bucket refills at its configured RPM, a
// second bucket enforces a global ceiling, and a third per-provider bucket
// caps upstream QPS at dispatch time.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

// newBucket returns a bucket with capacity max, refilling at ratePerSecond.
func newBucket(max float64, ratePerSecond float64) *Bucket {
	return &Bucket{tokens: max, max: max, rate: ratePerSecond, lastFill: time.Now()}
}

// newRPMBucket returns a bucket sized for an RPM limit with the given burst
// capacity (burst <= 0 defaults to the RPM value itself).
func newRPMBucket(rpm int64, burst int64) *Bucket {
	cap := float64(rpm)
	if burst > 0 {
		cap = float64(burst)
	}
	return newBucket(cap, float64(rpm)/60.0)
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *Bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return int64(b.tokens), false
}

func (b *Bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	deficit := n - b.tokens
	if b.rate <= 0 {
		return deficit
	}
	return deficit / b.rate
}

func (b *Bucket) remaining() int64 {
	return int64(b.tokens)
}

// Limiter wraps a single bucket with a last-used timestamp for eviction.
type Limiter struct {
	mu       sync.Mutex
	bucket   *Bucket
	limit    int64
	lastUsed time.Time
}

func newLimiter(rpm int64, burst int64) *Limiter {
	return &Limiter{bucket: newRPMBucket(rpm, burst), limit: rpm, lastUsed: time.Now()}
}

// Allow consumes one token, reporting whether the caller may proceed.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	remaining, ok := l.bucket.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limit, Remaining: remaining}
	}
	return Result{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfterSeconds: l.bucket.retryAfter(1)}
}

// Registry manages per-key Limiters, keyed by an arbitrary string (api-key
// id or provider name).
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for key, creating one sized for rpm/burst
// if absent or if rpm has changed.
func (r *Registry) GetOrCreate(key string, rpm int64, burst int64) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok && l.limit == rpm {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok && l.limit == rpm {
		return l
	}
	l = newLimiter(rpm, burst)
	r.limiters[key] = l
	return l
}

// EvictStale removes limiters whose last use precedes cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}

// Limits configures the Manager's default and global ceilings.
type Limits struct {
	DefaultRPM int64
	Burst      int64
	GlobalRPM  int64
}

// Manager gates intake by per-key + global buckets and dispatch by
// per-provider QPS buckets (§4.5).
type Manager struct {
	limits   Limits
	keys     *Registry
	global   *Limiter
	provider *Registry
}

// New returns a Manager configured with limits.
func New(limits Limits) *Manager {
	return &Manager{
		limits:   limits,
		keys:     NewRegistry(),
		global:   newLimiter(limits.GlobalRPM, 0),
		provider: NewRegistry(),
	}
}

// TryAcquire admits one request for keyID against its own RPM bucket (rpm<=0
// uses the manager default) and the shared global ceiling. The global check
// only runs if the per-key check admits, so a throttled key never consumes
// global budget.
func (m *Manager) TryAcquire(keyID string, rpm int64) Result {
	if rpm <= 0 {
		rpm = m.limits.DefaultRPM
	}
	keyLimiter := m.keys.GetOrCreate(keyID, rpm, m.limits.Burst)
	result := keyLimiter.Allow()
	if !result.Allowed {
		return result
	}
	if m.limits.GlobalRPM <= 0 {
		return result
	}
	return m.global.Allow()
}

// AllowProvider enforces a per-provider QPS cap at dispatch time, right
// before a worker calls the backend. qps<=0 means unlimited.
func (m *Manager) AllowProvider(provider string, qps int64) Result {
	if qps <= 0 {
		return Result{Allowed: true}
	}
	limiter := m.provider.GetOrCreate(provider, qps*60, qps*60)
	return limiter.Allow()
}

// EvictStale prunes per-key and per-provider limiters unused since cutoff.
func (m *Manager) EvictStale(cutoff time.Time) int {
	return m.keys.EvictStale(cutoff) + m.provider.EvictStale(cutoff)
}
