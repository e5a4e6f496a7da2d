package ratelimit

import (
	"testing"
	"time"
)

func TestBucketTryConsume(t *testing.T) {
	t.Parallel()
	b := newBucket(10, 1)
	now := time.Now()
	if _, ok := b.tryConsume(5, now); !ok {
		t.Fatal("expected consume to succeed")
	}
	if _, ok := b.tryConsume(10, now); ok {
		t.Error("expected consume to fail when insufficient tokens")
	}
}

func TestBucketRefill(t *testing.T) {
	t.Parallel()
	b := newBucket(10, 10) // 10 tokens/sec
	now := time.Now()
	b.tryConsume(10, now)
	later := now.Add(500 * time.Millisecond)
	remaining, ok := b.tryConsume(1, later)
	if !ok {
		t.Fatal("expected refill to allow consume")
	}
	if remaining < 3 {
		t.Errorf("remaining = %d, want >= 3", remaining)
	}
}

func TestLimiterAllowDenies(t *testing.T) {
	t.Parallel()
	l := newLimiter(60, 1) // burst of 1
	first := l.Allow()
	if !first.Allowed {
		t.Fatal("expected first call to be allowed")
	}
	second := l.Allow()
	if second.Allowed {
		t.Error("expected second call to be denied with burst=1")
	}
	if second.RetryAfterSeconds <= 0 {
		t.Error("expected positive retry-after")
	}
}

func TestRegistryGetOrCreateStable(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	a := r.GetOrCreate("k1", 60, 10)
	b := r.GetOrCreate("k1", 60, 10)
	if a != b {
		t.Error("expected same limiter instance for unchanged limits")
	}
	c := r.GetOrCreate("k1", 120, 10)
	if a == c {
		t.Error("expected new limiter when rpm changes")
	}
}

func TestRegistryEvictStale(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.GetOrCreate("k1", 60, 10)
	evicted := r.EvictStale(time.Now().Add(time.Hour))
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
}

func TestManagerTryAcquirePerKeyAndGlobal(t *testing.T) {
	t.Parallel()
	m := New(Limits{DefaultRPM: 60, Burst: 1, GlobalRPM: 60})
	first := m.TryAcquire("key1", 0)
	if !first.Allowed {
		t.Fatal("expected first request to be allowed")
	}
	second := m.TryAcquire("key1", 0)
	if second.Allowed {
		t.Error("expected second request on same key to be throttled")
	}
}

func TestManagerAllowProviderUnlimited(t *testing.T) {
	t.Parallel()
	m := New(Limits{DefaultRPM: 60, GlobalRPM: 0})
	if !m.AllowProvider("openai", 0).Allowed {
		t.Error("expected unlimited qps to always allow")
	}
}
