package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/testutil"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{DefaultTTL: time.Minute, MaxEntries: 100}, testutil.NewFakeStore())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	entry := gateway.CacheEntry{Fingerprint: "fp1", Text: "hello", TTL: time.Minute}
	if err := m.Put(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, ok := m.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Text != "hello" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestGetMiss(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if _, ok := m.Get(context.Background(), "unknown"); ok {
		t.Error("expected miss")
	}
}

func TestGetExpired(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()
	entry := gateway.CacheEntry{
		Fingerprint: "fp-old",
		Text:        "stale",
		StoredAt:    time.Now().Add(-time.Hour),
		TTL:         time.Second,
	}
	if err := m.Put(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(ctx, "fp-old"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestEvictAndClear(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()
	_ = m.Put(ctx, gateway.CacheEntry{Fingerprint: "a", Text: "x", TTL: time.Minute})
	_ = m.Put(ctx, gateway.CacheEntry{Fingerprint: "b", Text: "y", TTL: time.Minute})

	if err := m.Evict(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(ctx, "a"); ok {
		t.Error("expected a to be evicted")
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(ctx, "b"); ok {
		t.Error("expected clear to remove b")
	}
}

func TestCoalesceSharesSingleCall(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var calls int
	fn := func() (gateway.CacheEntry, error) {
		calls++
		return gateway.CacheEntry{Fingerprint: "fp", Text: "computed"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = m.Coalesce("fp", fn)
	}()

	entry, _, err := m.Coalesce("fp", fn)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if entry.Text != "computed" {
		t.Errorf("text = %q", entry.Text)
	}
}

func TestCoalesceReturnsError(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	wantErr := errors.New("boom")
	_, _, err := m.Coalesce("fp-err", func() (gateway.CacheEntry, error) {
		return gateway.CacheEntry{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}
