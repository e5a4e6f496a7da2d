package queue

import (
	"testing"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
)

func TestEnqueueOrdersByPriorityThenTime(t *testing.T) {
	t.Parallel()
	q := New(10, 8)
	now := time.Now()
	low := &gateway.Request{ID: "low", Priority: 1, SubmittedAt: now}
	high := &gateway.Request{ID: "high", Priority: 5, SubmittedAt: now.Add(time.Second)}
	mid := &gateway.Request{ID: "mid", Priority: 5, SubmittedAt: now}

	_ = q.Enqueue(low, nil)
	_ = q.Enqueue(high, nil)
	_ = q.Enqueue(mid, nil)

	first := q.dequeueRunnable(func(*item) bool { return true })
	if first.request.ID != "mid" {
		t.Fatalf("first = %q, want mid (same priority, earlier submit)", first.request.ID)
	}
	second := q.dequeueRunnable(func(*item) bool { return true })
	if second.request.ID != "high" {
		t.Fatalf("second = %q, want high", second.request.ID)
	}
	third := q.dequeueRunnable(func(*item) bool { return true })
	if third.request.ID != "low" {
		t.Fatalf("third = %q, want low", third.request.ID)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()
	q := New(1, 8)
	if err := q.Enqueue(&gateway.Request{ID: "a"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(&gateway.Request{ID: "b"}, nil); err != gateway.ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestDequeueRunnableSkipsAhead(t *testing.T) {
	t.Parallel()
	q := New(10, 8)
	now := time.Now()
	_ = q.Enqueue(&gateway.Request{ID: "blocked", Priority: 10, SubmittedAt: now}, nil)
	_ = q.Enqueue(&gateway.Request{ID: "runnable", Priority: 5, SubmittedAt: now}, nil)

	got := q.dequeueRunnable(func(it *item) bool { return it.request.ID == "runnable" })
	if got == nil || got.request.ID != "runnable" {
		t.Fatalf("got %+v, want runnable", got)
	}
	// blocked item must still be present, untouched.
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}
}

func TestDequeueRunnableReturnsNilWhenNoneRunnable(t *testing.T) {
	t.Parallel()
	q := New(10, 8)
	_ = q.Enqueue(&gateway.Request{ID: "a"}, nil)
	got := q.dequeueRunnable(func(*item) bool { return false })
	if got != nil {
		t.Fatal("expected nil when nothing runnable")
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1 (items preserved)", q.Depth())
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	q := New(10, 8)
	_ = q.Enqueue(&gateway.Request{ID: "a"}, nil)
	if !q.Remove("a") {
		t.Fatal("expected removal to succeed")
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0", q.Depth())
	}
	if q.Remove("a") {
		t.Error("expected second removal to fail")
	}
}
