package eventbus

import (
	"testing"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
)

func TestPublishDeliversToMatchingChannel(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe(gateway.ChannelRequests)
	defer sub.Close()

	b.Publish(gateway.Event{Type: gateway.EventRequestCompleted, RequestID: "r1"})

	select {
	case e := <-sub.Events():
		if e.RequestID != "r1" {
			t.Fatalf("request id = %q", e.RequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishSkipsUnsubscribedChannel(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe(gateway.ChannelProviders)
	defer sub.Close()

	b.Publish(gateway.Event{Type: gateway.EventRequestCompleted, RequestID: "r1"})

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	t.Parallel()
	var disconnected *Subscription
	b := New(WithBufferSize(1), WithSlowConsumerHook(func(s *Subscription) { disconnected = s }))
	sub := b.Subscribe(gateway.ChannelRequests)

	b.Publish(gateway.Event{Type: gateway.EventRequestCompleted, RequestID: "a"})
	b.Publish(gateway.Event{Type: gateway.EventRequestCompleted, RequestID: "b"})

	if disconnected != sub {
		t.Fatal("expected slow consumer hook to fire for sub")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	// Channel should now be closed.
	select {
	case _, ok := <-sub.Events():
		if ok {
			_, ok2 := <-sub.Events()
			if ok2 {
				t.Fatal("expected outbox drained then closed")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe(gateway.ChannelCLI)
	sub.Close()
	sub.Close()
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
