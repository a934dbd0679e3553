package event

import (
	"context"
	"testing"
	"time"
)

func sessionEvent(id, status string) Event {
	return Event{
		Type:       TypeSessionStatus,
		SessionID:  id,
		Session:    &SessionStatusEvent{Status: status},
		OccurredAt: time.Now().UTC(),
	}
}

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	first := queue.Subscribe()
	second := queue.Subscribe()
	defer first.Close()
	defer second.Close()

	if err := queue.Publish(context.Background(), sessionEvent("sess-1", "live")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.SessionID != "sess-1" || got.Session == nil || got.Session.Status != "live" {
				t.Fatalf("unexpected event: %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}
}

func TestMemoryQueueRejectsUntypedEvent(t *testing.T) {
	queue := NewMemoryQueue(4)
	if err := queue.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected untyped event to be rejected")
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	if err := queue.Publish(context.Background(), sessionEvent("sess-1", "connecting")); err != nil {
		t.Fatalf("publish first: %v", err)
	}
	// Subscriber has not drained; the second publish must not block.
	done := make(chan error, 1)
	go func() {
		done <- queue.Publish(context.Background(), sessionEvent("sess-1", "live"))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish second: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	got := <-sub.Events()
	if got.Session == nil || got.Session.Status != "connecting" {
		t.Fatalf("expected first event retained, got %+v", got)
	}
	select {
	case extra := <-sub.Events():
		t.Fatalf("expected overflow event dropped, got %+v", extra)
	default:
	}
}

func TestMemorySubscriptionCloseIsIdempotent(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed event channel")
	}
	if err := queue.Publish(context.Background(), sessionEvent("sess-1", "stopped")); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
