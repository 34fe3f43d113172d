package events

import (
	"testing"
	"time"

	"github.com/phishguard/phishguard/pkg/types"
)

func TestBrokerPublishAndSubscribe(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("", 10)
	defer b.Unsubscribe(ch)

	ev := types.DecisionEvent{ID: "d1", URL: "https://x.example/", Action: "allow"}
	b.Publish(ev)

	select {
	case got := <-ch:
		if got.ID != ev.ID || got.URL != ev.URL {
			t.Fatalf("decision mismatch: got %+v want %+v", got, ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decision")
	}
}

func TestBrokerMinActionFilter(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("warn", 10)
	defer b.Unsubscribe(ch)

	b.Publish(types.DecisionEvent{ID: "a", Action: "allow"})
	b.Publish(types.DecisionEvent{ID: "w", Action: "warn"})
	b.Publish(types.DecisionEvent{ID: "b", Action: "block"})

	if n := len(ch); n != 2 {
		t.Fatalf("expected 2 decisions at or above warn, got %d", n)
	}
	if got := <-ch; got.ID != "w" {
		t.Fatalf("expected warn first, got %s", got.ID)
	}
}

func TestBrokerDropsWhenSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("", 1)
	defer b.Unsubscribe(ch)

	ev := types.DecisionEvent{Action: "block"}
	b.Publish(ev) // fills buffer
	b.Publish(ev) // should drop

	if n := len(ch); n != 1 {
		t.Fatalf("expected buffer length 1 after drop, got %d", n)
	}
	if b.DroppedCount() != 1 {
		t.Fatalf("expected 1 dropped, got %d", b.DroppedCount())
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("", 1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	default:
		t.Fatal("expected channel to be closed and readable")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.SubscriberCount())
	}
}

func TestBrokerCloseEndsStreams(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("", 1)
	_ = b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed by Close")
	}
	late := b.Subscribe("", 1)
	if _, ok := <-late; ok {
		t.Fatal("expected subscription after Close to be closed")
	}
	b.Unsubscribe(ch)
}
