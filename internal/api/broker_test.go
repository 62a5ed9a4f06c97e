package api

import (
	"testing"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("driver:d1")
	other := b.Subscribe("driver:d2")
	defer b.Unsubscribe("driver:d2", other)

	b.Publish("driver:d1", Event{Type: "assignment.offer", Data: map[string]any{"assignmentId": "a1"}})

	select {
	case evt := <-ch:
		if evt.Type != "assignment.offer" {
			t.Fatalf("event: %+v", evt)
		}
	default:
		t.Fatal("subscriber got nothing")
	}
	select {
	case evt := <-other:
		t.Fatalf("wrong topic received %+v", evt)
	default:
	}

	b.Unsubscribe("driver:d1", ch)
	// Publishing to a topic with no subscribers is a no-op.
	b.Publish("driver:d1", Event{Type: "assignment.offer"})
}

func TestBrokerSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("request:r1")
	defer b.Unsubscribe("request:r1", ch)

	// Fill the buffer past capacity; Publish must never block.
	for i := 0; i < 50; i++ {
		b.Publish("request:r1", Event{Type: "request.status_changed"})
	}
	if len(ch) == 0 || len(ch) > 8 {
		t.Fatalf("buffered events: %d", len(ch))
	}
}
