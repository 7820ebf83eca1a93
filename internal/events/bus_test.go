package events

import (
	"testing"

	"smokestack/internal/domain"
)

type staticSubs struct {
	subs []domain.Subscription
}

func (s staticSubs) MatchSubscriptions(domain.Operation) []domain.Subscription { return s.subs }

func TestPublishEvictsFullStreamsWithoutDoubleDelivery(t *testing.T) {
	subs := staticSubs{subs: []domain.Subscription{{Subscriber: "watcher", Kind: domain.SelectorOperation, Selector: "1"}}}
	bus := NewBus(subs, 1)

	full1 := bus.Open("watcher")
	full2 := bus.Open("watcher")
	live := bus.Open("watcher")

	// Fill both streams that are about to be evicted so the next publish
	// finds their queues full.
	bus.Publish(domain.Event{Operation: domain.Operation{ID: 1}})
	<-live.Events()

	bus.Publish(domain.Event{Operation: domain.Operation{ID: 1}})

	// An evicted stream still yields the event queued before eviction, then
	// reports closed.
	if evt, ok := <-full1.Events(); !ok || evt.Seq != 1 {
		t.Fatalf("evicted stream full1 should still hold the first event, got seq %d ok=%v", evt.Seq, ok)
	}
	if _, ok := <-full1.Events(); ok {
		t.Fatalf("evicted stream full1 should be closed, not deliver a second event")
	}
	if evt, ok := <-full2.Events(); !ok || evt.Seq != 1 {
		t.Fatalf("evicted stream full2 should still hold the first event, got seq %d ok=%v", evt.Seq, ok)
	}
	if _, ok := <-full2.Events(); ok {
		t.Fatalf("evicted stream full2 should be closed, not deliver a second event")
	}

	select {
	case evt, ok := <-live.Events():
		if !ok {
			t.Fatalf("live stream should not be evicted")
		}
		if evt.Seq != 2 {
			t.Fatalf("live stream seq = %d, want 2", evt.Seq)
		}
	default:
		t.Fatalf("live stream should have received the second event")
	}
}
