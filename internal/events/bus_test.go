package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourcePending, KindRequestCreated, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishFillsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(SourceAgent, KindToolCall, map[string]any{"tool": "getBookingDetails"})

	select {
	case got := <-ch:
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not filled in")
		}
		if got.Data["tool"] != "getBookingDetails" {
			t.Errorf("Data = %v", got.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFiltersBySource(t *testing.T) {
	b := New()
	pendingOnly := b.Subscribe(8, SourcePending)
	all := b.Subscribe(8)
	defer b.Unsubscribe(pendingOnly)
	defer b.Unsubscribe(all)

	b.Emit(SourceAgent, KindTurnStart, nil)
	b.Emit(SourcePending, KindRequestCreated, map[string]any{"request_id": "r1"})

	got := <-pendingOnly
	if got.Kind != KindRequestCreated {
		t.Errorf("filtered subscriber got %q first", got.Kind)
	}
	select {
	case evt := <-pendingOnly:
		t.Errorf("filtered subscriber got unexpected %v", evt)
	default:
	}

	if n := len(all); n != 2 {
		t.Errorf("unfiltered subscriber has %d events, want 2", n)
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	// Must not panic.
	b.Unsubscribe(ch)
	b.Publish(Event{Source: SourceBooking, Kind: KindBookingChanged})

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup
	ch := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range publishers {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range eventsPerPublisher {
				b.Emit(SourceAgent, KindToolDone, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()
}
