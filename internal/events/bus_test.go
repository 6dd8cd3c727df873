package events

import "testing"

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Event
	cancel := bus.Subscribe(func(evt Event) {
		got = append(got, evt)
	})
	defer cancel()

	bus.Publish(SyncStarted, nil)
	bus.Publish(CartNotification, NotificationPayload{Message: "hi", Kind: "info"})

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != SyncStarted || got[1].Type != CartNotification {
		t.Fatalf("unexpected event order: %v, %v", got[0].Type, got[1].Type)
	}
	payload, ok := got[1].Payload.(NotificationPayload)
	if !ok || payload.Message != "hi" {
		t.Fatalf("payload did not survive dispatch: %+v", got[1].Payload)
	}
	if got[0].At.IsZero() {
		t.Fatalf("event timestamp not set")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()

	var count int
	cancel := bus.Subscribe(func(Event) { count++ })

	bus.Publish(SyncStarted, nil)
	cancel()
	bus.Publish(SyncCompleted, nil)

	if count != 1 {
		t.Fatalf("expected 1 delivery after cancel, got %d", count)
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()

	var a, b int
	cancelA := bus.Subscribe(func(Event) { a++ })
	defer cancelA()
	cancelB := bus.Subscribe(func(Event) { b++ })
	defer cancelB()

	bus.Publish(SyncStarted, nil)
	if a != 1 || b != 1 {
		t.Fatalf("expected both subscribers to fire, got %d and %d", a, b)
	}
}
