package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventOrderFilled, func(e Event) { got <- e })

	bus.PublishOrderFilled("BTC/EUR", "BUY", "KAT-BTCEUR-B-42", 40000, 0.01, 0.64)

	select {
	case e := <-got:
		if e.Pair != "BTC/EUR" {
			t.Errorf("pair = %q, want BTC/EUR", e.Pair)
		}
		if e.Data["client_order_id"] != "KAT-BTCEUR-B-42" {
			t.Errorf("client_order_id = %v", e.Data["client_order_id"])
		}
		if e.Severity != SeverityInfo {
			t.Errorf("severity = %q, want info default", e.Severity)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventPositionClosed, func(e Event) { got <- e })

	bus.PublishOrderFilled("BTC/EUR", "BUY", "x", 1, 1, 0)

	select {
	case e := <-got:
		t.Fatalf("unexpected event delivered: %v", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 2)
	bus.SubscribeAll(func(e Event) { got <- e })

	bus.PublishRegimeChange("ETH/EUR", "RANGE", "TREND", "adx above threshold")
	bus.PublishError("engine", "tick failed", nil)

	types := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			types[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	if !types[EventRegimeChange] || !types[EventError] {
		t.Errorf("received types = %v", types)
	}
}

func TestPublishErrorSeverity(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventError, func(e Event) { got <- e })

	bus.PublishError("orders", "submit failed", errTest)

	select {
	case e := <-got:
		if e.Severity != SeverityError {
			t.Errorf("severity = %q, want error", e.Severity)
		}
		if e.Data["error"] != "boom" {
			t.Errorf("error data = %v", e.Data["error"])
		}
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

type testErr struct{}

func (testErr) Error() string { return "boom" }

var errTest = testErr{}
