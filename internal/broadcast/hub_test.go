package broadcast

import (
	"errors"
	"testing"

	"pkt.systems/keyd/internal/core"
)

func TestBroadcastDeliversInRegistrationOrder(t *testing.T) {
	t.Parallel()

	hub := New(nil)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		hub.Subscribe(ObserverFunc(func(core.Event) error {
			order = append(order, name)
			return nil
		}))
	}
	hub.Broadcast(core.Event{Type: core.EventKeyTaken})
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
}

func TestBroadcastIsolatesFailingObservers(t *testing.T) {
	t.Parallel()

	hub := New(nil)
	delivered := 0
	hub.Subscribe(ObserverFunc(func(core.Event) error { return errors.New("closed") }))
	hub.Subscribe(ObserverFunc(func(core.Event) error { panic("boom") }))
	hub.Subscribe(ObserverFunc(func(core.Event) error {
		delivered++
		return nil
	}))
	hub.Broadcast(core.Event{Type: core.EventKeyReturned})
	if delivered != 1 {
		t.Fatalf("healthy observer saw %d events", delivered)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	hub := New(nil)
	var got []core.EventType
	unsubscribe := hub.Subscribe(ObserverFunc(func(ev core.Event) error {
		got = append(got, ev.Type)
		return nil
	}))
	other := hub.Subscribe(ObserverFunc(func(core.Event) error { return nil }))
	hub.Broadcast(core.Event{Type: core.EventKeyTaken})
	unsubscribe()
	unsubscribe()
	hub.Broadcast(core.Event{Type: core.EventKeyReturned})
	if len(got) != 1 || got[0] != core.EventKeyTaken {
		t.Fatalf("got = %v", got)
	}
	if hub.Len() != 1 {
		t.Fatalf("len = %d", hub.Len())
	}
	other()
	if hub.Len() != 0 {
		t.Fatalf("len = %d after removing all", hub.Len())
	}
}

func TestObserverMayUnsubscribeDuringDelivery(t *testing.T) {
	t.Parallel()

	hub := New(nil)
	var unsubscribe func()
	calls := 0
	unsubscribe = hub.Subscribe(ObserverFunc(func(core.Event) error {
		calls++
		unsubscribe()
		return nil
	}))
	hub.Broadcast(core.Event{Type: core.EventKeyTaken})
	hub.Broadcast(core.Event{Type: core.EventKeyTaken})
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}
