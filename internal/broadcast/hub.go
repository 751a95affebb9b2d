// Package broadcast fans state change events out to registered observers.
package broadcast

import (
	"fmt"
	"sync"

	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Observer receives broadcast events. Deliver must not block; observers
// that cannot keep up should drop or disconnect themselves.
type Observer interface {
	Deliver(core.Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(core.Event) error

// Deliver calls f(ev).
func (f ObserverFunc) Deliver(ev core.Event) error {
	return f(ev)
}

type registration struct {
	id       uint64
	observer Observer
}

// Hub delivers every event to all observers in registration order. It
// implements core.Broadcaster.
type Hub struct {
	logger pslog.Logger

	mu        sync.Mutex
	nextID    uint64
	observers []registration
}

// New constructs an empty hub.
func New(logger pslog.Logger) *Hub {
	return &Hub{logger: svcfields.WithSubsystem(logger, "broadcast.hub")}
}

// Subscribe registers o and returns a function that removes it again. The
// returned function is safe to call more than once.
func (h *Hub) Subscribe(o Observer) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers = append(h.observers, registration{id: id, observer: o})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, reg := range h.observers {
		if reg.id == id {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast delivers ev to each observer. A failing or panicking observer is
// logged and skipped; the others still receive the event.
func (h *Hub) Broadcast(ev core.Event) {
	h.mu.Lock()
	targets := make([]registration, len(h.observers))
	copy(targets, h.observers)
	h.mu.Unlock()

	for _, reg := range targets {
		if err := deliver(reg.observer, ev); err != nil {
			h.logger.Warn("broadcast delivery failed", "observer", reg.id, svcfields.EventKey, ev.Type, "error", err)
		}
	}
}

func deliver(o Observer, ev core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Deliver(ev)
}
