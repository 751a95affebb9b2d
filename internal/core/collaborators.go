package core

import "time"

// Broadcaster fans an event out to every connected observer. Implementations
// must not block the caller on slow observers.
type Broadcaster interface {
	Broadcast(Event)
}

// Notifier receives one-way, best-effort notifications on transitions.
// Implementations must return promptly and never panic into the core.
type Notifier interface {
	KeyTaken(Snapshot)
	KeyWentMissing(Snapshot)
	// KeyMissingOverdue fires once the key has stayed missing for the
	// missing-notify timeout.
	KeyMissingOverdue(Snapshot)
	KeyReturned(Snapshot)
	ReservationQueued(Snapshot)
	ReservationRemoved(Snapshot)
}

// Indicator drives the ambient status light. The core never reads it back.
type Indicator interface {
	ShowState(Snapshot)
	// Countdown starts the queue hold animation for a freshly armed head.
	Countdown(hold time.Duration)
}

// Marker publishes short lifecycle markers to a side channel (message bus).
type Marker interface {
	Mark(topic, name string)
}

// Marker topics and names.
const (
	TopicServer = "server"
	TopicClient = "client"
	TopicQueue  = "queue"
	TopicEvent  = "event"

	MarkStarted    = "STARTED"
	MarkState      = "STATE"
	MarkSwitch     = "SWITCH"
	MarkConnect    = "CONNECT"
	MarkDisconnect = "DISCONNECT"
	MarkEnqueue    = "ENQUEUE"
	MarkLeave      = "LEAVE"
	MarkExpired    = "EXPIRED"
	MarkTaken      = "TAKEN"
	MarkMissing    = "MISSING"
	MarkMail       = "MAIL"
	MarkReturned   = "RETURNED"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(Event) {}

type nopNotifier struct{}

func (nopNotifier) KeyTaken(Snapshot)           {}
func (nopNotifier) KeyWentMissing(Snapshot)     {}
func (nopNotifier) KeyMissingOverdue(Snapshot)  {}
func (nopNotifier) KeyReturned(Snapshot)        {}
func (nopNotifier) ReservationQueued(Snapshot)  {}
func (nopNotifier) ReservationRemoved(Snapshot) {}

type nopIndicator struct{}

func (nopIndicator) ShowState(Snapshot)      {}
func (nopIndicator) Countdown(time.Duration) {}

type nopMarker struct{}

func (nopMarker) Mark(string, string) {}
