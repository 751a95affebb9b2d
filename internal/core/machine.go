package core

import (
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Machine owns the authoritative key state, the reservation queue, and the
// missing/queue watchdogs. It is not safe for concurrent use: every method
// must run inside a single event-processing context (see Service).
type Machine struct {
	clock   clock.Clock
	logger  pslog.Logger
	post    func(func())
	metrics *coreMetrics

	broadcaster Broadcaster
	notifier    Notifier
	indicator   Indicator
	marker      Marker

	missingTimeout       time.Duration
	missingNotifyTimeout time.Duration
	queueHoldTimeout     time.Duration
	debugMode            bool

	present      bool
	missing      bool
	takenAt      time.Time
	missingSince time.Time
	queue        []QueueEntry

	missingTimer watchdog
	queueTimer   watchdog
}

// NewMachine builds a machine in the initial "unknown" state: not present,
// not missing, and without a taken timestamp until the sensor reports.
// post re-enters the owning event loop from timer goroutines; nil runs
// callbacks inline, which is only correct when the clock fires timers on the
// event-processing goroutine (clock.Manual in tests).
func NewMachine(cfg Config, post func(func())) *Machine {
	cfg = cfg.withDefaults()
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Machine{
		clock:                cfg.Clock,
		logger:               svcfields.WithSubsystem(cfg.Logger, "core.machine"),
		post:                 post,
		metrics:              newCoreMetrics(cfg.Logger),
		broadcaster:          cfg.Broadcaster,
		notifier:             cfg.Notifier,
		indicator:            cfg.Indicator,
		marker:               cfg.Marker,
		missingTimeout:       cfg.MissingTimeout,
		missingNotifyTimeout: cfg.MissingNotifyTimeout,
		queueHoldTimeout:     cfg.QueueHoldTimeout,
		debugMode:            cfg.DebugMode,
	}
}

// Status returns the current custody status.
func (m *Machine) Status() Status {
	switch {
	case m.present:
		return StatusPresent
	case m.missing:
		return StatusMissing
	default:
		return StatusTaken
	}
}

// DebugMode reports whether sensor input is being ignored.
func (m *Machine) DebugMode() bool {
	return m.debugMode
}

// Take moves the key from Present to Taken. The current head of the queue,
// if any, wins the key and leaves the queue with success=true.
func (m *Machine) Take(cause string) bool {
	if !m.present {
		m.logger.Warn("illegal state - ignoring taken event", "cause", cause, "status", m.Status())
		m.metrics.illegal("take")
		return false
	}
	m.logger.Info("key was taken", "cause", cause)
	m.marker.Mark(TopicEvent, MarkTaken)

	m.present = false
	m.takenAt = m.clock.Now()
	m.missingTimer.arm(m.clock, m.missingTimeout, m.post, m.onMissingTimer)

	if len(m.queue) > 0 {
		m.removeFromQueue(m.queue[0].ClientID, true)
	} else {
		m.recomputeHeadExpiry()
	}

	snap := m.emit(EventKeyTaken, "", nil)
	m.notifier.KeyTaken(snap)
	return true
}

// Return moves the key from Taken or Missing back to Present.
func (m *Machine) Return(cause string) bool {
	if m.present {
		m.logger.Warn("illegal state - ignoring returned event", "cause", cause)
		m.metrics.illegal("return")
		return false
	}
	m.logger.Info("key was returned", "cause", cause, "was_missing", m.missing)
	m.marker.Mark(TopicEvent, MarkReturned)

	m.present = true
	m.missing = false
	m.missingSince = time.Time{}
	m.takenAt = time.Time{}
	m.missingTimer.cancel()

	m.recomputeHeadExpiry()
	snap := m.emit(EventKeyReturned, "", nil)
	m.notifier.KeyReturned(snap)
	return true
}

func (m *Machine) onMissingTimer(gen uint64) {
	if !m.missingTimer.claim(gen) {
		m.logger.Debug("stale missing timer ignored", "gen", gen)
		return
	}
	if m.present {
		return
	}
	m.logger.Info("key went missing", "taken_at", m.takenAt)
	m.marker.Mark(TopicEvent, MarkMissing)

	m.missing = true
	m.missingSince = m.clock.Now()
	m.missingTimer.arm(m.clock, m.missingNotifyTimeout, m.post, m.onMissingNotifyTimer)

	snap := m.emit(EventKeyWentMissing, "", nil)
	m.notifier.KeyWentMissing(snap)
}

func (m *Machine) onMissingNotifyTimer(gen uint64) {
	if !m.missingTimer.claim(gen) {
		m.logger.Debug("stale missing-notify timer ignored", "gen", gen)
		return
	}
	if !m.missing {
		return
	}
	m.marker.Mark(TopicEvent, MarkMail)
	if m.debugMode {
		m.logger.Info("debug mode: skipping missing escalation")
		return
	}
	m.logger.Info("escalating missing key", "taken_at", m.takenAt)
	m.notifier.KeyMissingOverdue(m.Snapshot())
}

// Hello builds the greeting delivered to a freshly connected client.
func (m *Machine) Hello(clientID string) Event {
	return Event{Type: EventHello, State: m.Snapshot(), ClientID: clientID}
}

// Snapshot copies the current state, computing expiresIn for the head.
func (m *Machine) Snapshot() Snapshot {
	now := m.clock.Now()
	snap := Snapshot{
		KeyPresent: m.present,
		KeyMissing: m.missing,
		DebugMode:  m.debugMode,
		Queue:      make([]QueueItem, 0, len(m.queue)),
	}
	if !m.takenAt.IsZero() {
		at := m.takenAt
		snap.KeyTakenOn = &at
	}
	if !m.missingSince.IsZero() {
		at := m.missingSince
		snap.KeyMissingSince = &at
	}
	for _, entry := range m.queue {
		item := QueueItem{ClientID: entry.ClientID}
		if entry.HasExpiry() {
			item.Expires = entry.ExpiresAt.UnixMilli()
			item.ExpiryTime = entry.ExpiryDuration.Milliseconds()
			remaining := entry.ExpiresAt.Sub(now).Milliseconds()
			item.ExpiresIn = &remaining
		}
		snap.Queue = append(snap.Queue, item)
	}
	return snap
}

// emit broadcasts exactly one event for a state change and refreshes the
// ambient indicator. It returns the snapshot carried by the event so callers
// can hand the same copy to notifiers.
func (m *Machine) emit(kind EventType, clientID string, success *bool) Snapshot {
	snap := m.Snapshot()
	m.metrics.event(kind, len(m.queue))
	m.indicator.ShowState(snap)
	m.broadcaster.Broadcast(Event{
		Type:     kind,
		State:    snap,
		ClientID: clientID,
		Success:  success,
	})
	return snap
}
