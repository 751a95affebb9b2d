package core

import "time"

// Enqueue appends clientID to the reservation queue. Clients already queued
// are rejected rather than reordered.
func (m *Machine) Enqueue(clientID string) bool {
	for _, entry := range m.queue {
		if entry.ClientID == clientID {
			m.logger.Info("enqueue rejected: already queued", "client_id", clientID)
			return false
		}
	}
	m.queue = append(m.queue, QueueEntry{ClientID: clientID})
	m.logger.Info("reservation queued", "client_id", clientID, "position", len(m.queue)-1)
	m.recomputeHeadExpiry()
	snap := m.emit(EventReservationQueued, clientID, nil)
	m.notifier.ReservationQueued(snap)
	return true
}

// Leave removes clientID from the queue. It is idempotent and reports whether
// the queue changed.
func (m *Machine) Leave(clientID string) bool {
	return m.removeFromQueue(clientID, false)
}

// Queue returns a copy of the current queue entries.
func (m *Machine) Queue() []QueueEntry {
	out := make([]QueueEntry, len(m.queue))
	copy(out, m.queue)
	return out
}

func (m *Machine) removeFromQueue(clientID string, success bool) bool {
	kept := make([]QueueEntry, 0, len(m.queue))
	for _, entry := range m.queue {
		if entry.ClientID != clientID {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(m.queue) {
		return false
	}
	m.queue = kept
	m.logger.Info("reservation removed", "client_id", clientID, "success", success)
	m.recomputeHeadExpiry()
	snap := m.emit(EventReservationRemoved, clientID, &success)
	m.notifier.ReservationRemoved(snap)
	return true
}

// recomputeHeadExpiry restores the queue invariants: only the head may carry
// an expiry, and only while the key is present. It runs after every queue
// mutation and every custody transition.
func (m *Machine) recomputeHeadExpiry() {
	if m.queueTimer.armed() && (!m.present || len(m.queue) == 0 || !m.queue[0].HasExpiry()) {
		m.queueTimer.cancel()
	}
	for i := range m.queue {
		entry := &m.queue[i]
		if i == 0 && m.present {
			if !entry.HasExpiry() {
				m.armHead(entry)
			}
			continue
		}
		entry.ExpiresAt = time.Time{}
		entry.ExpiryDuration = 0
	}
}

func (m *Machine) armHead(entry *QueueEntry) {
	clientID := entry.ClientID
	entry.ExpiryDuration = m.queueHoldTimeout
	entry.ExpiresAt = m.clock.Now().Add(m.queueHoldTimeout)
	m.queueTimer.arm(m.clock, m.queueHoldTimeout, m.post, func(gen uint64) {
		m.onQueueTimer(gen, clientID)
	})
	m.logger.Debug("queue head hold armed", "client_id", clientID, "expires_at", entry.ExpiresAt)
	m.indicator.Countdown(m.queueHoldTimeout)
}

func (m *Machine) onQueueTimer(gen uint64, clientID string) {
	if !m.queueTimer.claim(gen) {
		m.logger.Debug("stale queue timer ignored", "client_id", clientID, "gen", gen)
		return
	}
	m.logger.Info("queue hold expired", "client_id", clientID)
	m.marker.Mark(TopicQueue, MarkExpired)
	m.metrics.expired()
	m.removeFromQueue(clientID, false)
}
