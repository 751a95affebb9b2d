package core

import (
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/session"
	"pkt.systems/pslog"
)

// Default timings used when Config leaves a field zero.
const (
	DefaultMissingTimeout       = 15 * time.Minute
	DefaultMissingNotifyTimeout = 2 * time.Minute
	DefaultQueueHoldTimeout     = 30 * time.Second
	DefaultCleanupGrace         = 3 * time.Second
)

// Config wires the core service to its clock, logger, and collaborators.
// Nil collaborators are replaced with null objects.
type Config struct {
	Logger pslog.Logger
	Clock  clock.Clock

	MissingTimeout       time.Duration
	MissingNotifyTimeout time.Duration
	QueueHoldTimeout     time.Duration
	CleanupGrace         time.Duration

	// DebugMode ignores sensor input and suppresses the overdue escalation.
	DebugMode bool

	Broadcaster Broadcaster
	Notifier    Notifier
	Indicator   Indicator
	Marker      Marker
	// Voucher reports clients known through a side channel; those are never
	// cleaned up on disconnect.
	Voucher session.Voucher
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.MissingTimeout <= 0 {
		c.MissingTimeout = DefaultMissingTimeout
	}
	if c.MissingNotifyTimeout <= 0 {
		c.MissingNotifyTimeout = DefaultMissingNotifyTimeout
	}
	if c.QueueHoldTimeout <= 0 {
		c.QueueHoldTimeout = DefaultQueueHoldTimeout
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = DefaultCleanupGrace
	}
	if c.Broadcaster == nil {
		c.Broadcaster = nopBroadcaster{}
	}
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
	if c.Indicator == nil {
		c.Indicator = nopIndicator{}
	}
	if c.Marker == nil {
		c.Marker = nopMarker{}
	}
	return c
}
