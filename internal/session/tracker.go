package session

import (
	"time"

	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Voucher reports clients known through a side channel (for example a chat
// integration). Vouched clients are never cleaned up on disconnect.
type Voucher interface {
	KnownClient(clientID string) bool
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Clock  clock.Clock
	Logger pslog.Logger
	// Grace is how long a client may stay without connections before it is
	// considered gone.
	Grace time.Duration
	// Post re-enters the owning event loop from timer goroutines. Nil runs
	// callbacks inline.
	Post func(func())
	// Voucher may be nil.
	Voucher Voucher
	// Gone runs inside the event loop once a client is confirmed gone.
	Gone func(clientID string)
}

type pendingCleanup struct {
	gen   uint64
	timer clock.Timer
}

// Tracker debounces client disconnects. Like Registry it must only be used
// from a single event-processing context.
type Tracker struct {
	registry *Registry
	clock    clock.Clock
	logger   pslog.Logger
	grace    time.Duration
	post     func(func())
	voucher  Voucher
	gone     func(string)

	gen     uint64
	pending map[string]pendingCleanup
}

// NewTracker builds a tracker over a fresh registry.
func NewTracker(cfg TrackerConfig) *Tracker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	post := cfg.Post
	if post == nil {
		post = func(fn func()) { fn() }
	}
	gone := cfg.Gone
	if gone == nil {
		gone = func(string) {}
	}
	return &Tracker{
		registry: NewRegistry(),
		clock:    clk,
		logger:   svcfields.WithSubsystem(cfg.Logger, "core.session"),
		grace:    cfg.Grace,
		post:     post,
		voucher:  cfg.Voucher,
		gone:     gone,
		pending:  make(map[string]pendingCleanup),
	}
}

// Connect registers a connection and cancels any pending cleanup for the
// client.
func (t *Tracker) Connect(clientID, connID string) {
	t.registry.Add(clientID, connID)
	if p, ok := t.pending[clientID]; ok {
		p.timer.Stop()
		delete(t.pending, clientID)
		t.logger.Debug("client reconnected within grace", svcfields.ClientKey, clientID, svcfields.ConnKey, connID)
	}
}

// Disconnect removes a connection. When it was the client's last one, a
// cleanup is scheduled after the grace period.
func (t *Tracker) Disconnect(clientID, connID string) {
	if !t.registry.Remove(clientID, connID) {
		return
	}
	if p, ok := t.pending[clientID]; ok {
		p.timer.Stop()
	}
	t.gen++
	gen := t.gen
	timer := t.clock.AfterFunc(t.grace, func() {
		t.post(func() { t.expire(clientID, gen) })
	})
	t.pending[clientID] = pendingCleanup{gen: gen, timer: timer}
	t.logger.Debug("last connection closed, cleanup scheduled", svcfields.ClientKey, clientID, "grace", t.grace)
}

func (t *Tracker) expire(clientID string, gen uint64) {
	p, ok := t.pending[clientID]
	if !ok || p.gen != gen {
		t.logger.Debug("stale cleanup ignored", svcfields.ClientKey, clientID)
		return
	}
	delete(t.pending, clientID)
	if t.registry.Connected(clientID) {
		return
	}
	if t.voucher != nil && t.voucher.KnownClient(clientID) {
		t.logger.Debug("client vouched by side channel, keeping reservation", svcfields.ClientKey, clientID)
		return
	}
	t.logger.Info("last connection for client gone - cleaning up", svcfields.ClientKey, clientID)
	t.gone(clientID)
}

// Pending reports whether a cleanup is scheduled for clientID.
func (t *Tracker) Pending(clientID string) bool {
	_, ok := t.pending[clientID]
	return ok
}

// Connected reports whether clientID has a live connection.
func (t *Tracker) Connected(clientID string) bool {
	return t.registry.Connected(clientID)
}

// Clients returns the number of clients with live connections.
func (t *Tracker) Clients() int {
	return t.registry.Clients()
}
