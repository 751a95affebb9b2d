// Package notify delivers best-effort notifications about key transitions
// to external channels (chat rooms, mail). Failures are logged and dropped.
package notify

import (
	"fmt"
	"sync"

	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Base implements core.Notifier with no-ops. Embed it to implement only the
// notifications a channel cares about.
type Base struct{}

func (Base) KeyTaken(core.Snapshot)           {}
func (Base) KeyWentMissing(core.Snapshot)     {}
func (Base) KeyMissingOverdue(core.Snapshot)  {}
func (Base) KeyReturned(core.Snapshot)        {}
func (Base) ReservationQueued(core.Snapshot)  {}
func (Base) ReservationRemoved(core.Snapshot) {}

var _ core.Notifier = Base{}

// DefaultQueueSize is the number of notifications buffered per notifier
// before new ones are dropped.
const DefaultQueueSize = 64

// Fanout hands every notification to one worker per wrapped notifier. Each
// worker runs its notifier's calls in the order the core made them, so the
// core never waits on a slow channel and no channel sees them reordered.
type Fanout struct {
	logger  pslog.Logger
	workers []*worker
	pending sync.WaitGroup
	running sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type worker struct {
	notifier core.Notifier
	calls    chan notification
}

type notification struct {
	kind string
	call func(core.Notifier)
}

// NewFanout wraps notifiers and starts their workers. Nil entries are
// skipped.
func NewFanout(logger pslog.Logger, notifiers ...core.Notifier) *Fanout {
	return NewFanoutSize(logger, DefaultQueueSize, notifiers...)
}

// NewFanoutSize is NewFanout with an explicit per-notifier queue size.
func NewFanoutSize(logger pslog.Logger, queueSize int, notifiers ...core.Notifier) *Fanout {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	f := &Fanout{logger: svcfields.WithSubsystem(logger, "notify.fanout")}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		w := &worker{notifier: n, calls: make(chan notification, queueSize)}
		f.workers = append(f.workers, w)
		f.running.Add(1)
		go f.run(w)
	}
	return f
}

// Len returns the number of wrapped notifiers.
func (f *Fanout) Len() int {
	return len(f.workers)
}

// Wait blocks until every accepted notification has returned.
func (f *Fanout) Wait() {
	f.pending.Wait()
}

// Close drains the queued notifications and stops the workers. Later
// notifications are dropped.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, w := range f.workers {
		close(w.calls)
	}
	f.mu.Unlock()
	f.running.Wait()
}

func (f *Fanout) run(w *worker) {
	defer f.running.Done()
	for n := range w.calls {
		f.invoke(w.notifier, n)
	}
}

func (f *Fanout) invoke(target core.Notifier, n notification) {
	defer f.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("notifier panicked", "notification", n.kind, "notifier", fmt.Sprintf("%T", target), "panic", r)
		}
	}()
	n.call(target)
}

func (f *Fanout) dispatch(kind string, call func(core.Notifier)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.logger.Debug("notification after close dropped", "notification", kind)
		return
	}
	for _, w := range f.workers {
		f.pending.Add(1)
		select {
		case w.calls <- notification{kind: kind, call: call}:
		default:
			f.pending.Done()
			f.logger.Warn("notifier queue full, notification dropped", "notification", kind, "notifier", fmt.Sprintf("%T", w.notifier))
		}
	}
}

func (f *Fanout) KeyTaken(s core.Snapshot) {
	f.dispatch("key_taken", func(n core.Notifier) { n.KeyTaken(s) })
}

func (f *Fanout) KeyWentMissing(s core.Snapshot) {
	f.dispatch("key_went_missing", func(n core.Notifier) { n.KeyWentMissing(s) })
}

func (f *Fanout) KeyMissingOverdue(s core.Snapshot) {
	f.dispatch("key_missing_overdue", func(n core.Notifier) { n.KeyMissingOverdue(s) })
}

func (f *Fanout) KeyReturned(s core.Snapshot) {
	f.dispatch("key_returned", func(n core.Notifier) { n.KeyReturned(s) })
}

func (f *Fanout) ReservationQueued(s core.Snapshot) {
	f.dispatch("reservation_queued", func(n core.Notifier) { n.ReservationQueued(s) })
}

func (f *Fanout) ReservationRemoved(s core.Snapshot) {
	f.dispatch("reservation_removed", func(n core.Notifier) { n.ReservationRemoved(s) })
}
