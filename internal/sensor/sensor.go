// Package sensor turns raw RFID reads from the key hook into debounced
// presence signals.
package sensor

import (
	"context"
	"sync"
	"time"

	"pkt.systems/keyd/internal/clock"
)

// DefaultWatchdogTimeout is how long the tag may stay silent before the key
// is considered taken. The reader repeats a present tag roughly every second.
const DefaultWatchdogTimeout = 3500 * time.Millisecond

// Handler receives presence signals. core.Service implements it.
type Handler interface {
	// SignalSeen fires on every tag read.
	SignalSeen()
	// SignalLost fires once the watchdog expires without a read.
	SignalLost()
	// SensorError reports an unrecoverable failure.
	SensorError(error)
}

// Sensor is a presence source that runs until ctx ends or it fails.
type Sensor interface {
	Run(ctx context.Context) error
}

// Watchdog debounces tag reads: every Read emits SignalSeen and re-arms the
// timeout, and expiry emits SignalLost once.
type Watchdog struct {
	clock   clock.Clock
	timeout time.Duration
	handler Handler

	mu    sync.Mutex
	gen   uint64
	timer clock.Timer
}

// NewWatchdog builds a watchdog. A zero timeout uses DefaultWatchdogTimeout.
func NewWatchdog(clk clock.Clock, timeout time.Duration, handler Handler) *Watchdog {
	if clk == nil {
		clk = clock.Real{}
	}
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	return &Watchdog{clock: clk, timeout: timeout, handler: handler}
}

// Read records one tag read.
func (w *Watchdog) Read() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.expire(gen) })
	w.mu.Unlock()

	w.handler.SignalSeen()
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	w.handler.SignalLost()
}

// Armed reports whether a timeout is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Stop cancels any pending timeout without emitting SignalLost.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

// Null is a sensor that never reports anything. It is used when no reader is
// attached, typically together with debug mode.
type Null struct{}

// Run blocks until ctx ends.
func (Null) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
