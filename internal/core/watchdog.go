package core

import (
	"time"

	"pkt.systems/keyd/internal/clock"
)

// watchdog is a single-slot timer whose firings are honoured only while the
// generation captured at arm time is still current. Arming or cancelling
// bumps the generation, so a callback racing with Stop is dropped.
type watchdog struct {
	gen   uint64
	timer clock.Timer
}

// arm replaces any pending timer. fire runs inside the event loop via post.
func (w *watchdog) arm(clk clock.Clock, d time.Duration, post func(func()), fire func(gen uint64)) {
	w.cancel()
	gen := w.gen
	w.timer = clk.AfterFunc(d, func() {
		post(func() { fire(gen) })
	})
}

func (w *watchdog) cancel() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *watchdog) armed() bool {
	return w.timer != nil
}

// claim reports whether gen is the live timer and, if so, marks it consumed.
func (w *watchdog) claim(gen uint64) bool {
	if w.timer == nil || gen != w.gen {
		return false
	}
	w.timer = nil
	return true
}
