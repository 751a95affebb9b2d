package ambient

import (
	"sync"
	"testing"
	"time"

	"pkt.systems/keyd/internal/anim"
	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/core"
)

type call struct {
	mask anim.Mask
	to   anim.Color
	done func()
}

type fakeDriver struct {
	mu      sync.Mutex
	calls   []call
	cleared int
}

func (d *fakeDriver) SetAmbientState(mask anim.Mask, _, to anim.Color, _ time.Duration, _ float64, done func()) {
	d.mu.Lock()
	d.calls = append(d.calls, call{mask: mask, to: to, done: done})
	d.mu.Unlock()
}

func (d *fakeDriver) ClearPending() {
	d.mu.Lock()
	d.cleared++
	d.mu.Unlock()
}

func (d *fakeDriver) take() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.calls
	d.calls = nil
	return out
}

func countMask(calls []call, mask anim.Mask) int {
	n := 0
	for _, c := range calls {
		if c.mask == mask {
			n++
		}
	}
	return n
}

func newScenes(t *testing.T) (*Scenes, *fakeDriver, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	drv := &fakeDriver{}
	return New(Config{Driver: drv, Clock: clk}), drv, clk
}

var (
	present = core.Snapshot{KeyPresent: true, Queue: []core.QueueItem{}}
	taken   = core.Snapshot{Queue: []core.QueueItem{}}
	missing = core.Snapshot{KeyMissing: true, Queue: []core.QueueItem{}}
)

func TestPresentShowsGreenRingOnce(t *testing.T) {
	t.Parallel()

	s, drv, _ := newScenes(t)
	s.ShowState(present)
	calls := drv.take()
	if len(calls) != 2 || calls[1].mask != anim.Ring || calls[1].to != anim.Green {
		t.Fatalf("calls = %+v", calls)
	}
	s.ShowState(present)
	if again := drv.take(); len(again) != 0 {
		t.Fatalf("same scene re-triggered: %+v", again)
	}
	if s.Active() != "present" {
		t.Fatalf("active = %s", s.Active())
	}
}

func TestTakenShowsOrangeRing(t *testing.T) {
	t.Parallel()

	s, drv, _ := newScenes(t)
	s.ShowState(taken)
	calls := drv.take()
	if len(calls) != 2 || calls[1].to != anim.Orange {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestMissingPulsesUntilSceneChanges(t *testing.T) {
	t.Parallel()

	s, drv, clk := newScenes(t)
	s.ShowState(missing)
	if calls := drv.take(); len(calls) != 1 || calls[0].to != missingLow {
		t.Fatalf("calls = %+v", calls)
	}
	s.ShowState(missing)
	if len(drv.take()) != 0 {
		t.Fatal("missing scene restarted")
	}

	clk.Advance(pulseInterval)
	calls := drv.take()
	if len(calls) != 1 || calls[0].to != missingHigh || calls[0].done == nil {
		t.Fatalf("pulse calls = %+v", calls)
	}
	calls[0].done()
	if down := drv.take(); len(down) != 1 || down[0].to != missingHigh {
		t.Fatalf("pulse fade back = %+v", down)
	}
	clk.Advance(pulseInterval)
	if len(drv.take()) != 1 {
		t.Fatal("pulse did not repeat")
	}

	s.ShowState(present)
	drv.take()
	clk.Advance(3 * pulseInterval)
	if calls := drv.take(); len(calls) != 0 {
		t.Fatalf("stale pulse after scene change: %+v", calls)
	}
	if clk.Pending() != 0 {
		t.Fatalf("%d timers left behind", clk.Pending())
	}
}

func TestStalePulseCompletionIsDropped(t *testing.T) {
	t.Parallel()

	s, drv, clk := newScenes(t)
	s.ShowState(missing)
	clk.Advance(pulseInterval)
	calls := drv.take()
	s.ShowState(taken)
	drv.take()
	calls[len(calls)-1].done()
	if late := drv.take(); len(late) != 0 {
		t.Fatalf("completion of old scene acted: %+v", late)
	}
}

func TestCountdownRunsSixPhases(t *testing.T) {
	t.Parallel()

	s, drv, clk := newScenes(t)
	hold := 30 * time.Second
	s.Countdown(hold)
	first := drv.take()
	if first[0].mask != anim.Ring || first[0].to != countdownColor {
		t.Fatalf("countdown must fill the ring first: %+v", first[0])
	}
	if countMask(first, anim.Center) != 1 || countMask(first, anim.RingSegment(0)) != 1 {
		t.Fatalf("first frame = %+v", first)
	}

	clk.Advance(hold + time.Minute)
	rest := drv.take()
	segments := 0
	for phase := 1; phase < phases; phase++ {
		segments += countMask(rest, anim.RingSegment(phase))
	}
	if segments != phases-1 {
		t.Fatalf("phase segments = %d", segments)
	}
	if ticks := countMask(rest, anim.Center); ticks != 59 {
		t.Fatalf("centre ticks = %d", ticks)
	}
	if clk.Pending() != 0 {
		t.Fatalf("%d timers left behind", clk.Pending())
	}
}

func TestCountdownStopsOnSceneChange(t *testing.T) {
	t.Parallel()

	s, drv, clk := newScenes(t)
	s.Countdown(30 * time.Second)
	clk.Advance(7 * time.Second)
	s.ShowState(present)
	drv.take()
	clk.Advance(time.Minute)
	if calls := drv.take(); len(calls) != 0 {
		t.Fatalf("countdown kept running: %+v", calls)
	}
}

func TestCountdownKeptWhileQueueWaits(t *testing.T) {
	t.Parallel()

	s, drv, _ := newScenes(t)
	s.Countdown(30 * time.Second)
	drv.take()
	s.ShowState(core.Snapshot{KeyPresent: true, Queue: []core.QueueItem{{ClientID: "a"}}})
	if calls := drv.take(); len(calls) != 0 {
		t.Fatalf("present with queue replaced the countdown: %+v", calls)
	}
	if s.Active() != "countdown" {
		t.Fatalf("active = %s", s.Active())
	}
}
