// Package ambient maps key state onto scenes for the LED status light.
//
// A scene is a set of transitions plus timers that keep it alive (the
// missing pulse, the countdown phases). Starting a scene bumps a generation
// so timers and completions of the previous scene stop doing anything.
package ambient

import (
	"sync"
	"time"

	"pkt.systems/keyd/internal/anim"
	"pkt.systems/keyd/internal/clock"
	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Scene colours and timings.
var (
	countdownColor = anim.RGB(0, 0.1, 0.7)
	tickColor      = anim.Orange.Darken(0.2)
	missingLow     = anim.RGB(0.6, 0, 0)
	missingHigh    = anim.RGB(0.9, 0, 0)
)

const (
	tickInterval  = 500 * time.Millisecond
	pulseInterval = 4 * time.Second
	pulseFade     = time.Second
	countdownTail = time.Second
	phases        = 6
)

type scene int

const (
	sceneNone scene = iota
	scenePresent
	sceneTaken
	sceneMissing
	sceneCountdown
)

func (s scene) String() string {
	switch s {
	case scenePresent:
		return "present"
	case sceneTaken:
		return "taken"
	case sceneMissing:
		return "missing"
	case sceneCountdown:
		return "countdown"
	default:
		return "none"
	}
}

// Config configures Scenes.
type Config struct {
	Driver anim.Driver
	Clock  clock.Clock
	Logger pslog.Logger
	// Transition is the fade used when switching scenes.
	Transition time.Duration
}

// Scenes implements core.Indicator.
type Scenes struct {
	driver     anim.Driver
	clock      clock.Clock
	logger     pslog.Logger
	transition time.Duration

	mu      sync.Mutex
	gen     uint64
	scene   scene
	timerID uint64
	timers  map[uint64]clock.Timer
}

var _ core.Indicator = (*Scenes)(nil)

// New constructs Scenes. A nil driver selects anim.Null.
func New(cfg Config) *Scenes {
	if cfg.Driver == nil {
		cfg.Driver = anim.Null{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Transition <= 0 {
		cfg.Transition = anim.DefaultTransition
	}
	return &Scenes{
		driver:     cfg.Driver,
		clock:      cfg.Clock,
		logger:     svcfields.WithSubsystem(cfg.Logger, "ambient.scenes"),
		transition: cfg.Transition,
		timers:     make(map[uint64]clock.Timer),
	}
}

// ShowState switches to the scene matching snap. A present key with a
// non-empty queue keeps the running countdown. Re-entering the active scene
// does nothing.
func (s *Scenes) ShowState(snap core.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case snap.KeyMissing:
		if s.scene == sceneMissing {
			return
		}
		gen := s.begin(sceneMissing)
		s.driver.SetAmbientState(anim.Ring, anim.Transparent, missingLow, s.transition, 1, nil)
		s.every(gen, pulseInterval, s.pulse)
	case snap.KeyPresent:
		if len(snap.Queue) > 0 || s.scene == scenePresent {
			return
		}
		s.begin(scenePresent)
		s.driver.SetAmbientState(anim.Center, anim.Transparent, anim.Black, s.transition, 1, nil)
		s.driver.SetAmbientState(anim.Ring, anim.Transparent, anim.Green, s.transition, 1, nil)
	default:
		if s.scene == sceneTaken {
			return
		}
		s.begin(sceneTaken)
		s.driver.SetAmbientState(anim.Center, anim.Transparent, anim.Black, s.transition, 1, nil)
		s.driver.SetAmbientState(anim.Ring, anim.Transparent, anim.Orange, s.transition, 1, nil)
	}
}

// Countdown starts the queue hold animation: the ring fills blue and one
// segment fades out per sixth of hold while the centre blinks orange.
func (s *Scenes) Countdown(hold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.begin(sceneCountdown)
	phaseTime := hold / phases
	stopTicks := s.clock.Now().Add(hold - countdownTail)

	s.driver.SetAmbientState(anim.Ring, anim.Transparent, countdownColor, s.transition, 1, nil)

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		to := anim.Black
		if ticks%2 == 1 {
			to = tickColor
		}
		s.driver.SetAmbientState(anim.Center, anim.Transparent, to, s.transition, 1, nil)
		if s.clock.Now().Before(stopTicks) || ticks%2 == 1 {
			s.after(gen, tickInterval, tick)
		}
	}
	phase := 0
	var nextPhase func()
	nextPhase = func() {
		s.driver.SetAmbientState(anim.RingSegment(phase), countdownColor, anim.Black, phaseTime, 1, nil)
		phase++
		if phase < phases {
			s.after(gen, phaseTime, nextPhase)
		}
	}
	tick()
	nextPhase()
}

func (s *Scenes) pulse(gen uint64) {
	s.driver.SetAmbientState(anim.Ring, anim.Transparent, missingHigh, pulseFade, 1, func() {
		s.guard(gen, func() {
			s.driver.SetAmbientState(anim.Ring, missingLow, missingHigh, pulseFade, -1, nil)
		})
	})
}

// begin stops the previous scene and returns the new generation. Callers
// hold s.mu.
func (s *Scenes) begin(next scene) uint64 {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.gen++
	s.logger.Debug("ambient scene", "from", s.scene.String(), "to", next.String())
	s.scene = next
	s.driver.ClearPending()
	return s.gen
}

// after runs fn once d has passed, unless another scene started meanwhile.
func (s *Scenes) after(gen uint64, d time.Duration, fn func()) {
	s.timerID++
	id := s.timerID
	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, id)
		if gen == s.gen {
			fn()
		}
	})
}

func (s *Scenes) every(gen uint64, d time.Duration, fn func(gen uint64)) {
	var loop func()
	loop = func() {
		fn(gen)
		s.after(gen, d, loop)
	}
	s.after(gen, d, loop)
}

func (s *Scenes) guard(gen uint64, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	fn()
}

// Active returns the name of the running scene.
func (s *Scenes) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene.String()
}
