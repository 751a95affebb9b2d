package anim

import (
	"context"
	"math"
	"sync"
	"time"

	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults for the software animator.
const (
	DefaultFrame      = 10 * time.Millisecond
	DefaultTransition = 250 * time.Millisecond
)

// Driver accepts colour transitions for the status light.
type Driver interface {
	// SetAmbientState fades the LEDs in mask from one colour to another over
	// duration. gamma shapes the progress curve (by^gamma); a negative gamma
	// runs the curve backwards. onComplete, if set, runs after the last frame.
	SetAmbientState(mask Mask, from, to Color, duration time.Duration, gamma float64, onComplete func())
	// ClearPending drops every queued transition. Pixels keep their colour.
	ClearPending()
}

// Strip receives rendered frames.
type Strip interface {
	Render(pixels []Pixel) error
}

// NullStrip discards frames.
type NullStrip struct{}

func (NullStrip) Render([]Pixel) error { return nil }

// LogStrip writes each frame to a trace log.
type LogStrip struct {
	Logger pslog.Logger
}

func (s LogStrip) Render(pixels []Pixel) error {
	if s.Logger == nil {
		return nil
	}
	hex := make([]uint32, len(pixels))
	for i, p := range pixels {
		hex[i] = uint32(p)
	}
	s.Logger.Trace("anim.frame", "pixels", hex)
	return nil
}

type transition struct {
	mask       Mask
	from, to   [NumLEDs][3]float64
	frames     int
	cur        int
	gamma      float64
	onComplete func()
}

func (t *transition) progress() float64 {
	by := float64(t.cur+1) / float64(t.frames)
	switch {
	case t.gamma == 0 || t.gamma == 1:
		return by
	case t.gamma < 0:
		return 1 - math.Pow(by, -t.gamma)
	default:
		return math.Pow(by, t.gamma)
	}
}

// AnimatorConfig configures an Animator.
type AnimatorConfig struct {
	Frame  time.Duration
	Strip  Strip
	Logger pslog.Logger
}

// Animator is the software Driver: Run advances every queued transition one
// frame per tick and renders the result.
type Animator struct {
	frame  time.Duration
	strip  Strip
	logger pslog.Logger

	mu      sync.Mutex
	pixels  [NumLEDs]Pixel
	pending []*transition
}

// NewAnimator builds an animator with the centre LED lit white, as the light
// shows while the service starts up.
func NewAnimator(cfg AnimatorConfig) *Animator {
	if cfg.Frame <= 0 {
		cfg.Frame = DefaultFrame
	}
	if cfg.Strip == nil {
		cfg.Strip = NullStrip{}
	}
	a := &Animator{
		frame:  cfg.Frame,
		strip:  cfg.Strip,
		logger: svcfields.WithSubsystem(cfg.Logger, "anim.animator"),
	}
	a.pixels[0] = 0xffffff
	return a
}

// SetAmbientState implements Driver.
func (a *Animator) SetAmbientState(mask Mask, from, to Color, duration time.Duration, gamma float64, onComplete func()) {
	frames := int(duration / a.frame)
	if frames < 1 {
		frames = 1
	}
	t := &transition{mask: mask, frames: frames, gamma: gamma, onComplete: onComplete}

	a.mu.Lock()
	defer a.mu.Unlock()
	for led := 0; led < NumLEDs; led++ {
		if !mask.Has(led) {
			continue
		}
		t.from[led] = overlay(a.pixels[led], from)
		t.to[led] = overlay(a.pixels[led], to)
	}
	a.pending = append(a.pending, t)
}

// ClearPending implements Driver.
func (a *Animator) ClearPending() {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
}

// Pending returns the number of queued transitions.
func (a *Animator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Pixels returns the current frame.
func (a *Animator) Pixels() []Pixel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Pixel, NumLEDs)
	copy(out, a.pixels[:])
	return out
}

// Tick advances every pending transition by one frame, renders, and then runs
// the completion callbacks of transitions that finished.
func (a *Animator) Tick() {
	a.mu.Lock()
	var done []func()
	kept := a.pending[:0]
	for _, t := range a.pending {
		by := t.progress()
		for led := 0; led < NumLEDs; led++ {
			if !t.mask.Has(led) {
				continue
			}
			var c [3]float64
			for i := range c {
				c[i] = t.from[led][i] + (t.to[led][i]-t.from[led][i])*by
			}
			a.pixels[led] = pack(c)
		}
		t.cur++
		if t.cur < t.frames {
			kept = append(kept, t)
			continue
		}
		if t.onComplete != nil {
			done = append(done, t.onComplete)
		}
	}
	for i := len(kept); i < len(a.pending); i++ {
		a.pending[i] = nil
	}
	a.pending = kept
	frame := make([]Pixel, NumLEDs)
	copy(frame, a.pixels[:])
	a.mu.Unlock()

	if err := a.strip.Render(frame); err != nil {
		a.logger.Warn("anim.render.failed", "error", err)
	}
	for _, fn := range done {
		fn()
	}
}

// Run ticks until ctx ends.
func (a *Animator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.frame)
	defer ticker.Stop()
	a.logger.Debug("animator started", "frame", a.frame)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Null ignores every transition.
type Null struct{}

func (Null) SetAmbientState(Mask, Color, Color, time.Duration, float64, func()) {}
func (Null) ClearPending()                                                      {}
