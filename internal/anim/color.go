// Package anim renders timed colour transitions onto the seven LED status
// light: one centre LED surrounded by a ring of six.
package anim

import "fmt"

// Color is a linear RGB colour with alpha, each channel in [0,1]. Alpha is
// used when a transition overlays the colour on the LED's current pixel.
type Color struct {
	R, G, B, A float64
}

// RGB returns an opaque colour.
func RGB(r, g, b float64) Color {
	return Color{R: r, G: g, B: b, A: 1}
}

// Named colours.
var (
	Transparent = Color{}
	Black       = RGB(0, 0, 0)
	White       = RGB(1, 1, 1)
	Red         = RGB(1, 0, 0)
	Green       = RGB(0, 0.5, 0)
	Orange      = RGB(1, 0.647, 0)
)

// Darken scales the colour channels towards black by amount (0..1).
func (c Color) Darken(amount float64) Color {
	f := 1 - clamp(amount)
	return Color{R: c.R * f, G: c.G * f, B: c.B * f, A: c.A}
}

func (c Color) String() string {
	return fmt.Sprintf("rgba(%.2f,%.2f,%.2f,%.2f)", c.R, c.G, c.B, c.A)
}

// Pixel is a packed 0xRRGGBB value as shifted out to the strip.
type Pixel uint32

func (p Pixel) channels() [3]float64 {
	return [3]float64{
		float64((p >> 16) & 0xff),
		float64((p >> 8) & 0xff),
		float64(p & 0xff),
	}
}

func pack(c [3]float64) Pixel {
	return Pixel(byteOf(c[0])<<16 | byteOf(c[1])<<8 | byteOf(c[2]))
}

func byteOf(v float64) uint32 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint32(v)
	}
}

// overlay blends c on top of the current pixel using c's alpha.
func overlay(current Pixel, c Color) [3]float64 {
	bottom := current.channels()
	top := [3]float64{c.R * 255, c.G * 255, c.B * 255}
	a := clamp(c.A)
	var out [3]float64
	for i := range out {
		out[i] = bottom[i] + (top[i]-bottom[i])*a
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// NumLEDs is the number of LEDs on the status light.
const NumLEDs = 7

// Mask selects LEDs by bit position.
type Mask uint8

// LED groups.
const (
	Center Mask = 1 << 0
	Ring   Mask = 0x7e
	All         = Center | Ring
)

// RingSegment returns the single ring LED lit during countdown phase.
func RingSegment(phase int) Mask {
	if phase < 0 {
		phase = -phase
	}
	return Mask(2 << (phase % 6))
}

// Has reports whether led is selected.
func (m Mask) Has(led int) bool {
	return led >= 0 && led < NumLEDs && m&(1<<led) != 0
}
