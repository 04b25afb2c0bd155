// Package chipset carries device interrupt lines to core vectors and polls
// devices that have time-driven work.
package chipset

import "context"

// LineInterrupt is a device's end of an interrupt line. Level triggered
// devices hold the line with SetLevel; edge triggered ones pulse it.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// InterruptSink sees a line every time its combined level changes.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// PollHandler is a device with time-driven work, such as an expiring timer
// deadline or a looped-back frame.
type PollHandler interface {
	Poll(ctx context.Context) error
}

type detached struct{}

func (detached) SetLevel(bool)   {}
func (detached) PulseInterrupt() {}

// LineInterruptDetached is the line of a device built without an interrupt.
func LineInterruptDetached() LineInterrupt { return detached{} }

// LineFunc adapts fn to a LineInterrupt. A pulse is fn(true) then fn(false).
type LineFunc func(high bool)

func (f LineFunc) SetLevel(high bool) { f(high) }

func (f LineFunc) PulseInterrupt() {
	f(true)
	f(false)
}
