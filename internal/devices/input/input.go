// Package input provides a HID event queue as a hal.HidInput, fed either
// with decoded events or with raw PS/2 scancode set 1 bytes.
package input

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/hal"
)

// DefaultQueueLen is the number of events held before new ones are dropped.
const DefaultQueueLen = 128

const (
	scancodeExtended = 0xe0
	scancodeRelease  = 0x80

	// ExtendedKey is ORed into the Code of keys sent with the 0xE0 prefix.
	ExtendedKey = 0xe000
)

// Device implements hal.HidInput. The interrupt line is held high while
// events are waiting.
type Device struct {
	name  string
	model string
	irq   chipset.LineInterrupt

	mu       sync.Mutex
	queue    []hal.HidEvent
	limit    int
	extended bool
	dropped  uint64
}

var _ hal.HidInput = (*Device)(nil)

// New returns an empty device. model names the device kind, such as
// "keyboard" or "tablet".
func New(name, model string, irq chipset.LineInterrupt) *Device {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	return &Device{name: name, model: model, irq: irq, limit: DefaultQueueLen}
}

func (d *Device) Driver() string       { return d.name }
func (d *Device) Manufacturer() string { return "tinyrange" }
func (d *Device) Model() string        { return d.model }

// Push queues one event.
func (d *Device) Push(ev hal.HidEvent) {
	d.mu.Lock()
	d.pushLocked(ev)
	d.mu.Unlock()
	d.irq.SetLevel(true)
}

func (d *Device) pushLocked(ev hal.HidEvent) {
	if len(d.queue) >= d.limit {
		d.dropped++
		if d.dropped == 1 {
			slog.Warn("input: event queue full", "device", d.name)
		}
		return
	}
	d.queue = append(d.queue, ev)
}

// SendScancodes decodes scancode set 1 bytes into key events. A 0xE0 prefix
// marks the next code as an extended key.
func (d *Device) SendScancodes(codes []byte) {
	d.mu.Lock()
	pushed := false
	for _, c := range codes {
		if c == scancodeExtended {
			d.extended = true
			continue
		}
		ev := hal.HidEvent{Kind: hal.HidKeyDown, Code: uint16(c &^ scancodeRelease)}
		if c&scancodeRelease != 0 {
			ev.Kind = hal.HidKeyUp
		}
		if d.extended {
			ev.Code |= ExtendedKey
			d.extended = false
		}
		d.pushLocked(ev)
		pushed = true
	}
	d.mu.Unlock()
	if pushed {
		d.irq.SetLevel(true)
	}
}

// MovePointer queues an absolute pointer position.
func (d *Device) MovePointer(x, y int32) {
	d.Push(hal.HidEvent{Kind: hal.HidPointerMove, X: x, Y: y})
}

// Button queues a pointer button transition.
func (d *Device) Button(button uint16, pressed bool) {
	kind := hal.HidButtonUp
	if pressed {
		kind = hal.HidButtonDown
	}
	d.Push(hal.HidEvent{Kind: kind, Code: button})
}

// PollEvent implements hal.HidInput.
func (d *Device) PollEvent() (hal.HidEvent, bool) {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return hal.HidEvent{}, false
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	empty := len(d.queue) == 0
	d.mu.Unlock()
	if empty {
		d.irq.SetLevel(false)
	}
	return ev, true
}

// Dropped returns the number of events lost to a full queue.
func (d *Device) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
