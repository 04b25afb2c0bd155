// Package gpio provides a bank of general-purpose pins as a
// hal.GpioController.
package gpio

import (
	"sync"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/hal"
)

type pin struct {
	output bool
	// driven is the level the controller drives on an output pin.
	driven bool
	// external is the level applied from outside on an input pin.
	external bool
}

// Bank implements hal.GpioController. A rising edge on an input pin pulses
// the interrupt line.
type Bank struct {
	name string
	irq  chipset.LineInterrupt

	mu   sync.Mutex
	pins []pin
}

var _ hal.GpioController = (*Bank)(nil)

// New returns a bank of count pins, all inputs and low.
func New(name string, count int, irq chipset.LineInterrupt) *Bank {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	return &Bank{name: name, irq: irq, pins: make([]pin, count)}
}

func (b *Bank) Driver() string       { return b.name }
func (b *Bank) Manufacturer() string { return "tinyrange" }
func (b *Bank) Model() string        { return "gpio-bank" }
func (b *Bank) PinCount() int        { return len(b.pins) }

func (b *Bank) valid(n int) error {
	if n < 0 || n >= len(b.pins) {
		return hal.ErrOutOfRange
	}
	return nil
}

// SetOutput implements hal.GpioController.
func (b *Bank) SetOutput(n int, output bool) error {
	if err := b.valid(n); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins[n].output = output
	return nil
}

// WritePin implements hal.GpioController. Writing an input pin fails with
// hal.ErrRestricted.
func (b *Bank) WritePin(n int, high bool) error {
	if err := b.valid(n); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pins[n].output {
		return hal.ErrRestricted
	}
	b.pins[n].driven = high
	return nil
}

// ReadPin implements hal.GpioController. An output pin reads back its
// driven level.
func (b *Bank) ReadPin(n int) (bool, error) {
	if err := b.valid(n); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pins[n]
	if p.output {
		return p.driven, nil
	}
	return p.external, nil
}

// Drive applies an external level to pin n, as a button or another chip
// would.
func (b *Bank) Drive(n int, high bool) error {
	if err := b.valid(n); err != nil {
		return err
	}
	b.mu.Lock()
	p := &b.pins[n]
	rising := !p.external && high && !p.output
	p.external = high
	b.mu.Unlock()
	if rising {
		b.irq.PulseInterrupt()
	}
	return nil
}
