// Package hpet provides a high precision event timer as a hal.Timer. The
// counter follows a host clock; Poll compares it with the armed deadline and
// pulses the interrupt line when it passes.
package hpet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/hal"
)

const (
	clockPeriodFemtoseconds = 10_000_000 // 10ns

	// FrequencyHz is the main counter rate.
	FrequencyHz = 1_000_000_000_000_000 / clockPeriodFemtoseconds
)

// Clock returns the current host time.
type Clock func() time.Time

// Device implements hal.Timer.
type Device struct {
	name  string
	irq   chipset.LineInterrupt
	clock Clock

	mu       sync.Mutex
	start    time.Time
	deadline uint64
	period   uint64
	fired    uint64
}

var (
	_ hal.Timer           = (*Device)(nil)
	_ chipset.PollHandler = (*Device)(nil)
)

// New starts the counter at zero. A nil clock uses time.Now.
func New(name string, irq chipset.LineInterrupt, clock Clock) *Device {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Device{name: name, irq: irq, clock: clock, start: clock()}
}

func (d *Device) Driver() string       { return d.name }
func (d *Device) Manufacturer() string { return "intel" }
func (d *Device) Model() string        { return "hpet" }
func (d *Device) FrequencyHz() uint64  { return FrequencyHz }

// Now implements hal.Timer.
func (d *Device) Now() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counterLocked()
}

func (d *Device) counterLocked() uint64 {
	elapsed := d.clock().Sub(d.start)
	if elapsed < 0 {
		return 0
	}
	return (uint64(elapsed.Nanoseconds()) * 1_000_000) / clockPeriodFemtoseconds
}

// SetDeadline implements hal.Timer. Arming a deadline clears any period.
func (d *Device) SetDeadline(ticks uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadline = ticks
	d.period = 0
	return nil
}

// SetPeriodic fires every period ticks starting one period from now. Zero
// disarms the timer.
func (d *Device) SetPeriodic(period uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.period = period
	if period == 0 {
		d.deadline = 0
		return
	}
	d.deadline = d.counterLocked() + period
}

// Fired returns how many times the line was pulsed.
func (d *Device) Fired() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Poll implements chipset.PollHandler. A periodic timer that fell several
// periods behind fires once and skips to the next future deadline.
func (d *Device) Poll(ctx context.Context) error {
	d.mu.Lock()
	current := d.counterLocked()
	fire := d.deadline != 0 && current >= d.deadline
	if fire {
		if d.period == 0 {
			d.deadline = 0
		} else {
			comp := d.deadline
			for current >= comp {
				comp += d.period
			}
			d.deadline = comp
		}
		d.fired++
	}
	fired := d.fired
	d.mu.Unlock()

	if fire {
		if fired <= 8 {
			slog.Debug("hpet: timer IRQ", "timer", d.name, "counter", current)
		}
		d.irq.PulseInterrupt()
	}
	return nil
}
