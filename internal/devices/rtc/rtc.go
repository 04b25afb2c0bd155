// Package rtc implements a PrimeCell PL031 style real time clock as a
// hal.Timer counting seconds. The match interrupt is level triggered and
// stays asserted until the kernel clears it.
package rtc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/hal"
)

// Register offsets.
const (
	RegData      = 0x00 // counter, read only
	RegMatch     = 0x04
	RegLoad      = 0x08
	RegControl   = 0x0c
	RegMask      = 0x10 // interrupt mask set/clear
	RegRawStatus = 0x14
	RegMasked    = 0x18
	RegClear     = 0x1c // write only

	regPeriphID0 = 0xfe0
	regCellID0   = 0xff0
)

const controlEnable = 1 << 0

var (
	periphID = [4]uint32{0x31, 0x10, 0x04, 0x00}
	cellID   = [4]uint32{0x0d, 0xf0, 0x05, 0xb1}
)

// Clock returns the current host time.
type Clock func() time.Time

// RTC implements hal.Timer at 1Hz.
type RTC struct {
	name  string
	irq   chipset.LineInterrupt
	clock Clock

	mu       sync.Mutex
	loadedAt time.Time
	load     uint32
	match    uint32
	control  uint32
	mask     uint32
	raw      uint32
	// matched is set once the current match value has fired.
	matched bool
}

var (
	_ hal.Timer           = (*RTC)(nil)
	_ chipset.PollHandler = (*RTC)(nil)
)

// New starts the counter at the host's Unix time. A nil clock uses time.Now.
func New(name string, irq chipset.LineInterrupt, clock Clock) *RTC {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &RTC{
		name:     name,
		irq:      irq,
		clock:    clock,
		loadedAt: now,
		load:     uint32(now.Unix()),
		control:  controlEnable,
	}
}

func (r *RTC) Driver() string       { return r.name }
func (r *RTC) Manufacturer() string { return "arm" }
func (r *RTC) Model() string        { return "pl031" }
func (r *RTC) FrequencyHz() uint64  { return 1 }

func (r *RTC) counterLocked() uint32 {
	if r.control&controlEnable == 0 {
		return r.load
	}
	return r.load + uint32(r.clock().Sub(r.loadedAt)/time.Second)
}

// Now implements hal.Timer.
func (r *RTC) Now() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(r.counterLocked())
}

// SetDeadline implements hal.Timer. The counter is 32 bits wide, so
// deadlines past it are out of range. Zero disarms the match interrupt.
func (r *RTC) SetDeadline(ticks uint64) error {
	if ticks > 0xffffffff {
		return hal.ErrOutOfRange
	}
	r.mu.Lock()
	r.match = uint32(ticks)
	if ticks == 0 {
		r.mask = 0
	} else {
		r.mask = 1
	}
	r.raw = 0
	r.matched = false
	level := r.levelLocked()
	r.mu.Unlock()

	r.irq.SetLevel(level)
	return nil
}

// SetTime loads the counter with seconds.
func (r *RTC) SetTime(seconds uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load = seconds
	r.loadedAt = r.clock()
}

// ClearInterrupt drops the match interrupt.
func (r *RTC) ClearInterrupt() {
	r.WriteRegister(RegClear, 1)
}

func (r *RTC) levelLocked() bool {
	return r.raw&r.mask&1 != 0
}

// Poll implements chipset.PollHandler.
func (r *RTC) Poll(ctx context.Context) error {
	r.mu.Lock()
	fire := r.match != 0 && !r.matched && r.counterLocked() >= r.match
	if fire {
		r.raw = 1
		r.matched = true
	}
	level := r.levelLocked()
	r.mu.Unlock()

	if fire {
		slog.Debug("rtc: match", "rtc", r.name, "match", r.match)
		r.irq.SetLevel(level)
	}
	return nil
}

// ReadRegister returns the 32-bit register at offset.
func (r *RTC) ReadRegister(offset uint32) (uint32, error) {
	if offset%4 != 0 {
		return 0, hal.ErrMisaligned
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case offset == RegData:
		return r.counterLocked(), nil
	case offset == RegMatch:
		return r.match, nil
	case offset == RegLoad:
		return r.load, nil
	case offset == RegControl:
		return r.control, nil
	case offset == RegMask:
		return r.mask, nil
	case offset == RegRawStatus:
		return r.raw, nil
	case offset == RegMasked:
		return r.raw & r.mask, nil
	case offset >= regPeriphID0 && offset < regPeriphID0+16:
		return periphID[(offset-regPeriphID0)/4], nil
	case offset >= regCellID0 && offset < regCellID0+16:
		return cellID[(offset-regCellID0)/4], nil
	case offset < 0x1000:
		return 0, nil
	default:
		return 0, hal.ErrOutOfRange
	}
}

// WriteRegister stores value at offset. Read-only registers ignore writes.
func (r *RTC) WriteRegister(offset, value uint32) error {
	if offset%4 != 0 {
		return hal.ErrMisaligned
	}
	if offset >= 0x1000 {
		return hal.ErrOutOfRange
	}
	r.mu.Lock()
	switch offset {
	case RegMatch:
		r.match = value
		r.matched = false
	case RegLoad:
		r.load = value
		r.loadedAt = r.clock()
	case RegControl:
		if r.control&controlEnable != 0 && value&controlEnable == 0 {
			r.load = r.counterLocked()
		} else if r.control&controlEnable == 0 && value&controlEnable != 0 {
			r.loadedAt = r.clock()
		}
		r.control = value
	case RegMask:
		r.mask = value & 1
	case RegClear:
		r.raw &^= value & 1
	}
	level := r.levelLocked()
	r.mu.Unlock()

	r.irq.SetLevel(level)
	return nil
}
