package board

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/captain/internal/hal"
	"github.com/tinyrange/captain/internal/irq"
)

// Core implements hal.Core on the host. The vector table lives behind the
// platform's Lock for this core. Mask, pending and trap state model per-CPU
// registers that the trap entry reads without that Lock, so they carry their
// own mutex.
type Core[K any] struct {
	index        int
	boot         bool
	frequencyHz  uint64
	manufacturer string
	model        string
	table        *irq.Table[K]

	mu      sync.Mutex
	started bool
	mask    irq.Mask
	inTrap  bool
	pending []bool
}

var _ hal.Core[struct{}] = (*Core[struct{}])(nil)

func newCore[K any](index int, cfg CoresConfig) *Core[K] {
	boot := index == cfg.Boot
	return &Core[K]{
		index:        index,
		boot:         boot,
		frequencyHz:  cfg.FrequencyHz,
		manufacturer: cfg.Manufacturer,
		model:        cfg.Model,
		table:        irq.NewTable[K](cfg.Vectors),
		started:      boot,
		pending:      make([]bool, cfg.Vectors),
	}
}

func (c *Core[K]) IsBootProcessor() bool { return c.boot }
func (c *Core[K]) FrequencyHz() uint64   { return c.frequencyHz }
func (c *Core[K]) Manufacturer() string  { return c.manufacturer }
func (c *Core[K]) Model() string         { return c.model }

// IsInUse implements hal.Core.
func (c *Core[K]) IsInUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Start implements hal.Core.
func (c *Core[K]) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return hal.ErrAlreadyStarted
	}
	c.started = true
	slog.Info("board: core started", "core", c.index, "frequencyHz", c.frequencyHz)
	return nil
}

func (c *Core[K]) InterruptHandlers() []hal.BoundHandler[K] {
	return c.table.Bound()
}

func (c *Core[K]) RegisterInterruptHandler(vector int, handler hal.InterruptHandler[K], preferFast bool) error {
	if err := c.table.Register(vector, handler, preferFast); err != nil {
		return err
	}
	slog.Debug("board: handler registered", "core", c.index, "vector", vector, "name", handler.Name, "fast", preferFast)
	return nil
}

func (c *Core[K]) UnregisterInterruptHandler(vector int) (hal.InterruptHandler[K], error) {
	return c.table.Unregister(vector)
}

func (c *Core[K]) Handler(vector int) (hal.InterruptHandler[K], bool) {
	return c.table.Lookup(vector)
}

// DisableInterrupts implements hal.Core.
func (c *Core[K]) DisableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mask.Disable()
}

// EnableInterrupts implements hal.Core. Interrupts that arrived while masked
// stay pending until the board drains them.
func (c *Core[K]) EnableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mask.Enable()
}

func (c *Core[K]) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mask.Enabled()
}

// enterTrap claims the core for one delivery. It latches vector and reports
// false when the core cannot take it now.
func (c *Core[K]) enterTrap(vector int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || !c.mask.Enabled() || c.inTrap {
		c.pending[vector] = true
		return false
	}
	c.inTrap = true
	return true
}

func (c *Core[K]) leaveTrap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inTrap = false
}

func (c *Core[K]) latch(vector int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[vector] = true
}

// takePending removes and returns the lowest pending vector if the core can
// take an interrupt now.
func (c *Core[K]) takePending() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || !c.mask.Enabled() || c.inTrap {
		return 0, false
	}
	for v, p := range c.pending {
		if p {
			c.pending[v] = false
			return v, true
		}
	}
	return 0, false
}

// Pending returns the latched vectors in ascending order.
func (c *Core[K]) Pending() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for v, p := range c.pending {
		if p {
			out = append(out, v)
		}
	}
	return out
}
