package board

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tinyrange/captain/internal/hal"
	"github.com/tinyrange/captain/internal/trace"
)

// ErrNotInTrap is returned by Restore on a context whose trap has already
// returned.
var ErrNotInTrap = errors.New("board: restore outside interrupt")

// Dispatcher runs the handler for an interrupt and resumes through Restore.
type Dispatcher interface {
	Dispatch(ctx hal.InterruptContext) error
}

// trapContext is the saved state of one delivery. Restore unwinds to the trap
// entry the way iret returns to the interrupted code.
type trapContext struct {
	core   int
	vector int
	active bool
}

type restoreSignal struct {
	ctx *trapContext
}

func (t *trapContext) Core() int   { return t.core }
func (t *trapContext) Vector() int { return t.vector }

// Restore implements hal.InterruptContext. Inside the trap it does not
// return.
func (t *trapContext) Restore() error {
	if !t.active {
		return ErrNotInTrap
	}
	panic(restoreSignal{ctx: t})
}

// Raise is the trap entry. It delivers vector to core now if the core is
// started, unmasked and not already in a trap; otherwise the vector stays
// pending until DrainPending. A delivery that loses a lock race is latched
// for redelivery and reported as hal.ErrBusy.
func (b *Board[K]) Raise(core, vector int) error {
	if core < 0 || core >= len(b.cores) {
		return hal.ErrOutOfRange
	}
	c := b.cores[core]
	if vector < 0 || vector >= len(c.pending) {
		return hal.ErrInvalidVector
	}
	b.raised.Add(1)
	if b.dispatcher.Load() == nil {
		c.latch(vector)
		b.latched.Add(1)
		b.record(core, vector, trace.Latched, 0)
		return nil
	}
	if !c.enterTrap(vector) {
		b.latched.Add(1)
		b.record(core, vector, trace.Latched, 0)
		return nil
	}
	return b.deliver(c, vector)
}

func (b *Board[K]) record(core, vector int, outcome trace.Outcome, d time.Duration) {
	if w := b.trace.Load(); w != nil {
		w.Record(trace.Event{Core: core, Vector: vector, Outcome: outcome, Duration: d})
	}
}

func outcomeOf(err error) trace.Outcome {
	switch {
	case err == nil:
		return trace.Delivered
	case errors.Is(err, hal.ErrBusy):
		return trace.Busy
	case errors.Is(err, hal.ErrNoHandler):
		return trace.Unhandled
	default:
		return trace.Failed
	}
}

func (b *Board[K]) deliver(c *Core[K], vector int) (err error) {
	d := *b.dispatcher.Load()
	ctx := &trapContext{core: c.index, vector: vector, active: true}
	start := time.Now()
	defer func() {
		ctx.active = false
		c.leaveTrap()
		if r := recover(); r != nil {
			sig, ok := r.(restoreSignal)
			if !ok || sig.ctx != ctx {
				panic(r)
			}
			err = nil
		}
		if errors.Is(err, hal.ErrBusy) {
			c.latch(vector)
			b.latched.Add(1)
		}
		b.record(c.index, vector, outcomeOf(err), time.Since(start))
	}()
	return d.Dispatch(ctx)
}

// DrainPending delivers latched vectors on core, lowest first, until none
// remain or the core cannot take more. A vector with no handler is dropped
// and the drain goes on; any other delivery error stops it. The first error
// is returned.
func (b *Board[K]) DrainPending(core int) error {
	if core < 0 || core >= len(b.cores) {
		return hal.ErrOutOfRange
	}
	if b.dispatcher.Load() == nil {
		return nil
	}
	c := b.cores[core]
	var spurious error
	for {
		v, ok := c.takePending()
		if !ok {
			return spurious
		}
		if !c.enterTrap(v) {
			return spurious
		}
		err := b.deliver(c, v)
		switch {
		case err == nil:
		case errors.Is(err, hal.ErrNoHandler):
			slog.Debug("board: dropped spurious interrupt", "core", core, "vector", v)
			if spurious == nil {
				spurious = err
			}
		default:
			return err
		}
	}
}
