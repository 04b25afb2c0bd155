// Package irq implements the per-core interrupt vector table, the nesting
// interrupt mask and the dispatcher that runs bound handlers with exactly the
// locks their shape asks for.
package irq

import (
	"log/slog"

	"github.com/tinyrange/captain/internal/hal"
)

// DefaultVectors is the table size of an x86-style IDT.
const DefaultVectors = 256

type slot[K any] struct {
	bound   bool
	fast    bool
	handler hal.InterruptHandler[K]
}

// Table maps vector numbers to at most one handler each. It is not safe for
// concurrent use on its own; it lives inside a core, behind the core's Lock.
type Table[K any] struct {
	slots []slot[K]
	bound int
}

// NewTable returns a table with vectors [0, size).
func NewTable[K any](size int) *Table[K] {
	if size <= 0 {
		size = DefaultVectors
	}
	return &Table[K]{slots: make([]slot[K], size)}
}

// Size returns the number of vectors in the table.
func (t *Table[K]) Size() int { return len(t.slots) }

// Len returns the number of bound vectors.
func (t *Table[K]) Len() int { return t.bound }

func (t *Table[K]) valid(vector int) bool {
	return vector >= 0 && vector < len(t.slots)
}

// Register binds handler to vector. A bound vector is never replaced; the
// caller must Unregister first.
func (t *Table[K]) Register(vector int, handler hal.InterruptHandler[K], preferFast bool) error {
	if !t.valid(vector) {
		return hal.ErrInvalidVector
	}
	if handler.Action == nil {
		return hal.ErrNoHandler
	}
	s := &t.slots[vector]
	if s.bound {
		slog.Debug("irq: vector occupied",
			"vector", vector,
			"bound", s.handler.Name,
			"rejected", handler.Name)
		return hal.ErrVectorOccupied
	}
	*s = slot[K]{bound: true, fast: preferFast, handler: handler}
	t.bound++
	return nil
}

// Unregister removes and returns the handler bound to vector.
func (t *Table[K]) Unregister(vector int) (hal.InterruptHandler[K], error) {
	if !t.valid(vector) {
		return hal.InterruptHandler[K]{}, hal.ErrInvalidVector
	}
	s := &t.slots[vector]
	if !s.bound {
		return hal.InterruptHandler[K]{}, hal.ErrNoHandler
	}
	h := s.handler
	*s = slot[K]{}
	t.bound--
	return h, nil
}

// Lookup returns the handler bound to vector.
func (t *Table[K]) Lookup(vector int) (hal.InterruptHandler[K], bool) {
	if !t.valid(vector) || !t.slots[vector].bound {
		return hal.InterruptHandler[K]{}, false
	}
	return t.slots[vector].handler, true
}

// Bound returns every bound vector in ascending order.
func (t *Table[K]) Bound() []hal.BoundHandler[K] {
	out := make([]hal.BoundHandler[K], 0, t.bound)
	for v, s := range t.slots {
		if s.bound {
			out = append(out, hal.BoundHandler[K]{Vector: v, Handler: s.handler, Fast: s.fast})
		}
	}
	return out
}
