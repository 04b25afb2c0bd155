package chipset

import (
	"slices"
	"sync"
)

// LineSet wires device interrupt outputs onto numbered lines. Devices that
// allocate the same number share the line wired-OR: it is high while any of
// them holds it high.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	lines map[uint8]*line
}

type line struct {
	owners  []string
	held    []bool
	asserts uint64
}

func (ln *line) high() bool { return slices.Contains(ln.held, true) }

// LineStatus is a snapshot of one allocated line.
type LineStatus struct {
	IRQ    uint8
	Owners []string
	High   bool
	// Asserts counts rising edges of the combined level, pulses included.
	Asserts uint64
}

// NewLineSet forwards level changes to sink. A nil sink drops them.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = InterruptSinkFunc(func(uint8, bool) {})
	}
	return &LineSet{sink: sink, lines: make(map[uint8]*line)}
}

// InterruptSinkFunc adapts a function to an InterruptSink.
type InterruptSinkFunc func(line uint8, level bool)

func (f InterruptSinkFunc) SetIRQ(line uint8, level bool) { f(line, level) }

// AllocateLine connects owner to irq and returns owner's end of it.
func (l *LineSet) AllocateLine(irq uint8, owner string) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lines[irq]
	if !ok {
		ln = &line{}
		l.lines[irq] = ln
	}
	ln.owners = append(ln.owners, owner)
	ln.held = append(ln.held, false)
	return &lineEnd{set: l, irq: irq, slot: len(ln.held) - 1}
}

// Level reports the combined level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lines[irq]
	return ok && ln.high()
}

// Lines returns every allocated line in ascending order.
func (l *LineSet) Lines() []LineStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LineStatus, 0, len(l.lines))
	for irq, ln := range l.lines {
		out = append(out, LineStatus{
			IRQ:     irq,
			Owners:  slices.Clone(ln.owners),
			High:    ln.high(),
			Asserts: ln.asserts,
		})
	}
	slices.SortFunc(out, func(a, b LineStatus) int { return int(a.IRQ) - int(b.IRQ) })
	return out
}

type lineEnd struct {
	set  *LineSet
	irq  uint8
	slot int
}

func (e *lineEnd) SetLevel(high bool) {
	l := e.set
	l.mu.Lock()
	ln := l.lines[e.irq]
	was := ln.high()
	ln.held[e.slot] = high
	now := ln.high()
	if now && !was {
		ln.asserts++
	}
	l.mu.Unlock()

	if now != was {
		l.sink.SetIRQ(e.irq, now)
	}
}

// PulseInterrupt is lost while another owner holds the shared line high;
// the sink never sees an edge.
func (e *lineEnd) PulseInterrupt() {
	l := e.set
	l.mu.Lock()
	ln := l.lines[e.irq]
	held := ln.high()
	if !held {
		ln.asserts++
	}
	l.mu.Unlock()

	if held {
		return
	}
	l.sink.SetIRQ(e.irq, true)
	l.sink.SetIRQ(e.irq, false)
}
