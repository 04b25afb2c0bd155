package irq

// Mask tracks a core's interrupt mask as a nesting depth. Interrupts are
// enabled at depth zero. Enable at depth zero does nothing, so a
// disable/enable pair always restores the state seen before the disable.
type Mask struct {
	depth int
}

// Disable masks interrupts and returns the new depth.
func (m *Mask) Disable() int {
	m.depth++
	return m.depth
}

// Enable undoes one Disable and returns the new depth.
func (m *Mask) Enable() int {
	if m.depth > 0 {
		m.depth--
	}
	return m.depth
}

func (m *Mask) Enabled() bool { return m.depth == 0 }
func (m *Mask) Depth() int    { return m.depth }
