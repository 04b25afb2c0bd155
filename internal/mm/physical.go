package mm

import (
	"log/slog"

	"github.com/tinyrange/captain/internal/hal"
)

// Size is the RAM size in bytes.
func (m *Manager) Size() uint64 { return m.ram.Size }

// ReadAt copies RAM starting at physical address off into p. It is the view
// a bus-mastering device has of memory; device windows are not reachable.
func (m *Manager) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ram, _, err := m.physical(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, ram), nil
}

// WriteAt copies p into RAM at physical address off. Frames behind a
// read-only mapping refuse the write.
func (m *Manager) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ram, first, err := m.physical(off, len(p))
	if err != nil || len(p) == 0 {
		return 0, err
	}
	last := int((uint64(off) + uint64(len(p)) - 1 - m.ram.Base) / m.frameSize)
	if m.readOnly.AnySet(first, last-first+1) {
		if hal.DebugEnabled() {
			slog.Debug("mm: write to read-only frame", "addr", off, "len", len(p))
		}
		return 0, hal.ErrRestricted
	}
	return copy(ram, p), nil
}

func (m *Manager) physical(off int64, n int) ([]byte, int, error) {
	if m.arena == nil && m.ram.Size != 0 {
		return nil, 0, hal.ErrReleased
	}
	if off < 0 || !m.ram.contains(uint64(off), uint64(n)) {
		if hal.DebugEnabled() {
			slog.Debug("mm: physical access outside RAM", "addr", off, "len", n)
		}
		return nil, 0, hal.ErrOutOfRange
	}
	start := uint64(off) - m.ram.Base
	return m.arena[start : start+uint64(n)], int(start / m.frameSize), nil
}
