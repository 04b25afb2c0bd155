// Package mm is a reference hal.MemoryManager. RAM is a host arena standing
// in for physical frames; device windows are separately backed ranges that
// only Device placements may map.
package mm

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/tinyrange/captain/internal/hal"
)

const DefaultFrameSize = 0x1000

// Region is a named physical address range.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) contains(addr, size uint64) bool {
	return addr >= r.Base && addr+size <= r.End() && addr+size >= addr
}

// Config describes the physical layout the manager serves.
type Config struct {
	FrameSize uint64
	RAMBase   uint64
	RAMSize   uint64
	Devices   []Region
}

type window struct {
	Region
	backing []byte
	frames  *Bitmap
}

// Stats is a snapshot of frame usage.
type Stats struct {
	FrameSize  uint64
	RAMFrames  int
	FreeFrames int
	Mappings   int
}

// Manager implements hal.MemoryManager.
//
// The manager normally sits behind the platform's Lock, but Mapping.Close
// may run from any owner, so the manager also serialises itself.
type Manager struct {
	mu sync.Mutex

	frameSize uint64
	ram       Region
	arena     []byte
	frames    *Bitmap
	readOnly  *Bitmap
	windows   []*window

	// live holds the mappings sorted by virtual page. They never overlap.
	live []*Mapping
}

var _ hal.MemoryManager = (*Manager)(nil)

// New builds a manager for cfg. Device windows must be frame aligned and must
// not overlap RAM or each other.
func New(cfg Config) (*Manager, error) {
	fs := cfg.FrameSize
	if fs == 0 {
		fs = DefaultFrameSize
	}
	if fs&(fs-1) != 0 {
		return nil, fmt.Errorf("mm: frame size 0x%x is not a power of 2", fs)
	}
	if cfg.RAMBase%fs != 0 || cfg.RAMSize%fs != 0 {
		return nil, fmt.Errorf("mm: RAM [0x%x-0x%x) is not frame aligned", cfg.RAMBase, cfg.RAMBase+cfg.RAMSize)
	}

	arena, err := newArena(cfg.RAMSize)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		frameSize: fs,
		ram:       Region{Name: "ram", Base: cfg.RAMBase, Size: cfg.RAMSize},
		arena:     arena,
		frames:    NewBitmap(int(cfg.RAMSize / fs)),
		readOnly:  NewBitmap(int(cfg.RAMSize / fs)),
	}
	for _, r := range cfg.Devices {
		if err := m.AddDeviceWindow(r); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// AddDeviceWindow registers a range that Device placements may map.
func (m *Manager) AddDeviceWindow(r Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Size == 0 {
		return fmt.Errorf("mm: cannot register zero-size device window %s", r.Name)
	}
	if r.Base%m.frameSize != 0 || r.Size%m.frameSize != 0 {
		return fmt.Errorf("mm: device window %s [0x%x-0x%x) is not frame aligned", r.Name, r.Base, r.End())
	}
	if r.End() < r.Base {
		return fmt.Errorf("mm: device window %s overflows", r.Name)
	}
	if overlaps(r, m.ram) {
		return fmt.Errorf("mm: device window %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			r.Name, r.Base, r.End(), m.ram.Base, m.ram.End())
	}
	for _, w := range m.windows {
		if overlaps(r, w.Region) {
			return fmt.Errorf("mm: device window %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				r.Name, r.Base, r.End(), w.Name, w.Base, w.End())
		}
	}

	backing, err := newArena(r.Size)
	if err != nil {
		return err
	}
	m.windows = append(m.windows, &window{
		Region:  r,
		backing: backing,
		frames:  NewBitmap(int(r.Size / m.frameSize)),
	})
	sort.Slice(m.windows, func(i, j int) bool { return m.windows[i].Base < m.windows[j].Base })
	return nil
}

func overlaps(a, b Region) bool {
	return a.Size != 0 && b.Size != 0 && a.Base < b.End() && b.Base < a.End()
}

// FrameSize implements hal.MemoryManager.
func (m *Manager) FrameSize() uint64 { return m.frameSize }

// MapMemory implements hal.MemoryManager.
func (m *Manager) MapMemory(page uint64, count int, opts hal.MappingOptions) (hal.Mapping, error) {
	if count <= 0 {
		return nil, hal.ErrOutOfRange
	}
	fs := m.frameSize
	if page%fs != 0 {
		return nil, hal.ErrMisaligned
	}
	length := uint64(count) * fs
	if length/fs != uint64(count) || page+length < page {
		return nil, hal.ErrOutOfRange
	}
	if opts.Frame.Placed() && opts.Frame.Addr%fs != 0 {
		return nil, hal.ErrMisaligned
	}

	// Nothing larger than the whole RAM pool can ever be placed.
	if opts.Frame.Kind == hal.FrameNormalAnywhere && count > m.frames.Len() {
		return nil, hal.ErrOutOfFrames
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.search(page)
	if at < len(m.live) && m.live[at].page < page+length {
		return nil, hal.ErrAlreadyMapped
	}

	var (
		frames *Bitmap
		first  int
		phys   uint64
		bytes  []byte
		win    *window
	)
	switch opts.Frame.Kind {
	case hal.FrameNormalAnywhere:
		first = m.frames.FindRun(count)
		if first < 0 {
			return nil, hal.ErrOutOfFrames
		}
		frames = m.frames
		phys = m.ram.Base + uint64(first)*fs
	case hal.FrameNormal:
		phys = opts.Frame.Addr
		if !m.ram.contains(phys, length) {
			return nil, hal.ErrOutOfRange
		}
		first = int((phys - m.ram.Base) / fs)
		frames = m.frames
	case hal.FrameDevice:
		phys = opts.Frame.Addr
		win = m.windowFor(phys, length)
		if win == nil {
			return nil, hal.ErrInvalidDeviceRange
		}
		first = int((phys - win.Base) / fs)
		frames = win.frames
	default:
		return nil, hal.ErrUnsupported
	}

	if frames.AnySet(first, count) {
		return nil, hal.ErrAlreadyMapped
	}

	if win != nil {
		off := phys - win.Base
		bytes = win.backing[off : off+length : off+length]
	} else {
		off := phys - m.ram.Base
		bytes = m.arena[off : off+length : off+length]
		// Fresh RAM frames never leak a previous owner's data.
		clear(bytes)
	}
	if err := protect(bytes, fs, opts.Writeable); err != nil {
		return nil, hal.ErrHardware
	}

	frames.SetRange(first, count)
	if win == nil && !opts.Writeable {
		m.readOnly.SetRange(first, count)
	}
	mp := &Mapping{
		mgr:    m,
		page:   page,
		phys:   phys,
		count:  count,
		first:  first,
		opts:   opts,
		bytes:  bytes,
		frames: frames,
	}
	m.live = slices.Insert(m.live, at, mp)

	slog.Debug("mm: map",
		"page", fmt.Sprintf("0x%x", page),
		"phys", fmt.Sprintf("0x%x", phys),
		"frames", count,
		"placement", opts.Frame.Kind.String(),
		"restricted", opts.Restricted)
	return mp, nil
}

// search returns the index of the first live mapping that ends above va.
// Callers hold mu.
func (m *Manager) search(va uint64) int {
	return sort.Search(len(m.live), func(i int) bool { return m.live[i].end() > va })
}

func (m *Manager) windowFor(addr, size uint64) *window {
	for _, w := range m.windows {
		if w.contains(addr, size) {
			return w
		}
	}
	return nil
}

func (m *Manager) release(mp *Mapping) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mp.bytes == nil {
		return
	}
	if err := protect(mp.bytes, m.frameSize, true); err != nil {
		slog.Warn("mm: restore protection on release", "phys", fmt.Sprintf("0x%x", mp.phys), "err", err)
	}
	if i := m.search(mp.page); i < len(m.live) && m.live[i] == mp {
		m.live = slices.Delete(m.live, i, i+1)
	}
	mp.frames.ClearRange(mp.first, mp.count)
	if mp.frames == m.frames {
		m.readOnly.ClearRange(mp.first, mp.count)
	}
	mp.bytes = nil

	slog.Debug("mm: unmap", "page", fmt.Sprintf("0x%x", mp.page), "frames", mp.count)
}

// Translate resolves a virtual address through the live mappings. A
// user-privilege access to a restricted mapping fails with ErrRestricted.
func (m *Manager) Translate(virt uint64, user bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.search(virt)
	if i == len(m.live) || m.live[i].page > virt {
		return 0, hal.ErrOutOfRange
	}
	mp := m.live[i]
	if user && mp.opts.Restricted {
		return 0, hal.ErrRestricted
	}
	return mp.phys + (virt - mp.page), nil
}

// Stats returns a snapshot of RAM frame usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		FrameSize:  m.frameSize,
		RAMFrames:  m.frames.Len(),
		FreeFrames: m.frames.Free(),
		Mappings:   len(m.live),
	}
}

// Close returns the host memory backing RAM and device windows. Live
// mappings become invalid.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if err := freeArena(m.arena); err != nil && firstErr == nil {
		firstErr = err
	}
	m.arena = nil
	for _, w := range m.windows {
		if err := freeArena(w.backing); err != nil && firstErr == nil {
			firstErr = err
		}
		w.backing = nil
	}
	for _, mp := range m.live {
		mp.bytes = nil
	}
	return firstErr
}

// Mapping implements hal.Mapping.
type Mapping struct {
	mgr    *Manager
	page   uint64
	phys   uint64
	count  int
	first  int
	opts   hal.MappingOptions
	frames *Bitmap

	// bytes is guarded by mgr.mu and is nil once released.
	bytes []byte
}

var _ hal.Mapping = (*Mapping)(nil)

func (mp *Mapping) Bytes() []byte {
	mp.mgr.mu.Lock()
	defer mp.mgr.mu.Unlock()
	return mp.bytes
}

func (mp *Mapping) Len() int {
	return mp.count * int(mp.mgr.frameSize)
}

func (mp *Mapping) end() uint64 {
	return mp.page + uint64(mp.count)*mp.mgr.frameSize
}

func (mp *Mapping) Page() uint64                { return mp.page }
func (mp *Mapping) Physical() uint64            { return mp.phys }
func (mp *Mapping) Options() hal.MappingOptions { return mp.opts }

// Close unmaps the range and frees its frames. Closing twice is a no-op.
func (mp *Mapping) Close() error {
	mp.mgr.release(mp)
	return nil
}
