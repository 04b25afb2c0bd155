// Package fwcfg implements a fw_cfg style firmware configuration device. The
// host publishes named blobs; the kernel finds them through the file
// directory and reads them through the data register or with a DMA
// descriptor placed in RAM.
package fwcfg

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/captain/internal/hal"
)

// Register offsets inside the window.
const (
	RegData     = 0x00 // streams the selected item, up to 8 bytes per access
	RegSelector = 0x08 // 16-bit, big endian
	RegDMA      = 0x10 // 64-bit descriptor address, big endian

	DefaultBase = 0x09020000
	WindowSize  = 0x1000
)

// Well known selectors.
const (
	SelectSignature = 0x0000
	SelectID        = 0x0001
	SelectFileDir   = 0x0019
	FirstFile       = 0x0020
)

// DMA control bits. A completed descriptor has its control word cleared, or
// set to DMAError.
const (
	DMAError  = 1 << 0
	DMARead   = 1 << 1
	DMASkip   = 1 << 2
	DMASelect = 1 << 3
	DMAWrite  = 1 << 4
)

const (
	featureTraditional = 1 << 0
	featureDMA         = 1 << 1

	// MaxName includes the terminating NUL of a directory entry.
	MaxName  = 56
	dirEntry = 64
)

// Memory is the device's bus master view of physical RAM. Size is the RAM
// size in bytes and bounds a single transfer.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	Size() uint64
}

type file struct {
	name     string
	selector uint16
	data     []byte
	onWrite  func([]byte) error
}

// Device holds the published files and the register state.
type Device struct {
	mem Memory

	mu       sync.Mutex
	selector uint16
	offset   uint32
	dmaHigh  uint32
	files    map[uint16]*file
	byName   map[string]*file
	next     uint16
	dir      []byte
}

// New returns an empty device. A nil mem leaves only the data register.
func New(mem Memory) *Device {
	d := &Device{
		mem:    mem,
		files:  make(map[uint16]*file),
		byName: make(map[string]*file),
		next:   FirstFile,
	}
	d.rebuild()
	return d
}

// Add publishes a read-only file and returns its selector. Adding a name
// again replaces the contents and keeps the selector.
func (d *Device) Add(name string, data []byte) (uint16, error) {
	return d.AddWritable(name, data, nil)
}

// AddWritable publishes a file the kernel may also write by DMA. onWrite
// sees each write; the file keeps the written bytes when it succeeds.
func (d *Device) AddWritable(name string, data []byte, onWrite func([]byte) error) (uint16, error) {
	if name == "" || len(name) >= MaxName {
		return 0, fmt.Errorf("fwcfg: file name %q must be 1 to %d bytes", name, MaxName-1)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.byName[name]; ok {
		f.data, f.onWrite = data, onWrite
		d.rebuild()
		return f.selector, nil
	}
	if d.next == 0 {
		return 0, fmt.Errorf("fwcfg: no selector left for %q", name)
	}
	f := &file{name: name, selector: d.next, data: data, onWrite: onWrite}
	d.next++
	d.files[f.selector] = f
	d.byName[name] = f
	d.rebuild()
	return f.selector, nil
}

// File returns the current contents of a published file.
func (d *Device) File(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	return f.data, true
}

// Reset selects the signature and rewinds the data stream.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selector, d.offset, d.dmaHigh = SelectSignature, 0, 0
}

// rebuild lays the directory out as a big endian count followed by 64 byte
// entries of size, selector, reserved and name. Callers hold mu.
func (d *Device) rebuild() {
	selectors := make([]uint16, 0, len(d.files))
	for sel := range d.files {
		selectors = append(selectors, sel)
	}
	sort.Slice(selectors, func(i, j int) bool { return selectors[i] < selectors[j] })

	dir := make([]byte, 4+len(selectors)*dirEntry)
	binary.BigEndian.PutUint32(dir, uint32(len(selectors)))
	for i, sel := range selectors {
		f := d.files[sel]
		e := dir[4+i*dirEntry:]
		binary.BigEndian.PutUint32(e[0:4], uint32(len(f.data)))
		binary.BigEndian.PutUint16(e[4:6], f.selector)
		copy(e[8:8+MaxName-1], f.name)
	}
	d.dir = dir
}

// selected returns the bytes behind the current selector. Callers hold mu.
func (d *Device) selected() []byte {
	switch d.selector {
	case SelectSignature:
		return []byte("QEMU")
	case SelectID:
		id := uint32(featureTraditional)
		if d.mem != nil {
			id |= featureDMA
		}
		return binary.LittleEndian.AppendUint32(nil, id)
	case SelectFileDir:
		return d.dir
	}
	if f, ok := d.files[d.selector]; ok {
		return f.data
	}
	return nil
}

// ReadRegister reads len(data) bytes at offset. Data register reads past the
// end of the selected item return zeros.
func (d *Device) ReadRegister(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > WindowSize {
		return fmt.Errorf("fwcfg: read of %d bytes at 0x%x: %w", len(data), offset, hal.ErrOutOfRange)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset+uint64(len(data)) <= RegSelector:
		item := d.selected()
		for i := range data {
			if int(d.offset) < len(item) {
				data[i] = item[d.offset]
				d.offset++
			} else {
				data[i] = 0
			}
		}
	case offset == RegSelector && len(data) == 2:
		binary.BigEndian.PutUint16(data, d.selector)
	default:
		clear(data)
	}
	return nil
}

// WriteRegister handles selector and DMA address writes. The DMA address may
// arrive as one 64-bit write or as high then low halves; the transfer starts
// once the low half lands.
func (d *Device) WriteRegister(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > WindowSize {
		return fmt.Errorf("fwcfg: write of %d bytes at 0x%x: %w", len(data), offset, hal.ErrOutOfRange)
	}

	switch {
	case offset == RegSelector && len(data) == 2:
		d.mu.Lock()
		d.selector = binary.BigEndian.Uint16(data)
		d.offset = 0
		d.mu.Unlock()
		return nil
	case offset == RegDMA && len(data) == 8:
		return d.dma(binary.BigEndian.Uint64(data))
	case offset == RegDMA && len(data) == 4:
		d.mu.Lock()
		d.dmaHigh = binary.BigEndian.Uint32(data)
		d.mu.Unlock()
		return nil
	case offset == RegDMA+4 && len(data) == 4:
		d.mu.Lock()
		high := d.dmaHigh
		d.mu.Unlock()
		return d.dma(uint64(high)<<32 | uint64(binary.BigEndian.Uint32(data)))
	case offset == RegSelector, offset == RegDMA, offset == RegDMA+4:
		return fmt.Errorf("fwcfg: %d byte write to register 0x%x: %w", len(data), offset, hal.ErrMisaligned)
	}
	slog.Debug("fwcfg: ignored write", "offset", fmt.Sprintf("0x%x", offset), "len", len(data))
	return nil
}

// dma runs the 16 byte big endian descriptor at addr: control, length and
// target address. The status goes back into the control word.
func (d *Device) dma(addr uint64) error {
	if d.mem == nil {
		return fmt.Errorf("fwcfg: dma: %w", hal.ErrUnsupported)
	}
	var desc [16]byte
	if _, err := d.mem.ReadAt(desc[:], int64(addr)); err != nil {
		return fmt.Errorf("fwcfg: read dma descriptor at 0x%x: %w", addr, err)
	}
	status := d.transfer(
		binary.BigEndian.Uint32(desc[0:4]),
		binary.BigEndian.Uint32(desc[4:8]),
		binary.BigEndian.Uint64(desc[8:16]))

	if _, err := d.mem.WriteAt(binary.BigEndian.AppendUint32(nil, status), int64(addr)); err != nil {
		return fmt.Errorf("fwcfg: complete dma descriptor at 0x%x: %w", addr, err)
	}
	return nil
}

func (d *Device) transfer(control, length uint32, target uint64) uint32 {
	if control&(DMARead|DMAWrite) != 0 && uint64(length) > d.mem.Size() {
		slog.Debug("fwcfg: dma length exceeds ram", "length", length)
		return DMAError
	}

	d.mu.Lock()
	if control&DMASelect != 0 {
		d.selector = uint16(control >> 16)
		d.offset = 0
	}

	switch {
	case control&DMARead != 0:
		item := d.selected()
		start := min(int(d.offset), len(item))
		end := min(start+int(length), len(item))
		// The tail past the item reads as zeros.
		chunk := make([]byte, length)
		copy(chunk, item[start:end])
		d.offset += uint32(end - start)
		d.mu.Unlock()

		if _, err := d.mem.WriteAt(chunk, int64(target)); err != nil {
			slog.Debug("fwcfg: dma read failed", "target", fmt.Sprintf("0x%x", target), "err", err)
			return DMAError
		}
		return 0

	case control&DMAWrite != 0:
		f := d.files[d.selector]
		var onWrite func([]byte) error
		if f != nil {
			onWrite = f.onWrite
		}
		d.mu.Unlock()

		if onWrite == nil {
			slog.Debug("fwcfg: dma write to read-only item", "selector", fmt.Sprintf("0x%x", control>>16))
			return DMAError
		}
		buf := make([]byte, length)
		if _, err := d.mem.ReadAt(buf, int64(target)); err != nil {
			slog.Debug("fwcfg: dma write failed", "target", fmt.Sprintf("0x%x", target), "err", err)
			return DMAError
		}
		if err := onWrite(buf); err != nil {
			slog.Warn("fwcfg: write handler failed", "file", f.name, "err", err)
			return DMAError
		}
		d.mu.Lock()
		f.data = buf
		d.rebuild()
		d.mu.Unlock()
		return 0

	case control&DMASkip != 0:
		d.offset += length
	}
	d.mu.Unlock()
	return 0
}
