package hal

import (
	"fmt"
	"io"
)

// FrameKind selects how the memory manager picks physical frames.
type FrameKind int

const (
	// FrameNormalAnywhere targets any free frame in RAM.
	FrameNormalAnywhere FrameKind = iota
	// FrameNormal targets a specific frame in RAM.
	FrameNormal
	// FrameDevice targets a specific frame mapped uncached, for memory-mapped
	// I/O and configuration space.
	FrameDevice
)

func (k FrameKind) String() string {
	switch k {
	case FrameNormalAnywhere:
		return "normal-anywhere"
	case FrameNormal:
		return "normal"
	case FrameDevice:
		return "device"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is the placement policy of a mapping request.
type Frame struct {
	Kind FrameKind
	// Addr is the physical address of the first frame. Unused for
	// FrameNormalAnywhere.
	Addr uint64
}

// NormalAnywhere places the mapping on any free RAM frames.
func NormalAnywhere() Frame {
	return Frame{Kind: FrameNormalAnywhere}
}

// Normal places the mapping on the RAM frames starting at addr.
func Normal(addr uint64) Frame {
	return Frame{Kind: FrameNormal, Addr: addr}
}

// Device places the mapping, uncached, on the device frames starting at addr.
func Device(addr uint64) Frame {
	return Frame{Kind: FrameDevice, Addr: addr}
}

// Cached reports whether accesses through the mapping may be cached.
func (f Frame) Cached() bool {
	return f.Kind != FrameDevice
}

// Placed reports whether the request names a physical address.
func (f Frame) Placed() bool {
	return f.Kind != FrameNormalAnywhere
}

func (f Frame) String() string {
	if !f.Placed() {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s(0x%x)", f.Kind, f.Addr)
}

// MappingOptions is a mapping request consumed by MemoryManager.MapMemory.
type MappingOptions struct {
	Frame     Frame
	Writeable bool
	// Executable is set when the frames will contain code.
	Executable bool
	// Restricted mappings are reachable from the kernel only.
	Restricted bool
}

// Mapping is an exclusively owned view over mapped frames. The bytes alias
// the physical frames until Close, which unmaps the range and makes the frames
// reclaimable. Closing twice is a no-op.
type Mapping interface {
	io.Closer

	// Bytes returns the mapped range. It is nil after Close.
	Bytes() []byte
	Len() int

	// Page is the virtual address of the first frame.
	Page() uint64
	// Physical is the physical address of the first frame.
	Physical() uint64
	Options() MappingOptions
}

// MemoryManager allocates physical frames and maps them.
type MemoryManager interface {
	FrameSize() uint64
	// MapMemory maps count frames starting at the virtual address page.
	MapMemory(page uint64, count int, options MappingOptions) (Mapping, error)
}
