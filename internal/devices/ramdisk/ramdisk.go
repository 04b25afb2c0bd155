// Package ramdisk provides block storage as a hal.StorageController, backed
// by host memory or by a disk image file. lz4 and zstd compressed images are
// inflated into memory; writes to them are not persisted.
package ramdisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tinyrange/captain/internal/hal"
)

const (
	lz4FrameMagic  = 0x184d2204
	zstdFrameMagic = 0xfd2fb528
)

const DefaultBlockSize = 512

// Backing is the byte store under a disk.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

type memBacking []byte

func (m memBacking) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m memBacking) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

// Disk implements hal.StorageController.
type Disk struct {
	name      string
	model     string
	blockSize uint32
	blocks    uint64
	readOnly  bool

	mu      sync.Mutex
	backing Backing
	closer  io.Closer
}

var _ hal.StorageController = (*Disk)(nil)

// New returns a zeroed in-memory disk.
func New(name string, blockSize uint32, blocks uint64) (*Disk, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	return &Disk{
		name:      name,
		model:     "ramdisk",
		blockSize: blockSize,
		blocks:    blocks,
		backing:   make(memBacking, uint64(blockSize)*blocks),
	}, nil
}

// Open serves the image at path. The image size, after decompression for
// compressed images, must be a whole number of blocks.
func Open(name, path string, blockSize uint32, readOnly bool) (*Disk, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("ramdisk: open image: %w", err)
	}

	var head [4]byte
	if n, _ := f.ReadAt(head[:], 0); n == len(head) {
		switch binary.LittleEndian.Uint32(head[:]) {
		case lz4FrameMagic:
			defer f.Close()
			return inflate(name, path, "image-lz4", lz4.NewReader(f), blockSize, readOnly)
		case zstdFrameMagic:
			defer f.Close()
			dec, err := zstd.NewReader(f)
			if err != nil {
				return nil, fmt.Errorf("ramdisk: %s: %w", path, err)
			}
			defer dec.Close()
			return inflate(name, path, "image-zstd", dec, blockSize, readOnly)
		}
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ramdisk: stat image: %w", err)
	}
	if st.Size()%int64(blockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("ramdisk: image %s size %d is not a multiple of %d", path, st.Size(), blockSize)
	}
	return &Disk{
		name:      name,
		model:     "image",
		blockSize: blockSize,
		blocks:    uint64(st.Size()) / uint64(blockSize),
		readOnly:  readOnly,
		backing:   f,
		closer:    f,
	}, nil
}

func inflate(name, path, model string, r io.Reader, blockSize uint32, readOnly bool) (*Disk, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("ramdisk: decompress %s: %w", path, err)
	}
	if buf.Len()%int(blockSize) != 0 {
		return nil, fmt.Errorf("ramdisk: image %s inflates to %d bytes, not a multiple of %d", path, buf.Len(), blockSize)
	}
	slog.Debug("ramdisk: inflated image", "disk", name, "path", path, "bytes", buf.Len(), "model", model)
	return &Disk{
		name:      name,
		model:     model,
		blockSize: blockSize,
		blocks:    uint64(buf.Len()) / uint64(blockSize),
		readOnly:  readOnly,
		backing:   memBacking(buf.Bytes()),
	}, nil
}

func checkBlockSize(bs uint32) error {
	if bs < 512 || bs&(bs-1) != 0 {
		return fmt.Errorf("ramdisk: block size %d is not a power of 2 of at least 512", bs)
	}
	return nil
}

func (d *Disk) Driver() string       { return d.name }
func (d *Disk) Manufacturer() string { return "tinyrange" }
func (d *Disk) Model() string        { return d.model }
func (d *Disk) BlockSize() uint32    { return d.blockSize }
func (d *Disk) BlockCount() uint64   { return d.blocks }

func (d *Disk) check(lba uint64, buf []byte) (int64, error) {
	if len(buf) == 0 || len(buf)%int(d.blockSize) != 0 {
		return 0, hal.ErrMisaligned
	}
	count := uint64(len(buf)) / uint64(d.blockSize)
	if lba >= d.blocks || count > d.blocks-lba {
		return 0, hal.ErrOutOfRange
	}
	return int64(lba) * int64(d.blockSize), nil
}

// ReadBlocks implements hal.StorageController. buf must hold a whole number
// of blocks.
func (d *Disk) ReadBlocks(lba uint64, buf []byte) error {
	off, err := d.check(lba, buf)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.backing.ReadAt(buf, off); err != nil && err != io.EOF {
		if hal.DebugEnabled() {
			slog.Debug("ramdisk: read failed", "disk", d.name, "lba", lba, "err", err)
		}
		return hal.ErrHardware
	}
	return nil
}

// WriteBlocks implements hal.StorageController.
func (d *Disk) WriteBlocks(lba uint64, buf []byte) error {
	if d.readOnly {
		return hal.ErrRestricted
	}
	off, err := d.check(lba, buf)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.backing.WriteAt(buf, off); err != nil {
		if hal.DebugEnabled() {
			slog.Debug("ramdisk: write failed", "disk", d.name, "lba", lba, "err", err)
		}
		return hal.ErrHardware
	}
	return nil
}

// Close releases an image file. It is a no-op for in-memory disks.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}
