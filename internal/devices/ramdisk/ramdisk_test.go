package ramdisk

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tinyrange/captain/internal/hal"
)

func TestReadWriteBlocks(t *testing.T) {
	d, err := New("rd0", 512, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := bytes.Repeat([]byte{0x5a}, 1024)
	if err := d.WriteBlocks(6, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 1024)
	if err := d.ReadBlocks(6, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back different data")
	}
}

func TestBlockErrors(t *testing.T) {
	d, _ := New("rd0", 512, 8)
	tests := []struct {
		name string
		lba  uint64
		size int
		want error
	}{
		{"partial block", 0, 100, hal.ErrMisaligned},
		{"empty", 0, 0, hal.ErrMisaligned},
		{"past end", 8, 512, hal.ErrOutOfRange},
		{"runs off end", 7, 1024, hal.ErrOutOfRange},
		{"huge lba", ^uint64(0), 512, hal.ErrOutOfRange},
	}
	for _, tt := range tests {
		if err := d.ReadBlocks(tt.lba, make([]byte, tt.size)); !errors.Is(err, tt.want) {
			t.Errorf("%s: ReadBlocks = %v, want %v", tt.name, err, tt.want)
		}
	}
	if _, err := New("rd1", 1000, 1); err == nil {
		t.Fatalf("block size 1000 accepted")
	}
}

var errMedium = errors.New("medium error")

type faultyBacking struct{}

func (faultyBacking) ReadAt([]byte, int64) (int, error)  { return 0, errMedium }
func (faultyBacking) WriteAt([]byte, int64) (int, error) { return 0, errMedium }

func TestBackingFailureIsHardwareError(t *testing.T) {
	d := &Disk{name: "rd0", model: "ramdisk", blockSize: 512, blocks: 8, backing: faultyBacking{}}
	buf := make([]byte, 512)
	if err := d.ReadBlocks(0, buf); !errors.Is(err, hal.ErrHardware) {
		t.Fatalf("ReadBlocks = %v, want %v", err, hal.ErrHardware)
	}
	if err := d.WriteBlocks(0, buf); !errors.Is(err, hal.ErrHardware) {
		t.Fatalf("WriteBlocks = %v, want %v", err, hal.ErrHardware)
	}

	allocs := testing.AllocsPerRun(100, func() {
		d.ReadBlocks(0, buf)
		d.WriteBlocks(0, buf)
		d.ReadBlocks(8, buf)
	})
	if allocs != 0 {
		t.Fatalf("failed block transfers allocated %v times", allocs)
	}
}

func TestOpenImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	img := make([]byte, 4096)
	copy(img[512:], "boot")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	d, err := Open("vda", path, 512, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if d.BlockCount() != 8 {
		t.Fatalf("BlockCount = %d, want 8", d.BlockCount())
	}
	buf := make([]byte, 512)
	if err := d.ReadBlocks(1, buf); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if string(buf[:4]) != "boot" {
		t.Fatalf("block 1 = %q, want boot", buf[:4])
	}
	if err := d.WriteBlocks(1, buf); !errors.Is(err, hal.ErrRestricted) {
		t.Fatalf("WriteBlocks on read-only image = %v, want %v", err, hal.ErrRestricted)
	}
}

func writeCompressed(t *testing.T, path string, img []byte, wrap func(io.Writer) (io.WriteCloser, error)) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	defer f.Close()
	w, err := wrap(f)
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	if _, err := w.Write(img); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestOpenCompressedImages(t *testing.T) {
	img := make([]byte, 8192)
	copy(img[1024:], "kernel")

	tests := []struct {
		name  string
		model string
		wrap  func(io.Writer) (io.WriteCloser, error)
	}{
		{"disk.img.lz4", "image-lz4", func(w io.Writer) (io.WriteCloser, error) { return lz4.NewWriter(w), nil }},
		{"disk.img.zst", "image-zstd", func(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name)
			writeCompressed(t, path, img, tt.wrap)

			d, err := Open("vdb", path, 512, false)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer d.Close()
			if d.Model() != tt.model || d.BlockCount() != 16 {
				t.Fatalf("model %q with %d blocks, want %q with 16", d.Model(), d.BlockCount(), tt.model)
			}
			buf := make([]byte, 512)
			if err := d.ReadBlocks(2, buf); err != nil {
				t.Fatalf("ReadBlocks: %v", err)
			}
			if string(buf[:6]) != "kernel" {
				t.Fatalf("block 2 = %q, want kernel", buf[:6])
			}

			// Writes land in memory only.
			copy(buf, "scratch")
			if err := d.WriteBlocks(2, buf); err != nil {
				t.Fatalf("WriteBlocks: %v", err)
			}
			d.Close()
			again, err := Open("vdb", path, 512, true)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			again.ReadBlocks(2, buf)
			if string(buf[:6]) != "kernel" {
				t.Fatalf("write reached the compressed image: %q", buf[:7])
			}
		})
	}
}
