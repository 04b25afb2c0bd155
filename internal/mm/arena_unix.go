//go:build unix

package mm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// newArena reserves anonymous host memory that stands in for physical
// frames. The returned slice is page aligned.
func newArena(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mm: mmap arena of %d bytes: %w", size, err)
	}
	return b, nil
}

func freeArena(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// protect applies host protection to a mapped range. Only read and write
// are mirrored; execute permission stays with the simulated page tables.
func protect(b []byte, frameSize uint64, writeable bool) error {
	if len(b) == 0 || frameSize%uint64(os.Getpagesize()) != 0 {
		return nil
	}
	prot := unix.PROT_READ
	if writeable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(b, prot)
}
