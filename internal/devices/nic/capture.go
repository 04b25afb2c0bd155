package nic

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

const linkTypeEthernet = 1

// Capture writes every frame crossing a NIC to a libpcap stream, which
// tcpdump and wireshark read directly.
type Capture struct {
	mu            sync.Mutex
	w             io.Writer
	snapLen       uint32
	headerWritten bool
}

// NewCapture wraps out. Frames longer than snapLen are truncated in the
// capture.
func NewCapture(out io.Writer, snapLen uint32) *Capture {
	if snapLen == 0 {
		snapLen = 65535
	}
	return &Capture{w: out, snapLen: snapLen}
}

func (c *Capture) writeHeaderLocked() error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // Major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // Minor version
	binary.LittleEndian.PutUint32(hdr[16:20], c.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeEthernet)
	if _, err := c.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("nic: write capture header: %w", err)
	}
	c.headerWritten = true
	return nil
}

// WriteFrame appends one record, emitting the file header first if needed.
func (c *Capture) WriteFrame(ts time.Time, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.headerWritten {
		if err := c.writeHeaderLocked(); err != nil {
			return err
		}
	}
	captured := len(frame)
	if uint32(captured) > c.snapLen {
		captured = int(c.snapLen)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(captured))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
	if _, err := c.w.Write(rec[:]); err != nil {
		return fmt.Errorf("nic: write capture record: %w", err)
	}
	if _, err := c.w.Write(frame[:captured]); err != nil {
		return fmt.Errorf("nic: write capture data: %w", err)
	}
	return nil
}
