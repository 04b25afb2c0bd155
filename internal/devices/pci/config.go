package pci

import (
	"encoding/binary"

	"github.com/tinyrange/captain/internal/hal"
)

const (
	configSpaceSize = 256

	regVendorID      = 0x00
	regDeviceID      = 0x02
	regCommand       = 0x04
	regStatus        = 0x06
	regRevision      = 0x08
	regProgIF        = 0x09
	regSubClass      = 0x0a
	regClass         = 0x0b
	regHeaderType    = 0x0e
	regInterruptLine = 0x3c
	regInterruptPin  = 0x3d

	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4

	barMemory64 = 0x4
)

// configSpace is the type 0 header of one function. Identity fields are read
// only; the command register, BARs and interrupt line are writable.
type configSpace struct {
	buf     [configSpaceSize]byte
	barSize [type0BARCount]uint32
}

func newConfigSpace(fn Function) *configSpace {
	c := &configSpace{}
	binary.LittleEndian.PutUint16(c.buf[regVendorID:], fn.VendorID)
	binary.LittleEndian.PutUint16(c.buf[regDeviceID:], fn.DeviceID)
	c.buf[regRevision] = fn.Revision
	c.buf[regProgIF] = fn.ProgIF
	c.buf[regSubClass] = fn.SubClass
	c.buf[regClass] = fn.Class
	c.buf[regHeaderType] = 0x00
	c.buf[regInterruptLine] = fn.InterruptLine
	if fn.InterruptLine != 0 {
		c.buf[regInterruptPin] = 1
	}
	for i, size := range fn.BARs {
		if i >= type0BARCount {
			break
		}
		c.barSize[i] = size
	}
	return c
}

func checkAccess(offset uint16, size uint8) error {
	switch size {
	case 1, 2, 4:
	default:
		return hal.ErrUnsupported
	}
	if int(offset)+int(size) > configSpaceSize {
		return hal.ErrOutOfRange
	}
	if offset%uint16(size) != 0 {
		return hal.ErrMisaligned
	}
	return nil
}

func (c *configSpace) read(offset uint16, size uint8) (uint32, error) {
	if err := checkAccess(offset, size); err != nil {
		return 0xffff_ffff, err
	}
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(c.buf[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

func (c *configSpace) write(offset uint16, size uint8, value uint32) error {
	if err := checkAccess(offset, size); err != nil {
		return err
	}
	for i := uint8(0); i < size; i++ {
		reg := offset + uint16(i)
		b := byte(value >> (8 * i))
		switch {
		case reg == regCommand || reg == regCommand+1:
			c.buf[reg] = b
		case reg == regStatus || reg == regStatus+1:
			// Status bits are write-one-to-clear.
			c.buf[reg] &^= b
		case reg == regInterruptLine:
			c.buf[reg] = b
		}
	}
	if size == 4 && offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*type0BARStride {
		c.writeBAR(int((offset-type0BAROffset)/type0BARStride), value)
	}
	return nil
}

// writeBAR implements BAR sizing: writing all ones reads back the size mask,
// anything else is taken as the new base, aligned to the BAR size.
func (c *configSpace) writeBAR(index int, value uint32) {
	size := c.barSize[index]
	off := type0BAROffset + index*type0BARStride
	if size == 0 {
		binary.LittleEndian.PutUint32(c.buf[off:], 0)
		return
	}
	mask := ^(size - 1)
	binary.LittleEndian.PutUint32(c.buf[off:], value&mask)
}
