package pci

import (
	"errors"
	"testing"

	"github.com/tinyrange/captain/internal/hal"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController("pci0", []Function{
		{Device: 0, VendorID: 0x8086, DeviceID: 0x29c0, Class: 0x06},
		{Device: 1, VendorID: 0x1af4, DeviceID: 0x1041, Class: 0x02, InterruptLine: 11, BARs: []uint32{0x1000}},
		{Device: 2, VendorID: 0x1b36, DeviceID: 0x000d, Class: 0x0c, SubClass: 0x03, ProgIF: 0x30},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func TestGrabUngrabRoundTrip(t *testing.T) {
	c := newTestController(t)
	before := c.Devices()

	dev, err := c.Grab(1)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if !c.Devices()[1].Grabbed || !dev.Info().Grabbed {
		t.Fatalf("device 1 not marked grabbed")
	}
	if err := c.Ungrab(dev); err != nil {
		t.Fatalf("Ungrab: %v", err)
	}

	after := c.Devices()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("device %d = %+v after round trip, want %+v", i, after[i], before[i])
		}
	}
}

func TestGrabTwiceFails(t *testing.T) {
	c := newTestController(t)
	if _, err := c.Grab(0); err != nil {
		t.Fatalf("Grab: %v", err)
	}
	before := c.Devices()
	if _, err := c.Grab(0); !errors.Is(err, hal.ErrAlreadyGrabbed) {
		t.Fatalf("second Grab = %v, want %v", err, hal.ErrAlreadyGrabbed)
	}
	after := c.Devices()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("failed Grab changed device %d", i)
		}
	}
}

func TestGrabOutOfRange(t *testing.T) {
	c := newTestController(t)
	for _, idx := range []int{-1, 3, 100} {
		if _, err := c.Grab(idx); !errors.Is(err, hal.ErrOutOfRange) {
			t.Fatalf("Grab(%d) = %v, want %v", idx, err, hal.ErrOutOfRange)
		}
	}
}

func TestUngrabStaleOrForeignHandle(t *testing.T) {
	c := newTestController(t)
	other := newTestController(t)

	dev, err := c.Grab(2)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if err := other.Ungrab(dev); !errors.Is(err, hal.ErrNotGrabbed) {
		t.Fatalf("foreign Ungrab = %v, want %v", err, hal.ErrNotGrabbed)
	}
	if err := c.Ungrab(dev); err != nil {
		t.Fatalf("Ungrab: %v", err)
	}
	if err := c.Ungrab(dev); !errors.Is(err, hal.ErrNotGrabbed) {
		t.Fatalf("stale Ungrab = %v, want %v", err, hal.ErrNotGrabbed)
	}

	// A stale handle must not release a newer grab of the same device.
	again, err := c.Grab(2)
	if err != nil {
		t.Fatalf("re-Grab: %v", err)
	}
	if err := c.Ungrab(dev); !errors.Is(err, hal.ErrNotGrabbed) {
		t.Fatalf("stale Ungrab over live grab = %v, want %v", err, hal.ErrNotGrabbed)
	}
	if !again.Info().Grabbed {
		t.Fatalf("live grab lost to stale handle")
	}
	if _, err := dev.ReadConfig(0, 4); !errors.Is(err, hal.ErrReleased) {
		t.Fatalf("ReadConfig on stale handle = %v, want %v", err, hal.ErrReleased)
	}
}

func TestConfigSpace(t *testing.T) {
	c := newTestController(t)
	dev, err := c.Grab(1)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	defer c.Ungrab(dev)

	id, err := dev.ReadConfig(regVendorID, 4)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if id != 0x1041_1af4 {
		t.Fatalf("vendor/device = 0x%08x, want 0x10411af4", id)
	}
	if line, _ := dev.ReadConfig(regInterruptLine, 1); line != 11 {
		t.Fatalf("interrupt line = %d, want 11", line)
	}

	// Vendor ID is read only.
	if err := dev.WriteConfig(regVendorID, 2, 0xdead); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if v, _ := dev.ReadConfig(regVendorID, 2); v != 0x1af4 {
		t.Fatalf("vendor after write = 0x%04x, want 0x1af4", v)
	}

	// BAR sizing.
	if err := dev.WriteConfig(type0BAROffset, 4, 0xffff_ffff); err != nil {
		t.Fatalf("WriteConfig BAR: %v", err)
	}
	if v, _ := dev.ReadConfig(type0BAROffset, 4); v != 0xffff_f000 {
		t.Fatalf("BAR size mask = 0x%08x, want 0xfffff000", v)
	}
	dev.WriteConfig(type0BAROffset, 4, 0xfebf_1234)
	if v, _ := dev.ReadConfig(type0BAROffset, 4); v != 0xfebf_1000 {
		t.Fatalf("BAR base = 0x%08x, want 0xfebf1000", v)
	}

	tests := []struct {
		name   string
		offset uint16
		size   uint8
		want   error
	}{
		{"misaligned", 0x02, 4, hal.ErrMisaligned},
		{"past end", 0xfe, 4, hal.ErrOutOfRange},
		{"odd size", 0x00, 3, hal.ErrUnsupported},
	}
	for _, tt := range tests {
		if _, err := dev.ReadConfig(tt.offset, tt.size); !errors.Is(err, tt.want) {
			t.Errorf("%s: ReadConfig = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestAttachRejectsDuplicates(t *testing.T) {
	c := newTestController(t)
	if err := c.Attach(Function{Device: 1, VendorID: 0x1234}); err == nil {
		t.Fatalf("Attach at an occupied location succeeded")
	}
	if err := c.Attach(Function{Device: 5, VendorID: 0x1234}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := len(c.Devices()); got != 4 {
		t.Fatalf("len(Devices) = %d, want 4", got)
	}
	if _, err := c.Grab(3); err != nil {
		t.Fatalf("Grab hotplugged device: %v", err)
	}
}
