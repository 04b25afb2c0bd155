package usb

import (
	"errors"
	"testing"

	"github.com/tinyrange/captain/internal/hal"
)

func newTestController() *Controller {
	return NewController("usb0", []Device{
		{VendorID: 0x0627, ProductID: 0x0001, Class: 0x03, Release: 0x0100, Manufacturer: "QEMU", Product: "Tablet", SerialNumber: "42"},
		{VendorID: 0x46f4, ProductID: 0x0001, Class: 0x08, Product: "Disk"},
	})
}

func TestGrabUngrabRestoresInfo(t *testing.T) {
	c := newTestController()
	before := c.Devices()

	dev, err := c.Grab(0)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if !c.Devices()[0].Grabbed {
		t.Fatalf("device 0 not marked grabbed")
	}
	if _, err := c.Grab(0); !errors.Is(err, hal.ErrAlreadyGrabbed) {
		t.Fatalf("second Grab = %v, want %v", err, hal.ErrAlreadyGrabbed)
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
	if err := c.Ungrab(dev); !errors.Is(err, hal.ErrNotGrabbed) {
		t.Fatalf("stale Ungrab = %v, want %v", err, hal.ErrNotGrabbed)
	}
	if _, err := c.Grab(2); !errors.Is(err, hal.ErrOutOfRange) {
		t.Fatalf("Grab(2) = %v, want %v", err, hal.ErrOutOfRange)
	}
}

func TestControlDeviceDescriptor(t *testing.T) {
	c := newTestController()
	dev, err := c.Grab(0)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	defer c.Ungrab(dev)

	buf := make([]byte, 64)
	n, err := dev.Control(hal.UsbSetup{RequestType: 0x80, Request: reqGetDescriptor, Value: descDevice << 8, Length: 18}, buf)
	if err != nil {
		t.Fatalf("Control: %v", err)
	}
	if n != 18 || buf[0] != 18 || buf[1] != descDevice {
		t.Fatalf("descriptor header = % x (n=%d)", buf[:2], n)
	}
	if vid := uint16(buf[8]) | uint16(buf[9])<<8; vid != 0x0627 {
		t.Fatalf("idVendor = 0x%04x, want 0x0627", vid)
	}

	// Short reads are truncated to the requested length.
	n, err = dev.Control(hal.UsbSetup{RequestType: 0x80, Request: reqGetDescriptor, Value: descDevice << 8, Length: 8}, buf)
	if err != nil || n != 8 {
		t.Fatalf("short Control = %d, %v; want 8", n, err)
	}

	n, err = dev.Control(hal.UsbSetup{RequestType: 0x80, Request: reqGetDescriptor, Value: descString<<8 | 2, Length: 255}, buf)
	if err != nil {
		t.Fatalf("string descriptor: %v", err)
	}
	if n != 2+2*len("Tablet") || buf[2] != 'T' || buf[3] != 0 {
		t.Fatalf("product string = % x", buf[:n])
	}

	n, err = dev.Control(hal.UsbSetup{RequestType: 0x80, Request: reqGetDescriptor, Value: descString << 8, Length: 255}, buf)
	if err != nil {
		t.Fatalf("language table: %v", err)
	}
	if n != 4 || buf[2] != 0x09 || buf[3] != 0x04 {
		t.Fatalf("language table = % x, want English (US)", buf[:n])
	}
}

func TestControlConfigurationResetOnUngrab(t *testing.T) {
	c := newTestController()
	dev, _ := c.Grab(1)
	if _, err := dev.Control(hal.UsbSetup{Request: reqSetConfiguration, Value: 1}, nil); err != nil {
		t.Fatalf("SET_CONFIGURATION: %v", err)
	}
	buf := make([]byte, 1)
	if n, _ := dev.Control(hal.UsbSetup{RequestType: 0x80, Request: reqGetConfiguration, Length: 1}, buf); n != 1 || buf[0] != 1 {
		t.Fatalf("GET_CONFIGURATION = %d", buf[0])
	}
	c.Ungrab(dev)

	if _, err := dev.Control(hal.UsbSetup{RequestType: 0x80, Request: reqGetConfiguration, Length: 1}, buf); !errors.Is(err, hal.ErrReleased) {
		t.Fatalf("Control after Ungrab = %v, want %v", err, hal.ErrReleased)
	}
	dev, _ = c.Grab(1)
	defer c.Ungrab(dev)
	if _, err := dev.Control(hal.UsbSetup{RequestType: 0x80, Request: reqGetConfiguration, Length: 1}, buf); err != nil || buf[0] != 0 {
		t.Fatalf("configuration after regrab = %d, %v; want 0", buf[0], err)
	}
}
