// Package pci is the hosted board's PCI controller. Functions are enumerated
// from the board description and handed out exclusively through Grab.
package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/captain/internal/devices/claim"
	"github.com/tinyrange/captain/internal/hal"
)

// Function describes one PCI function behind the controller.
type Function struct {
	Bus           uint8
	Device        uint8
	Function      uint8
	VendorID      uint16
	DeviceID      uint16
	Class         uint8
	SubClass      uint8
	ProgIF        uint8
	Revision      uint8
	InterruptLine uint8
	// BARs holds the size of each memory BAR; zero means unimplemented.
	BARs []uint32
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("%02x:%02x.%x", k.bus, k.dev, k.fn)
}

type slot struct {
	key    deviceKey
	info   hal.PciDeviceInfo
	config *configSpace
}

// Controller implements hal.PciController.
type Controller struct {
	name         string
	manufacturer string
	model        string

	mu     sync.Mutex
	slots  []*slot
	claims *claim.Set
}

var _ hal.PciController = (*Controller)(nil)

// NewController enumerates fns in the order given, which is the order
// Devices reports them.
func NewController(name string, fns []Function) (*Controller, error) {
	c := &Controller{
		name:         name,
		manufacturer: "tinyrange",
		model:        "ecam-host",
		claims:       claim.New(0),
	}
	for _, fn := range fns {
		if err := c.Attach(fn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Attach adds a function after enumeration, as a hotplug event would.
func (c *Controller) Attach(fn Function) error {
	if fn.Device > 0x1f || fn.Function > 7 {
		return fmt.Errorf("pci: invalid location %02x:%02x.%x", fn.Bus, fn.Device, fn.Function)
	}
	if fn.VendorID == 0xffff || fn.VendorID == 0 {
		return fmt.Errorf("pci: invalid vendor id 0x%04x", fn.VendorID)
	}
	for _, size := range fn.BARs {
		if size != 0 && size&(size-1) != 0 {
			return fmt.Errorf("pci: BAR size 0x%x is not a power of 2", size)
		}
	}

	key := deviceKey{bus: fn.Bus, dev: fn.Device, fn: fn.Function}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.key == key {
			return fmt.Errorf("pci: device already registered at %s", key)
		}
	}
	c.slots = append(c.slots, &slot{
		key: key,
		info: hal.PciDeviceInfo{
			VendorID:             fn.VendorID,
			DeviceID:             fn.DeviceID,
			BaseClassCode:        fn.Class,
			SubClassCode:         fn.SubClass,
			ProgrammingInterface: fn.ProgIF,
		},
		config: newConfigSpace(fn),
	})
	c.claims.Add()
	return nil
}

func (c *Controller) Driver() string       { return c.name }
func (c *Controller) Manufacturer() string { return c.manufacturer }
func (c *Controller) Model() string        { return c.model }

// Devices implements hal.PciController.
func (c *Controller) Devices() []hal.PciDeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hal.PciDeviceInfo, len(c.slots))
	for i, s := range c.slots {
		out[i] = s.info
		out[i].Grabbed = c.claims.Grabbed(i)
	}
	return out
}

// Grab implements hal.PciController.
func (c *Controller) Grab(index int) (hal.PciDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.claims.Grab(index)
	if err != nil {
		return nil, err
	}
	s := c.slots[index]
	slog.Debug("pci: grab", "controller", c.name, "location", s.key.String(), "vendor", s.info.VendorID)
	return &Device{ctrl: c, index: index, token: tok, slot: s}, nil
}

// Ungrab implements hal.PciController.
func (c *Controller) Ungrab(device hal.PciDevice) error {
	d, ok := device.(*Device)
	if !ok || d == nil || d.ctrl != c {
		return hal.ErrNotGrabbed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claims.Release(d.index, d.token); err != nil {
		return err
	}
	slog.Debug("pci: ungrab", "controller", c.name, "location", d.slot.key.String())
	return nil
}

// Device is the exclusive handle to one function.
type Device struct {
	ctrl  *Controller
	index int
	token claim.Token
	slot  *slot
}

var _ hal.PciDevice = (*Device)(nil)

func (d *Device) Index() int { return d.index }

func (d *Device) Info() hal.PciDeviceInfo {
	info := d.slot.info
	info.Grabbed = d.live()
	return info
}

func (d *Device) live() bool {
	d.ctrl.mu.Lock()
	defer d.ctrl.mu.Unlock()
	return d.ctrl.claims.Holds(d.index, d.token)
}

// ReadConfig reads 1, 2 or 4 naturally aligned bytes of config space.
func (d *Device) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if !d.live() {
		return 0xffff_ffff, hal.ErrReleased
	}
	return d.slot.config.read(offset, size)
}

// WriteConfig writes 1, 2 or 4 naturally aligned bytes of config space.
func (d *Device) WriteConfig(offset uint16, size uint8, value uint32) error {
	if !d.live() {
		return hal.ErrReleased
	}
	return d.slot.config.write(offset, size, value)
}
