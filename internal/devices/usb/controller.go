// Package usb is the hosted board's USB host controller. Devices answer the
// standard endpoint zero requests from the descriptors they were attached
// with.
package usb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf16"

	"github.com/tinyrange/captain/internal/devices/claim"
	"github.com/tinyrange/captain/internal/hal"
)

const (
	reqGetStatus        = 0x00
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09

	descDevice = 0x01
	descString = 0x03

	dirDeviceToHost = 0x80

	langEnglishUS = 0x0409
)

// Device describes one attached USB device.
type Device struct {
	VendorID     uint16
	ProductID    uint16
	Class        uint8
	SubClass     uint8
	Protocol     uint8
	Release      uint16
	Manufacturer string
	Product      string
	SerialNumber string
}

type port struct {
	desc   Device
	addr   uint8
	config uint8
}

// Controller implements hal.UsbController.
type Controller struct {
	name string

	mu     sync.Mutex
	ports  []*port
	claims *claim.Set
}

var _ hal.UsbController = (*Controller)(nil)

func NewController(name string, devices []Device) *Controller {
	c := &Controller{name: name, claims: claim.New(0)}
	for _, d := range devices {
		c.Attach(d)
	}
	return c
}

// Attach connects a device to the next free port and returns its index.
func (c *Controller) Attach(d Device) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports = append(c.ports, &port{desc: d})
	idx := c.claims.Add()
	slog.Debug("usb: attach", "controller", c.name, "index", idx,
		"vendor", fmt.Sprintf("%04x", d.VendorID), "product", fmt.Sprintf("%04x", d.ProductID))
	return idx
}

func (c *Controller) Driver() string       { return c.name }
func (c *Controller) Manufacturer() string { return "tinyrange" }
func (c *Controller) Model() string        { return "xhci" }

func (c *Controller) info(i int) hal.UsbDeviceInfo {
	d := c.ports[i].desc
	return hal.UsbDeviceInfo{
		VendorID:     d.VendorID,
		DeviceID:     d.ProductID,
		Class:        d.Class,
		SubClass:     d.SubClass,
		Protocol:     d.Protocol,
		Release:      d.Release,
		Manufacturer: d.Manufacturer,
		Product:      d.Product,
		SerialNumber: d.SerialNumber,
		Grabbed:      c.claims.Grabbed(i),
	}
}

// Devices implements hal.UsbController.
func (c *Controller) Devices() []hal.UsbDeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hal.UsbDeviceInfo, len(c.ports))
	for i := range c.ports {
		out[i] = c.info(i)
	}
	return out
}

// Grab implements hal.UsbController.
func (c *Controller) Grab(index int) (hal.UsbDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.claims.Grab(index)
	if err != nil {
		return nil, err
	}
	slog.Debug("usb: grab", "controller", c.name, "index", index)
	return &Handle{ctrl: c, index: index, token: tok}, nil
}

// Ungrab implements hal.UsbController. The device returns to the default
// state so the next owner starts from an unconfigured device.
func (c *Controller) Ungrab(device hal.UsbDevice) error {
	h, ok := device.(*Handle)
	if !ok || h == nil || h.ctrl != c {
		return hal.ErrNotGrabbed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.claims.Release(h.index, h.token); err != nil {
		return err
	}
	p := c.ports[h.index]
	p.addr, p.config = 0, 0
	slog.Debug("usb: ungrab", "controller", c.name, "index", h.index)
	return nil
}

// Handle is the exclusive handle to one device.
type Handle struct {
	ctrl  *Controller
	index int
	token claim.Token
}

var _ hal.UsbDevice = (*Handle)(nil)

func (h *Handle) Index() int { return h.index }

func (h *Handle) Info() hal.UsbDeviceInfo {
	h.ctrl.mu.Lock()
	defer h.ctrl.mu.Unlock()
	info := h.ctrl.info(h.index)
	info.Grabbed = h.ctrl.claims.Holds(h.index, h.token)
	return info
}

// Control implements hal.UsbDevice for the standard requests.
func (h *Handle) Control(setup hal.UsbSetup, data []byte) (int, error) {
	c := h.ctrl
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.claims.Holds(h.index, h.token) {
		return 0, hal.ErrReleased
	}
	p := c.ports[h.index]

	if setup.RequestType&dirDeviceToHost != 0 {
		var reply []byte
		switch setup.Request {
		case reqGetStatus:
			reply = []byte{0, 0}
		case reqGetConfiguration:
			reply = []byte{p.config}
		case reqGetDescriptor:
			var err error
			reply, err = p.descriptor(uint8(setup.Value>>8), uint8(setup.Value))
			if err != nil {
				return 0, err
			}
		default:
			return 0, hal.ErrUnsupported
		}
		n := min(len(reply), int(setup.Length), len(data))
		copy(data, reply[:n])
		return n, nil
	}

	switch setup.Request {
	case reqSetAddress:
		if setup.Value > 127 {
			return 0, hal.ErrOutOfRange
		}
		p.addr = uint8(setup.Value)
	case reqSetConfiguration:
		if setup.Value > 1 {
			return 0, hal.ErrOutOfRange
		}
		p.config = uint8(setup.Value)
	default:
		return 0, hal.ErrUnsupported
	}
	return 0, nil
}

func (p *port) descriptor(kind, index uint8) ([]byte, error) {
	switch kind {
	case descDevice:
		return p.deviceDescriptor(), nil
	case descString:
		switch index {
		case 0:
			return []byte{4, descString, byte(langEnglishUS & 0xff), byte(langEnglishUS >> 8)}, nil
		case 1:
			return stringDescriptor(p.desc.Manufacturer), nil
		case 2:
			return stringDescriptor(p.desc.Product), nil
		case 3:
			return stringDescriptor(p.desc.SerialNumber), nil
		}
		return nil, hal.ErrOutOfRange
	}
	return nil, hal.ErrUnsupported
}

// deviceDescriptor encodes the 18 byte standard device descriptor. String
// indices 1 to 3 are reported only when the matching string is set.
func (p *port) deviceDescriptor() []byte {
	d := p.desc
	b := make([]byte, 18)
	b[0] = 18
	b[1] = descDevice
	binary.LittleEndian.PutUint16(b[2:], 0x0200)
	b[4] = d.Class
	b[5] = d.SubClass
	b[6] = d.Protocol
	b[7] = 64
	binary.LittleEndian.PutUint16(b[8:], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:], d.Release)
	for i, s := range []string{d.Manufacturer, d.Product, d.SerialNumber} {
		if s != "" {
			b[14+i] = uint8(i + 1)
		}
	}
	b[17] = 1
	return b
}

func stringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	b := make([]byte, 2+2*len(units))
	b[0] = byte(len(b))
	b[1] = descString
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b
}
