package hal

import "io"

// Driven is the identity every controller exposes.
type Driven interface {
	Driver() string
	Manufacturer() string
	Model() string
}

// PowerManager handles platform-wide power transitions.
type PowerManager interface {
	Shutdown() error
	Reboot() error
}

// Logger is the platform's early console.
type Logger interface {
	Log(message string)
}

// Rng fills buffers with random bytes.
type Rng interface {
	io.Reader
}

// PciDeviceInfo is the enumeration record for one PCI function.
type PciDeviceInfo struct {
	VendorID             uint16
	DeviceID             uint16
	BaseClassCode        uint8
	SubClassCode         uint8
	ProgrammingInterface uint8
	// Grabbed is true while some caller holds the device handle. Only the
	// owning controller updates it.
	Grabbed bool
}

// PciDevice is the exclusive handle returned by PciController.Grab.
type PciDevice interface {
	Index() int
	Info() PciDeviceInfo
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// PciController enumerates PCI functions and hands out exclusive access.
type PciController interface {
	Driven
	// Devices returns the enumeration records in bus order. The slice is a
	// copy; mutating it does not affect the controller.
	Devices() []PciDeviceInfo
	// Grab claims the device at index. It fails with ErrOutOfRange or
	// ErrAlreadyGrabbed and leaves state untouched on failure.
	Grab(index int) (PciDevice, error)
	// Ungrab returns a handle obtained from Grab and clears Grabbed.
	Ungrab(device PciDevice) error
}

// UsbDeviceInfo is the enumeration record for one USB device.
type UsbDeviceInfo struct {
	VendorID     uint16
	DeviceID     uint16
	Class        uint8
	SubClass     uint8
	Protocol     uint8
	Release      uint16
	Manufacturer string
	Product      string
	SerialNumber string
	Grabbed      bool
}

// UsbSetup is a control transfer setup packet.
type UsbSetup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// UsbDevice is the exclusive handle returned by UsbController.Grab.
type UsbDevice interface {
	Index() int
	Info() UsbDeviceInfo
	// Control performs a control transfer on endpoint zero and returns the
	// number of bytes moved through data.
	Control(setup UsbSetup, data []byte) (int, error)
}

// UsbController enumerates USB devices and hands out exclusive access.
type UsbController interface {
	Driven
	Devices() []UsbDeviceInfo
	Grab(index int) (UsbDevice, error)
	Ungrab(device UsbDevice) error
}

// NicController is an ethernet interface.
type NicController interface {
	Driven
	MACAddress() [6]byte
	LinkUp() bool
	// Send queues one ethernet frame for transmission.
	Send(frame []byte) error
	// Receive copies the next received frame into buf. It returns 0 and no
	// error when nothing is waiting.
	Receive(buf []byte) (int, error)
}

// I2cController is an I2C bus master.
type I2cController interface {
	Driven
	// Transfer writes w to the target at addr and then reads len(r) bytes.
	Transfer(addr uint16, w []byte, r []byte) error
}

// I2sController is a digital audio serial bus.
type I2sController interface {
	Driven
	SampleRate() uint32
	SetSampleRate(hz uint32) error
	WriteSamples(samples []byte) (int, error)
}

// GpioController drives general-purpose pins.
type GpioController interface {
	Driven
	PinCount() int
	SetOutput(pin int, output bool) error
	WritePin(pin int, high bool) error
	ReadPin(pin int) (bool, error)
}

// StorageController is a block device.
type StorageController interface {
	Driven
	BlockSize() uint32
	BlockCount() uint64
	ReadBlocks(lba uint64, buf []byte) error
	WriteBlocks(lba uint64, buf []byte) error
}

// SoundCard plays interleaved PCM samples.
type SoundCard interface {
	Driven
	Channels() int
	Play(samples []byte) (int, error)
}

// SerialPort is a UART.
type SerialPort interface {
	Driven
	BaudRate() uint64
	SetBaudRate(baudRate uint64) error
	ReadyForWriting() bool
	HasIncomingData() bool
	Write(buf []byte) (int, error)
	Read(buf []byte) (int, error)
}

// FrameBuffer is a linear pixel buffer.
type FrameBuffer interface {
	Driven
	Width() int
	Height() int
	Stride() int
	SupportsDoubleBuffering() bool
	AreBufferSwapsAutomatic() bool
	// Pixels returns the back buffer when double buffering is supported
	// and the visible buffer otherwise.
	Pixels() []byte
	SwapBuffers() error
}

// VideoInput captures frames from a camera or capture card.
type VideoInput interface {
	Driven
	Resolution() (width, height int)
	Capture(buf []byte) (int, error)
}

// HidEventKind identifies what a HidEvent reports.
type HidEventKind uint8

const (
	HidKeyDown HidEventKind = iota + 1
	HidKeyUp
	HidPointerMove
	HidButtonDown
	HidButtonUp
)

// HidEvent is one input event.
type HidEvent struct {
	Kind HidEventKind
	Code uint16
	X, Y int32
}

// HidInput is a keyboard, mouse or similar device.
type HidInput interface {
	Driven
	// PollEvent returns the oldest pending event, if any.
	PollEvent() (HidEvent, bool)
}

// Timer is a free-running counter with a programmable deadline.
type Timer interface {
	Driven
	FrequencyHz() uint64
	Now() uint64
	// SetDeadline arms the timer to fire when the counter reaches ticks.
	// Zero disarms it.
	SetDeadline(ticks uint64) error
}
