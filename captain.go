// Package captain is the hardware-abstraction contract between a kernel core
// and the platform it runs on. A platform hands the kernel its cores, a
// memory manager and a set of driven controllers, each behind a Lock; the
// kernel binds interrupt handlers whose shape tells the dispatcher which of
// those it needs.
package captain

import (
	"github.com/tinyrange/captain/internal/board"
	"github.com/tinyrange/captain/internal/captain"
	"github.com/tinyrange/captain/internal/driver"
	"github.com/tinyrange/captain/internal/hal"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/hal
// -----------------------------------------------------------------------------

// Platform is every resource the kernel can reach, K being the kernel's own
// extension state.
type Platform[K any] = hal.Platform[K]

// Lock guards one shared resource. It spins instead of parking so that it is
// usable from interrupt context.
type Lock[T any] = hal.Lock[T]

// Core is one processor with its interrupt vector table.
type Core[K any] = hal.Core[K]

type (
	InterruptContext              = hal.InterruptContext
	InterruptHandler[K any]       = hal.InterruptHandler[K]
	BoundHandler[K any]           = hal.BoundHandler[K]
	InterruptHandlerAction[K any] = hal.InterruptHandlerAction[K]
	Procedure                     = hal.Procedure
	Stub                          = hal.Stub
	NeedPlatform[K any]           = hal.NeedPlatform[K]
	NeedKernel[K any]             = hal.NeedKernel[K]
	NeedPlatformAndKernel[K any]  = hal.NeedPlatformAndKernel[K]
	DriverInit[K any]             = hal.DriverInit[K]
	Inventory                     = hal.Inventory
)

// Memory.
type (
	Frame          = hal.Frame
	FrameKind      = hal.FrameKind
	MappingOptions = hal.MappingOptions
	Mapping        = hal.Mapping
	MemoryManager  = hal.MemoryManager
)

// Driven controllers.
type (
	Driven            = hal.Driven
	PowerManager      = hal.PowerManager
	Logger            = hal.Logger
	Rng               = hal.Rng
	PciController     = hal.PciController
	PciDevice         = hal.PciDevice
	PciDeviceInfo     = hal.PciDeviceInfo
	UsbController     = hal.UsbController
	UsbDevice         = hal.UsbDevice
	UsbDeviceInfo     = hal.UsbDeviceInfo
	UsbSetup          = hal.UsbSetup
	NicController     = hal.NicController
	I2cController     = hal.I2cController
	I2sController     = hal.I2sController
	GpioController    = hal.GpioController
	StorageController = hal.StorageController
	SoundCard         = hal.SoundCard
	SerialPort        = hal.SerialPort
	FrameBuffer       = hal.FrameBuffer
	VideoInput        = hal.VideoInput
	HidInput          = hal.HidInput
	HidEvent          = hal.HidEvent
	Timer             = hal.Timer
)

// Captain is a booted platform.
type Captain[K any] = captain.Captain[K]

// Registry collects the drivers Boot runs.
type Registry[K any] = driver.Registry[K]

// BoardConfig describes a hosted board.
type BoardConfig = board.Config

// Board is the host side of a hosted platform.
type Board[K any] = board.Board[K]

// Frame placements.
const (
	FrameNormalAnywhere = hal.FrameNormalAnywhere
	FrameNormal         = hal.FrameNormal
	FrameDevice         = hal.FrameDevice
)

// Sentinel errors. Use errors.Is to match them.
var (
	ErrBusy               = hal.ErrBusy
	ErrOutOfRange         = hal.ErrOutOfRange
	ErrOutOfFrames        = hal.ErrOutOfFrames
	ErrInvalidVector      = hal.ErrInvalidVector
	ErrMisaligned         = hal.ErrMisaligned
	ErrInvalidDeviceRange = hal.ErrInvalidDeviceRange
	ErrAlreadyGrabbed     = hal.ErrAlreadyGrabbed
	ErrNotGrabbed         = hal.ErrNotGrabbed
	ErrVectorOccupied     = hal.ErrVectorOccupied
	ErrNoHandler          = hal.ErrNoHandler
	ErrAlreadyMapped      = hal.ErrAlreadyMapped
	ErrAlreadyStarted     = hal.ErrAlreadyStarted
	ErrNoKernel           = hal.ErrNoKernel
	ErrKernelInstalled    = hal.ErrKernelInstalled
	ErrReleased           = hal.ErrReleased
	ErrRestricted         = hal.ErrRestricted
	ErrUnsupported        = hal.ErrUnsupported
	ErrHardware           = hal.ErrHardware

	// ErrNotInTrap is returned by Restore on a hosted board once the
	// interrupt it belongs to has returned.
	ErrNotInTrap = board.ErrNotInTrap
)

// IsTransient reports whether err is contention that a retry may clear.
func IsTransient(err error) bool { return hal.IsTransient(err) }

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewLock wraps v.
func NewLock[T any](v T) *Lock[T] { return hal.NewLock(v) }

// NormalAnywhere lets the memory manager pick cached RAM frames.
func NormalAnywhere() Frame { return hal.NormalAnywhere() }

// Normal places a mapping on cached RAM starting at addr.
func Normal(addr uint64) Frame { return hal.Normal(addr) }

// Device places a mapping on uncached device memory starting at addr.
func Device(addr uint64) Frame { return hal.Device(addr) }

// NewRegistry returns an empty driver registry.
func NewRegistry[K any]() *Registry[K] { return driver.NewRegistry[K]() }

// Boot validates p, runs the drivers in reg and installs kernel. reg may be
// nil.
func Boot[K any](p *Platform[K], reg *Registry[K], kernel *K) (*Captain[K], error) {
	return captain.Boot(p, reg, kernel)
}

// LoadBoardConfig reads a YAML board description.
func LoadBoardConfig(path string) (BoardConfig, error) { return board.LoadConfig(path) }

// ParseBoardConfig decodes a YAML board description.
func ParseBoardConfig(data []byte) (BoardConfig, error) { return board.ParseConfig(data) }

// NewBoard builds a hosted platform from cfg.
//
// The board holds interrupts raised before Attach until the next Poll.
func NewBoard[K any](cfg BoardConfig) (*Platform[K], *Board[K], error) {
	return board.New[K](cfg)
}

// Attach routes the board's interrupts into c.
func Attach[K any](b *Board[K], c *Captain[K]) { b.SetDispatcher(c.Dispatcher()) }
