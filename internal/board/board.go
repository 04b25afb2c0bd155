// Package board builds a hal.Platform on the host: cores with vector tables,
// a memory manager over a host arena and the controllers a YAML board
// description lists. Device interrupt lines reach the cores through Raise,
// the board's trap entry.
package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/tinyrange/captain/internal/chipset"
	"github.com/tinyrange/captain/internal/devices/fwcfg"
	"github.com/tinyrange/captain/internal/devices/gpio"
	"github.com/tinyrange/captain/internal/devices/hpet"
	"github.com/tinyrange/captain/internal/devices/input"
	"github.com/tinyrange/captain/internal/devices/nic"
	"github.com/tinyrange/captain/internal/devices/pci"
	"github.com/tinyrange/captain/internal/devices/ramdisk"
	"github.com/tinyrange/captain/internal/devices/ramfb"
	"github.com/tinyrange/captain/internal/devices/rtc"
	"github.com/tinyrange/captain/internal/devices/serial"
	"github.com/tinyrange/captain/internal/devices/usb"
	"github.com/tinyrange/captain/internal/hal"
	"github.com/tinyrange/captain/internal/mm"
	"github.com/tinyrange/captain/internal/trace"
)

// Stats counts trap entry activity.
type Stats struct {
	Raised uint64
	// Latched counts raises left pending for a later drain, including
	// deliveries that lost a lock race.
	Latched uint64
}

// Board is the host side of a hosted platform. It keeps concrete handles to
// the devices so the host can feed them input and inspect their output.
type Board[K any] struct {
	cfg  Config
	hash ConfigHash

	cores  []*Core[K]
	memory *mm.Manager
	power  *Power
	router *chipset.Router
	lines  *chipset.LineSet

	dispatcher atomic.Pointer[Dispatcher]
	trace      atomic.Pointer[trace.Writer]
	raised     atomic.Uint64
	latched    atomic.Uint64

	PCI          []*pci.Controller
	USB          []*usb.Controller
	Serial       []*serial.UART
	Framebuffers []*ramfb.RAMFB
	NICs         []*nic.NIC
	Timers       []*hpet.Device
	Clocks       []*rtc.RTC
	GPIO         []*gpio.Bank
	Storage      []*ramdisk.Disk
	Input        []*input.Device
	Firmware     *fwcfg.Device

	closers []io.Closer
}

// New builds the platform described by cfg. The returned platform is ready
// to hand to the kernel core; the Board stays with the host.
func New[K any](cfg Config) (*hal.Platform[K], *Board[K], error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	hash, err := cfg.Hash()
	if err != nil {
		return nil, nil, fmt.Errorf("board: hash config: %w", err)
	}

	b := &Board[K]{cfg: cfg, hash: hash, power: NewPower()}

	b.memory, err = mm.New(mm.Config{
		FrameSize: cfg.Memory.FrameSize,
		RAMBase:   cfg.Memory.RAMBase,
		RAMSize:   cfg.Memory.RAMSize,
		Devices:   windows(cfg.Memory.Devices),
	})
	if err != nil {
		return nil, nil, err
	}
	b.closers = append(b.closers, b.memory)

	rng, err := NewChaChaRng(cfg.Seed)
	if err != nil {
		b.Close()
		return nil, nil, err
	}

	cores := make([]hal.Core[K], cfg.Cores.Count)
	for i := range cores {
		c := newCore[K](i, cfg.Cores)
		b.cores = append(b.cores, c)
		cores[i] = c
	}

	p := hal.NewPlatform[K](cores, b.memory, b.power, NewSlogLogger(nil), rng)

	b.router = chipset.NewRouter(b)
	b.lines = chipset.NewLineSet(b.router)
	for _, r := range cfg.Routes {
		if err := b.router.WithInterruptLine(r.Line, chipset.Route{Core: r.Core, Vector: r.Vector}); err != nil {
			b.Close()
			return nil, nil, fmt.Errorf("board: %w", err)
		}
	}

	if err := b.attachDevices(p); err != nil {
		b.Close()
		return nil, nil, err
	}
	if err := b.publishFirmware(); err != nil {
		b.Close()
		return nil, nil, err
	}

	slog.Info("board: platform built",
		"name", cfg.Name,
		"cores", cfg.Cores.Count,
		"ramMiB", cfg.Memory.RAMSize>>20,
		"config", hash.Short())
	return p, b, nil
}

func windows(ws []WindowConfig) []mm.Region {
	out := make([]mm.Region, len(ws))
	for i, w := range ws {
		out[i] = mm.Region{Name: w.Name, Base: w.Base, Size: w.Size}
	}
	return out
}

// line connects device to irq and routes the line to the boot core at
// IRQBase+irq when the config has no route for it. Line zero means no
// interrupt.
func (b *Board[K]) line(irq uint8, device string) chipset.LineInterrupt {
	if irq == 0 {
		return chipset.LineInterruptDetached()
	}
	if _, ok := b.router.Lookup(irq); !ok {
		vector := IRQBase + int(irq)
		if vector < b.cfg.Cores.Vectors {
			_ = b.router.WithInterruptLine(irq, chipset.Route{Core: b.cfg.Cores.Boot, Vector: vector})
		}
	}
	return b.lines.AllocateLine(irq, device)
}

func (b *Board[K]) attachDevices(p *hal.Platform[K]) error {
	for _, pc := range b.cfg.PCI {
		fns := make([]pci.Function, len(pc.Functions))
		for i, f := range pc.Functions {
			fns[i] = pci.Function{
				Bus: f.Bus, Device: f.Device, Function: f.Function,
				VendorID: f.VendorID, DeviceID: f.DeviceID,
				Class: f.Class, SubClass: f.SubClass, ProgIF: f.ProgIF, Revision: f.Revision,
				InterruptLine: f.IRQ, BARs: f.BARs,
			}
			if f.IRQ != 0 {
				b.line(f.IRQ, fmt.Sprintf("%s/%02x:%02x.%d", pc.Name, f.Bus, f.Device, f.Function))
			}
		}
		ctrl, err := pci.NewController(pc.Name, fns)
		if err != nil {
			return fmt.Errorf("board: %w", err)
		}
		b.PCI = append(b.PCI, ctrl)
		p.PciControllers = append(p.PciControllers, hal.NewLock[hal.PciController](ctrl))
	}

	for _, uc := range b.cfg.USB {
		devs := make([]usb.Device, len(uc.Devices))
		for i, d := range uc.Devices {
			devs[i] = usb.Device(d)
		}
		ctrl := usb.NewController(uc.Name, devs)
		b.USB = append(b.USB, ctrl)
		p.UsbControllers = append(p.UsbControllers, hal.NewLock[hal.UsbController](ctrl))
	}

	for _, sc := range b.cfg.Serial {
		var (
			out io.Writer
			in  io.Reader
		)
		if sc.Console {
			out, in = os.Stdout, nonBlockingStdin()
		}
		port := serial.NewUART(sc.Name, b.line(sc.IRQ, sc.Name), out, in)
		port.SetLoopback(sc.Loopback)
		b.Serial = append(b.Serial, port)
		b.router.WithPollDevice(port)
		p.SerialPorts = append(p.SerialPorts, hal.NewLock[hal.SerialPort](port))
	}

	for _, fc := range b.cfg.Framebuffers {
		fb, err := ramfb.New(fc.Name, ramfb.Config{Width: fc.Width, Height: fc.Height, DoubleBuffered: fc.DoubleBuffered})
		if err != nil {
			return fmt.Errorf("board: framebuffer %q: %w", fc.Name, err)
		}
		b.Framebuffers = append(b.Framebuffers, fb)
		p.Framebuffers = append(p.Framebuffers, hal.NewLock[hal.FrameBuffer](fb))
	}

	byName := make(map[string]*nic.NIC)
	for _, nc := range b.cfg.NICs {
		mac, _ := net.ParseMAC(nc.MAC)
		ncfg := nic.Config{MAC: mac, MTU: nc.MTU, IRQ: b.line(nc.IRQ, nc.Name)}
		if nc.Capture != "" {
			f, err := os.Create(nc.Capture)
			if err != nil {
				return fmt.Errorf("board: nic %q capture: %w", nc.Name, err)
			}
			b.closers = append(b.closers, f)
			ncfg.Capture = nic.NewCapture(f, 0)
		}
		n, err := nic.New(nc.Name, ncfg)
		if err != nil {
			return fmt.Errorf("board: %w", err)
		}
		byName[nc.Name] = n
		b.NICs = append(b.NICs, n)
		p.NicControllers = append(p.NicControllers, hal.NewLock[hal.NicController](n))
	}
	for _, nc := range b.cfg.NICs {
		if nc.Peer != "" {
			nic.Connect(byName[nc.Name], byName[nc.Peer])
		}
	}

	for _, tc := range b.cfg.Timers {
		t := hpet.New(tc.Name, b.line(tc.IRQ, tc.Name), nil)
		b.Timers = append(b.Timers, t)
		b.router.WithPollDevice(t)
		p.Timers = append(p.Timers, hal.NewLock[hal.Timer](t))
	}
	for _, rc := range b.cfg.RTC {
		r := rtc.New(rc.Name, b.line(rc.IRQ, rc.Name), nil)
		b.Clocks = append(b.Clocks, r)
		b.router.WithPollDevice(r)
		p.Timers = append(p.Timers, hal.NewLock[hal.Timer](r))
	}

	for _, gc := range b.cfg.GPIO {
		bank := gpio.New(gc.Name, gc.Pins, b.line(gc.IRQ, gc.Name))
		b.GPIO = append(b.GPIO, bank)
		p.GpioControllers = append(p.GpioControllers, hal.NewLock[hal.GpioController](bank))
	}

	for _, sc := range b.cfg.Storage {
		var (
			disk *ramdisk.Disk
			err  error
		)
		if sc.Image != "" {
			disk, err = ramdisk.Open(sc.Name, sc.Image, sc.BlockSize, sc.ReadOnly)
		} else {
			disk, err = ramdisk.New(sc.Name, sc.BlockSize, sc.Blocks)
		}
		if err != nil {
			return fmt.Errorf("board: storage %q: %w", sc.Name, err)
		}
		b.closers = append(b.closers, disk)
		b.Storage = append(b.Storage, disk)
		p.StorageControllers = append(p.StorageControllers, hal.NewLock[hal.StorageController](disk))
	}

	for _, ic := range b.cfg.Input {
		dev := input.New(ic.Name, ic.Model, b.line(ic.IRQ, ic.Name))
		b.Input = append(b.Input, dev)
		p.HidInputs = append(p.HidInputs, hal.NewLock[hal.HidInput](dev))
	}
	return nil
}

// SetDispatcher connects the trap entry to the kernel core's dispatcher.
// Interrupts raised before this are pending.
func (b *Board[K]) SetDispatcher(d Dispatcher) {
	b.dispatcher.Store(&d)
}

// SetTrace records every delivery attempt to w. A nil w stops recording.
func (b *Board[K]) SetTrace(w *trace.Writer) { b.trace.Store(w) }

// Core returns the concrete core at index.
func (b *Board[K]) Core(index int) *Core[K] { return b.cores[index] }

func (b *Board[K]) Config() Config          { return b.cfg }
func (b *Board[K]) Hash() ConfigHash        { return b.hash }
func (b *Board[K]) Power() *Power           { return b.power }
func (b *Board[K]) Memory() *mm.Manager     { return b.memory }
func (b *Board[K]) Router() *chipset.Router { return b.router }

// Lines reports every interrupt line a device is connected to.
func (b *Board[K]) Lines() []chipset.LineStatus { return b.lines.Lines() }

// Stats returns the trap entry counters.
func (b *Board[K]) Stats() Stats {
	return Stats{Raised: b.raised.Load(), Latched: b.latched.Load()}
}

// Poll runs one round of device work and then delivers whatever became
// deliverable on every core.
func (b *Board[K]) Poll(ctx context.Context) error {
	if err := b.router.Poll(ctx); err != nil {
		return err
	}
	var errs []error
	for i := range b.cores {
		if err := b.DrainPending(i); err != nil {
			errs = append(errs, fmt.Errorf("board: core %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Run polls every interval until ctx ends or the platform powers off.
// Contention and interrupts nobody handles do not stop it.
func (b *Board[K]) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.power.Done():
			return nil
		case <-ticker.C:
			err := b.Poll(ctx)
			if err == nil || hal.IsTransient(err) || errors.Is(err, hal.ErrNoHandler) {
				continue
			}
			return err
		}
	}
}

// Close releases host resources: the memory arena, disk images and capture
// files.
func (b *Board[K]) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
