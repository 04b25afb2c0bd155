package board

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/captain/internal/hal"
	"github.com/tinyrange/captain/internal/irq"
	"github.com/tinyrange/captain/internal/trace"
)

type testKernel struct {
	ticks int
	bytes []byte
}

func newTestBoard(t *testing.T, cfg Config) (*hal.Platform[testKernel], *Board[testKernel], *irq.Dispatcher[testKernel]) {
	t.Helper()
	p, b, err := New[testKernel](cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := p.InstallKernel(&testKernel{}); err != nil {
		t.Fatalf("InstallKernel: %v", err)
	}
	d := irq.NewDispatcher(hal.NewLock(p))
	b.SetDispatcher(d)
	return p, b, d
}

func kernelTicks(p *hal.Platform[testKernel]) int {
	k := p.Kernel.RLock()
	defer p.Kernel.RUnlock()
	return (*k).ticks
}

func register(t *testing.T, p *hal.Platform[testKernel], core, vector int, action hal.InterruptHandlerAction[testKernel]) {
	t.Helper()
	err := p.Cores[core].Write(func(c *hal.Core[testKernel]) error {
		return (*c).RegisterInterruptHandler(vector, hal.InterruptHandler[testKernel]{Name: "test", Action: action}, false)
	})
	if err != nil {
		t.Fatalf("RegisterInterruptHandler: %v", err)
	}
}

var tick = hal.NeedKernel[testKernel](func(_ hal.InterruptContext, k *testKernel) { k.ticks++ })

func TestTwoCoreBoot(t *testing.T) {
	p, _, _ := newTestBoard(t, Config{Cores: CoresConfig{Count: 2, FrequencyHz: 1_000_000_000}})

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := p.BootProcessor(); got != 0 {
		t.Fatalf("BootProcessor = %d, want 0", got)
	}

	c0 := p.Cores[0].RLock()
	if !c0.IsInUse() || c0.FrequencyHz() != 1_000_000_000 {
		t.Fatalf("core 0: in use %v, %d Hz", c0.IsInUse(), c0.FrequencyHz())
	}
	p.Cores[0].RUnlock()

	c1 := p.Cores[1].Lock()
	if (*c1).IsInUse() {
		t.Fatalf("core 1 in use before Start")
	}
	if err := (*c1).Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !(*c1).IsInUse() {
		t.Fatalf("core 1 not in use after Start")
	}
	if err := (*c1).Start(); !errors.Is(err, hal.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want %v", err, hal.ErrAlreadyStarted)
	}
	p.Cores[1].Unlock()

	c0 = p.Cores[0].RLock()
	defer p.Cores[0].RUnlock()
	if !c0.IsInUse() || c0.FrequencyHz() != 1_000_000_000 {
		t.Fatalf("core 0 changed by starting core 1: in use %v, %d Hz", c0.IsInUse(), c0.FrequencyHz())
	}
}

func TestRaiseDispatches(t *testing.T) {
	p, b, d := newTestBoard(t, Config{})
	register(t, p, 0, 40, tick)

	if err := b.Raise(0, 40); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if kernelTicks(p) != 1 {
		t.Fatalf("ticks = %d, want 1", kernelTicks(p))
	}
	if s := d.Stats(); s.Dispatched != 1 {
		t.Fatalf("dispatcher stats = %+v", s)
	}
	if err := b.Raise(0, 41); !errors.Is(err, hal.ErrNoHandler) {
		t.Fatalf("Raise unbound vector = %v, want %v", err, hal.ErrNoHandler)
	}
	if err := b.Raise(3, 40); !errors.Is(err, hal.ErrOutOfRange) {
		t.Fatalf("Raise on missing core = %v, want %v", err, hal.ErrOutOfRange)
	}
	if err := b.Raise(0, 1000); !errors.Is(err, hal.ErrInvalidVector) {
		t.Fatalf("Raise past the table = %v, want %v", err, hal.ErrInvalidVector)
	}
}

func TestMaskedInterruptStaysPending(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{})
	register(t, p, 0, 40, tick)
	core := b.Core(0)

	core.DisableInterrupts()
	core.DisableInterrupts()
	if err := b.Raise(0, 40); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	b.Raise(0, 40)
	if kernelTicks(p) != 0 {
		t.Fatalf("masked interrupt was delivered")
	}
	if got := core.Pending(); len(got) != 1 || got[0] != 40 {
		t.Fatalf("Pending = %v, want [40]", got)
	}

	core.EnableInterrupts()
	b.DrainPending(0)
	if kernelTicks(p) != 0 {
		t.Fatalf("delivered at mask depth 1")
	}
	core.EnableInterrupts()
	if err := b.DrainPending(0); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if kernelTicks(p) != 1 {
		t.Fatalf("ticks = %d after drain, want 1 (pending interrupts coalesce)", kernelTicks(p))
	}
	if len(core.Pending()) != 0 {
		t.Fatalf("Pending not empty after drain")
	}
}

func TestRaiseOnStoppedCoreWaitsForStart(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{Cores: CoresConfig{Count: 2}})
	register(t, p, 1, 50, tick)

	b.Raise(1, 50)
	if kernelTicks(p) != 0 {
		t.Fatalf("delivered to a core that was never started")
	}
	b.Core(1).Start()
	if err := b.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if kernelTicks(p) != 1 {
		t.Fatalf("ticks = %d after start, want 1", kernelTicks(p))
	}
}

func TestBusyKernelIsRedelivered(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{})
	register(t, p, 0, 40, tick)

	p.Kernel.Lock()
	if err := b.Raise(0, 40); !errors.Is(err, hal.ErrBusy) {
		p.Kernel.Unlock()
		t.Fatalf("Raise with kernel held = %v, want %v", err, hal.ErrBusy)
	}
	p.Kernel.Unlock()

	if err := b.DrainPending(0); err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if kernelTicks(p) != 1 {
		t.Fatalf("ticks = %d, want 1", kernelTicks(p))
	}
}

func TestRestoreOutsideTrap(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{})
	var saved hal.InterruptContext
	register(t, p, 0, 33, hal.Stub(func(ctx hal.InterruptContext) { saved = ctx }))

	if err := b.Raise(0, 33); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if saved.Core() != 0 || saved.Vector() != 33 {
		t.Fatalf("context = core %d vector %d", saved.Core(), saved.Vector())
	}
	if err := saved.Restore(); !errors.Is(err, ErrNotInTrap) {
		t.Fatalf("Restore after trap = %v, want %v", err, ErrNotInTrap)
	}
}

func TestInterruptsBeforeDispatcherArePending(t *testing.T) {
	p, b, err := New[testKernel](Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	p.InstallKernel(&testKernel{})
	register(t, p, 0, 40, tick)

	b.Raise(0, 40)
	if s := b.Stats(); s.Raised != 1 || s.Latched != 1 {
		t.Fatalf("Stats before dispatcher = %+v, want one raised and latched", s)
	}
	b.SetDispatcher(irq.NewDispatcher(hal.NewLock(p)))
	b.Poll(context.Background())
	if kernelTicks(p) != 1 {
		t.Fatalf("ticks = %d, want 1", kernelTicks(p))
	}
}

func TestSerialLoopbackInterrupt(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{
		Serial: []SerialConfig{{Name: "com1", IRQ: 4, Loopback: true}},
	})
	register(t, p, 0, IRQBase+4, hal.NeedPlatformAndKernel[testKernel](
		func(_ hal.InterruptContext, p *hal.Platform[testKernel], k *testKernel) {
			port := p.SerialPorts[0].Lock()
			defer p.SerialPorts[0].Unlock()
			buf := make([]byte, 16)
			n, _ := (*port).Read(buf)
			k.bytes = append(k.bytes, buf[:n]...)
		}))

	port := p.SerialPorts[0].Lock()
	(*port).Write([]byte("hi"))
	p.SerialPorts[0].Unlock()

	if err := b.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	k := p.Kernel.RLock()
	defer p.Kernel.RUnlock()
	if string((*k).bytes) != "hi" {
		t.Fatalf("handler read %q, want hi", (*k).bytes)
	}
}

func TestPowerTransitions(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{})
	pm := p.PowerManager.RLock()
	defer p.PowerManager.RUnlock()

	if err := pm.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := pm.Reboot(); !errors.Is(err, hal.ErrPowerRequested) {
		t.Fatalf("Reboot after Shutdown = %v, want %v", err, hal.ErrPowerRequested)
	}
	if allocs := testing.AllocsPerRun(100, func() { pm.Shutdown() }); allocs != 0 {
		t.Fatalf("refused Shutdown allocated %v times", allocs)
	}
	if b.Power().State() != PowerOff {
		t.Fatalf("State = %v, want off", b.Power().State())
	}
	select {
	case <-b.Power().Done():
	default:
		t.Fatalf("Done not closed")
	}
	if err := b.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run after shutdown = %v", err)
	}
}

func TestBoardInventory(t *testing.T) {
	p, _, _ := newTestBoard(t, Config{
		PCI:          []PCIConfig{{Name: "pci0", Functions: []PCIFunction{{VendorID: 0x8086, DeviceID: 0x29c0, Class: 6}}}},
		USB:          []USBConfig{{Name: "usb0", Devices: []USBDevice{{VendorID: 0x0627, ProductID: 1}}}},
		Serial:       []SerialConfig{{Name: "com1"}},
		Framebuffers: []FramebufferConfig{{Name: "fb0", Width: 64, Height: 48}},
		NICs:         []NICConfig{{Name: "eth0", MAC: "02:00:00:00:00:01"}},
		Timers:       []TimerConfig{{Name: "hpet0", IRQ: 2}},
		RTC:          []TimerConfig{{Name: "rtc0", IRQ: 8}},
		GPIO:         []GPIOConfig{{Name: "gpio0", Pins: 8}},
		Storage:      []StorageConfig{{Name: "rd0", Blocks: 16}},
		Input:        []InputConfig{{Name: "kbd0", IRQ: 1}},
	})
	inv := p.Inventory()
	want := hal.Inventory{
		Cores: 1, PciControllers: 1, UsbControllers: 1, NicControllers: 1,
		GpioControllers: 1, StorageControllers: 1, SerialPorts: 1,
		Framebuffers: 1, HidInputs: 1, Timers: 2,
	}
	if inv != want {
		t.Fatalf("Inventory = %+v, want %+v", inv, want)
	}
}

func TestDrainDropsSpuriousVectors(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{})
	register(t, p, 0, 60, tick)

	b.Core(0).DisableInterrupts()
	b.Raise(0, 50)
	b.Raise(0, 60)
	b.Core(0).EnableInterrupts()

	if err := b.DrainPending(0); !errors.Is(err, hal.ErrNoHandler) {
		t.Fatalf("DrainPending = %v, want %v", err, hal.ErrNoHandler)
	}
	if got := kernelTicks(p); got != 1 {
		t.Fatalf("ticks = %d, want 1; the drain stopped at the unbound vector", got)
	}
	if pending := b.Core(0).Pending(); len(pending) != 0 {
		t.Fatalf("Pending = %v, want none", pending)
	}
}

func TestTraceRecordsOutcomes(t *testing.T) {
	p, b, _ := newTestBoard(t, Config{})
	register(t, p, 0, 40, tick)

	var buf bytes.Buffer
	w, err := trace.NewWriter(&buf, trace.Meta{Board: b.Config().Name, Config: b.Hash().Short()})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	b.SetTrace(w)

	b.Raise(0, 40)
	b.Raise(0, 41)
	b.Core(0).DisableInterrupts()
	b.Raise(0, 40)
	b.Core(0).EnableInterrupts()
	b.SetTrace(nil)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []trace.Outcome
	meta, err := trace.ReadAll(&buf, func(ev trace.Event) error {
		got = append(got, ev.Outcome)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if meta.Board != "hosted" {
		t.Fatalf("meta board = %q, want hosted", meta.Board)
	}
	want := []trace.Outcome{trace.Delivered, trace.Unhandled, trace.Latched}
	if len(got) != len(want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", got, want)
		}
	}
}
