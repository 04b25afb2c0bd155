package hal

import (
	"errors"
	"strings"
	"testing"
)

type kernelExt struct {
	name string
}

type fakeCore struct {
	boot bool
	used bool
}

func (c *fakeCore) IsInUse() bool { return c.used }
func (c *fakeCore) Start() error {
	if c.used {
		return ErrAlreadyStarted
	}
	c.used = true
	return nil
}
func (c *fakeCore) IsBootProcessor() bool                           { return c.boot }
func (c *fakeCore) FrequencyHz() uint64                             { return 1 }
func (c *fakeCore) Manufacturer() string                            { return "fake" }
func (c *fakeCore) Model() string                                   { return "fake" }
func (c *fakeCore) InterruptHandlers() []BoundHandler[kernelExt]    { return nil }
func (c *fakeCore) Handler(int) (InterruptHandler[kernelExt], bool) { return InterruptHandler[kernelExt]{}, false }
func (c *fakeCore) RegisterInterruptHandler(int, InterruptHandler[kernelExt], bool) error {
	return ErrUnsupported
}
func (c *fakeCore) UnregisterInterruptHandler(int) (InterruptHandler[kernelExt], error) {
	return InterruptHandler[kernelExt]{}, ErrNoHandler
}
func (c *fakeCore) DisableInterrupts()      {}
func (c *fakeCore) EnableInterrupts()       {}
func (c *fakeCore) InterruptsEnabled() bool { return true }

type nopLogger struct{}

func (nopLogger) Log(string) {}

func newFakePlatform(boot ...bool) *Platform[kernelExt] {
	cores := make([]Core[kernelExt], 0, len(boot))
	for _, b := range boot {
		cores = append(cores, &fakeCore{boot: b, used: b})
	}
	return NewPlatform[kernelExt](cores, nil, nil, nopLogger{}, nil)
}

func TestPlatformValidateBootProcessor(t *testing.T) {
	tests := []struct {
		name  string
		boot  []bool
		error string
	}{
		{"one boot core", []bool{true, false}, ""},
		{"no boot core", []bool{false, false}, "0 boot processors"},
		{"two boot cores", []bool{true, true}, "2 boot processors"},
		{"no cores", nil, "no cores"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newFakePlatform(tt.boot...).Validate()
			if tt.error == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.error) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.error)
			}
		})
	}
}

func TestPlatformBootProcessor(t *testing.T) {
	p := newFakePlatform(false, true, false)
	if got := p.BootProcessor(); got != 1 {
		t.Fatalf("BootProcessor = %d, want 1", got)
	}
}

func TestPlatformInstallKernelOnce(t *testing.T) {
	p := newFakePlatform(true)

	if k := p.Kernel.RLock(); k != nil {
		t.Fatalf("kernel present before install")
	}
	p.Kernel.RUnlock()

	if err := p.InstallKernel(&kernelExt{name: "first"}); err != nil {
		t.Fatalf("InstallKernel: %v", err)
	}
	if err := p.InstallKernel(&kernelExt{name: "second"}); !errors.Is(err, ErrKernelInstalled) {
		t.Fatalf("second InstallKernel = %v, want %v", err, ErrKernelInstalled)
	}
	k := p.Kernel.RLock()
	defer p.Kernel.RUnlock()
	if k.name != "first" {
		t.Fatalf("installed kernel = %q, want first", k.name)
	}
}

type fakeSerial struct{ baud uint64 }

func (s *fakeSerial) Driver() string                { return "fake-uart" }
func (s *fakeSerial) Manufacturer() string          { return "fake" }
func (s *fakeSerial) Model() string                 { return "uart" }
func (s *fakeSerial) BaudRate() uint64              { return s.baud }
func (s *fakeSerial) SetBaudRate(b uint64) error    { s.baud = b; return nil }
func (s *fakeSerial) ReadyForWriting() bool         { return true }
func (s *fakeSerial) HasIncomingData() bool         { return false }
func (s *fakeSerial) Write(buf []byte) (int, error) { return len(buf), nil }
func (s *fakeSerial) Read(buf []byte) (int, error)  { return 0, nil }

func TestDriverInitAppendsControllers(t *testing.T) {
	p := newFakePlatform(true)
	var init DriverInit[kernelExt] = func(p *Platform[kernelExt]) error {
		p.SerialPorts = append(p.SerialPorts, NewLock[SerialPort](&fakeSerial{baud: 9600}))
		return nil
	}
	if err := init(p); err != nil {
		t.Fatalf("DriverInit: %v", err)
	}
	inv := p.Inventory()
	if inv.SerialPorts != 1 || inv.Cores != 1 {
		t.Fatalf("Inventory = %+v, want 1 core and 1 serial port", inv)
	}
	port := p.SerialPorts[0].RLock()
	defer p.SerialPorts[0].RUnlock()
	if port.BaudRate() != 9600 {
		t.Fatalf("BaudRate = %d, want 9600", port.BaudRate())
	}
}
