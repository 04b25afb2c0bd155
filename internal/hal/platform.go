package hal

import "fmt"

// Platform is the single per-boot aggregate handed from platform bring-up
// code to the kernel core. K is the kernel extension type; the contract never
// looks inside it.
//
// Cores and the memory, power, logger and RNG resources are fixed before the
// kernel starts. The controller slices may grow through DriverInit hooks at
// any time. Every resource sits behind exactly one Lock.
type Platform[K any] struct {
	Cores         []*Lock[Core[K]]
	MemoryManager *Lock[MemoryManager]
	PowerManager  *Lock[PowerManager]
	Logger        *Lock[Logger]
	Rng           *Lock[Rng]

	PciControllers     []*Lock[PciController]
	UsbControllers     []*Lock[UsbController]
	NicControllers     []*Lock[NicController]
	I2cControllers     []*Lock[I2cController]
	I2sControllers     []*Lock[I2sController]
	GpioControllers    []*Lock[GpioController]
	StorageControllers []*Lock[StorageController]
	SoundCards         []*Lock[SoundCard]
	SerialPorts        []*Lock[SerialPort]
	Framebuffers       []*Lock[FrameBuffer]
	VideoInputs        []*Lock[VideoInput]
	HidInputs          []*Lock[HidInput]
	Timers             []*Lock[Timer]

	// Kernel holds nil until the kernel extension is installed.
	Kernel *Lock[*K]
}

// DriverInit registers additional controllers on a platform.
type DriverInit[K any] func(p *Platform[K]) error

// NewPlatform wraps the fixed resources in locks. Controllers are attached
// afterwards.
func NewPlatform[K any](cores []Core[K], mm MemoryManager, pm PowerManager, log Logger, rng Rng) *Platform[K] {
	p := &Platform[K]{
		Cores:         make([]*Lock[Core[K]], 0, len(cores)),
		MemoryManager: NewLock(mm),
		PowerManager:  NewLock(pm),
		Logger:        NewLock(log),
		Rng:           NewLock(rng),
		Kernel:        NewLock[*K](nil),
	}
	for _, c := range cores {
		p.Cores = append(p.Cores, NewLock(c))
	}
	return p
}

// Validate checks the structural invariants of a freshly built platform.
func (p *Platform[K]) Validate() error {
	if len(p.Cores) == 0 {
		return fmt.Errorf("hal: platform has no cores")
	}
	if p.MemoryManager == nil || p.PowerManager == nil || p.Logger == nil || p.Rng == nil {
		return fmt.Errorf("hal: platform is missing a fixed resource")
	}
	if p.Kernel == nil {
		return fmt.Errorf("hal: platform has no kernel slot")
	}
	boot := 0
	for _, c := range p.Cores {
		if err := c.Read(func(c Core[K]) error {
			if c.IsBootProcessor() {
				boot++
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if boot != 1 {
		return fmt.Errorf("hal: platform has %d boot processors, want 1", boot)
	}
	return nil
}

// BootProcessor returns the index of the boot core, or -1.
func (p *Platform[K]) BootProcessor() int {
	for i, c := range p.Cores {
		core := c.RLock()
		boot := core.IsBootProcessor()
		c.RUnlock()
		if boot {
			return i
		}
	}
	return -1
}

// InstallKernel stores the kernel extension. It can happen once.
func (p *Platform[K]) InstallKernel(k *K) error {
	if k == nil {
		return ErrNoKernel
	}
	slot := p.Kernel.Lock()
	defer p.Kernel.Unlock()
	if *slot != nil {
		return ErrKernelInstalled
	}
	*slot = k
	return nil
}

// Inventory counts the attached controllers per category.
type Inventory struct {
	Cores              int
	PciControllers     int
	UsbControllers     int
	NicControllers     int
	I2cControllers     int
	I2sControllers     int
	GpioControllers    int
	StorageControllers int
	SoundCards         int
	SerialPorts        int
	Framebuffers       int
	VideoInputs        int
	HidInputs          int
	Timers             int
}

func (p *Platform[K]) Inventory() Inventory {
	return Inventory{
		Cores:              len(p.Cores),
		PciControllers:     len(p.PciControllers),
		UsbControllers:     len(p.UsbControllers),
		NicControllers:     len(p.NicControllers),
		I2cControllers:     len(p.I2cControllers),
		I2sControllers:     len(p.I2sControllers),
		GpioControllers:    len(p.GpioControllers),
		StorageControllers: len(p.StorageControllers),
		SoundCards:         len(p.SoundCards),
		SerialPorts:        len(p.SerialPorts),
		Framebuffers:       len(p.Framebuffers),
		VideoInputs:        len(p.VideoInputs),
		HidInputs:          len(p.HidInputs),
		Timers:             len(p.Timers),
	}
}
