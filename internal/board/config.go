package board

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/captain/internal/devices/fwcfg"
	"github.com/tinyrange/captain/internal/irq"
	"github.com/tinyrange/captain/internal/mm"
)

const (
	DefaultFrequencyHz = 1_000_000_000
	DefaultRAMBase     = 0x100000
	DefaultRAMSize     = 64 << 20

	// IRQBase is the vector a line is routed to when the configuration gives
	// no explicit route: line n lands on vector IRQBase+n of the boot core.
	IRQBase = 32
)

// Config describes a hosted board.
type Config struct {
	Name   string       `yaml:"name"`
	Cores  CoresConfig  `yaml:"cores"`
	Memory MemoryConfig `yaml:"memory"`
	// Seed is a hex-encoded 32 byte RNG key. Empty seeds from the host.
	Seed string `yaml:"seed,omitempty"`

	Routes       []RouteConfig       `yaml:"routes,omitempty"`
	PCI          []PCIConfig         `yaml:"pci,omitempty"`
	USB          []USBConfig         `yaml:"usb,omitempty"`
	Serial       []SerialConfig      `yaml:"serial,omitempty"`
	Framebuffers []FramebufferConfig `yaml:"framebuffers,omitempty"`
	NICs         []NICConfig         `yaml:"nics,omitempty"`
	Timers       []TimerConfig       `yaml:"timers,omitempty"`
	RTC          []TimerConfig       `yaml:"rtc,omitempty"`
	GPIO         []GPIOConfig        `yaml:"gpio,omitempty"`
	Storage      []StorageConfig     `yaml:"storage,omitempty"`
	Input        []InputConfig       `yaml:"input,omitempty"`
	Firmware     FirmwareConfig      `yaml:"firmware,omitempty"`
}

type CoresConfig struct {
	Count        int    `yaml:"count"`
	Boot         int    `yaml:"boot"`
	FrequencyHz  uint64 `yaml:"frequencyHz,omitempty"`
	Manufacturer string `yaml:"manufacturer,omitempty"`
	Model        string `yaml:"model,omitempty"`
	Vectors      int    `yaml:"vectors,omitempty"`
}

type MemoryConfig struct {
	FrameSize uint64         `yaml:"frameSize,omitempty"`
	RAMBase   uint64         `yaml:"ramBase,omitempty"`
	RAMSize   uint64         `yaml:"ramSize,omitempty"`
	Devices   []WindowConfig `yaml:"devices,omitempty"`
}

type WindowConfig struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// RouteConfig sends interrupt line Line to Vector on Core.
type RouteConfig struct {
	Line   uint8 `yaml:"line"`
	Core   int   `yaml:"core"`
	Vector int   `yaml:"vector"`
}

type PCIConfig struct {
	Name      string        `yaml:"name"`
	Functions []PCIFunction `yaml:"functions"`
}

type PCIFunction struct {
	Bus      uint8    `yaml:"bus,omitempty"`
	Device   uint8    `yaml:"device"`
	Function uint8    `yaml:"function,omitempty"`
	VendorID uint16   `yaml:"vendor"`
	DeviceID uint16   `yaml:"deviceId"`
	Class    uint8    `yaml:"class"`
	SubClass uint8    `yaml:"subclass,omitempty"`
	ProgIF   uint8    `yaml:"progIf,omitempty"`
	Revision uint8    `yaml:"revision,omitempty"`
	IRQ      uint8    `yaml:"irq,omitempty"`
	BARs     []uint32 `yaml:"bars,omitempty"`
}

type USBConfig struct {
	Name    string      `yaml:"name"`
	Devices []USBDevice `yaml:"devices"`
}

type USBDevice struct {
	VendorID     uint16 `yaml:"vendor"`
	ProductID    uint16 `yaml:"product"`
	Class        uint8  `yaml:"class"`
	SubClass     uint8  `yaml:"subclass,omitempty"`
	Protocol     uint8  `yaml:"protocol,omitempty"`
	Release      uint16 `yaml:"release,omitempty"`
	Manufacturer string `yaml:"manufacturer,omitempty"`
	Product      string `yaml:"productName,omitempty"`
	SerialNumber string `yaml:"serialNumber,omitempty"`
}

type SerialConfig struct {
	Name     string `yaml:"name"`
	IRQ      uint8  `yaml:"irq,omitempty"`
	Loopback bool   `yaml:"loopback,omitempty"`
	// Console connects the port to the host's stdin and stdout.
	Console bool `yaml:"console,omitempty"`
}

type FramebufferConfig struct {
	Name           string `yaml:"name"`
	Width          uint32 `yaml:"width"`
	Height         uint32 `yaml:"height"`
	DoubleBuffered bool   `yaml:"doubleBuffered,omitempty"`
}

type NICConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	MTU  int    `yaml:"mtu,omitempty"`
	IRQ  uint8  `yaml:"irq,omitempty"`
	// Peer names another NIC to cable this one to.
	Peer string `yaml:"peer,omitempty"`
	// Capture is a pcap file path that receives every transmitted frame.
	Capture string `yaml:"capture,omitempty"`
}

type TimerConfig struct {
	Name string `yaml:"name"`
	IRQ  uint8  `yaml:"irq,omitempty"`
}

type GPIOConfig struct {
	Name string `yaml:"name"`
	Pins int    `yaml:"pins"`
	IRQ  uint8  `yaml:"irq,omitempty"`
}

type StorageConfig struct {
	Name      string `yaml:"name"`
	BlockSize uint32 `yaml:"blockSize,omitempty"`
	Blocks    uint64 `yaml:"blocks,omitempty"`
	Image     string `yaml:"image,omitempty"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`
}

// FirmwareConfig places the firmware configuration device that publishes
// the device tree and the board description.
type FirmwareConfig struct {
	Base uint64 `yaml:"base,omitempty"`
}

type InputConfig struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model,omitempty"`
	IRQ   uint8  `yaml:"irq,omitempty"`
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = "hosted"
	}
	if c.Cores.Count == 0 {
		c.Cores.Count = 1
	}
	if c.Cores.FrequencyHz == 0 {
		c.Cores.FrequencyHz = DefaultFrequencyHz
	}
	if c.Cores.Manufacturer == "" {
		c.Cores.Manufacturer = "tinyrange"
	}
	if c.Cores.Model == "" {
		c.Cores.Model = "hosted-core"
	}
	if c.Cores.Vectors == 0 {
		c.Cores.Vectors = irq.DefaultVectors
	}
	if c.Memory.FrameSize == 0 {
		c.Memory.FrameSize = mm.DefaultFrameSize
	}
	if c.Memory.RAMSize == 0 {
		c.Memory.RAMBase = DefaultRAMBase
		c.Memory.RAMSize = DefaultRAMSize
	}
	if c.Firmware.Base == 0 {
		c.Firmware.Base = fwcfg.DefaultBase
	}
	for i := range c.Input {
		if c.Input[i].Model == "" {
			c.Input[i].Model = "keyboard"
		}
	}
}

func (c *Config) validate() error {
	if c.Cores.Count < 1 {
		return fmt.Errorf("board: core count %d, want at least 1", c.Cores.Count)
	}
	if c.Cores.Boot < 0 || c.Cores.Boot >= c.Cores.Count {
		return fmt.Errorf("board: boot core %d out of range [0, %d)", c.Cores.Boot, c.Cores.Count)
	}
	for _, r := range c.Routes {
		if r.Core < 0 || r.Core >= c.Cores.Count {
			return fmt.Errorf("board: route for line %d targets core %d of %d", r.Line, r.Core, c.Cores.Count)
		}
		if r.Vector < 0 || r.Vector >= c.Cores.Vectors {
			return fmt.Errorf("board: route for line %d targets vector %d of %d", r.Line, r.Vector, c.Cores.Vectors)
		}
	}
	fw := mm.Region{Name: "firmware", Base: c.Firmware.Base, Size: fwcfg.WindowSize}
	if fw.Base%fwcfg.WindowSize != 0 {
		return fmt.Errorf("board: firmware device at 0x%x is not aligned to 0x%x", fw.Base, fwcfg.WindowSize)
	}
	taken := append([]WindowConfig{{Name: "ram", Base: c.Memory.RAMBase, Size: c.Memory.RAMSize}}, c.Memory.Devices...)
	for _, w := range taken {
		if fw.Base < w.Base+w.Size && w.Base < fw.End() {
			return fmt.Errorf("board: firmware device at 0x%x overlaps %s", fw.Base, w.Name)
		}
	}

	names := make(map[string]string)
	claim := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("board: %s without a name", kind)
		}
		if prev, ok := names[name]; ok {
			return fmt.Errorf("board: %s %q reuses the name of a %s", kind, name, prev)
		}
		names[name] = kind
		return nil
	}
	for _, p := range c.PCI {
		if err := claim("pci controller", p.Name); err != nil {
			return err
		}
	}
	for _, u := range c.USB {
		if err := claim("usb controller", u.Name); err != nil {
			return err
		}
	}
	for _, s := range c.Serial {
		if err := claim("serial port", s.Name); err != nil {
			return err
		}
	}
	for _, f := range c.Framebuffers {
		if err := claim("framebuffer", f.Name); err != nil {
			return err
		}
	}
	for _, n := range c.NICs {
		if err := claim("nic", n.Name); err != nil {
			return err
		}
		if _, err := net.ParseMAC(n.MAC); err != nil {
			return fmt.Errorf("board: nic %q: %w", n.Name, err)
		}
	}
	for _, n := range c.NICs {
		if n.Peer != "" && names[n.Peer] != "nic" {
			return fmt.Errorf("board: nic %q peer %q is not a nic", n.Name, n.Peer)
		}
	}
	for _, t := range c.Timers {
		if err := claim("timer", t.Name); err != nil {
			return err
		}
	}
	for _, r := range c.RTC {
		if err := claim("rtc", r.Name); err != nil {
			return err
		}
	}
	for _, g := range c.GPIO {
		if err := claim("gpio bank", g.Name); err != nil {
			return err
		}
		if g.Pins <= 0 {
			return fmt.Errorf("board: gpio bank %q has %d pins", g.Name, g.Pins)
		}
	}
	for _, s := range c.Storage {
		if err := claim("storage", s.Name); err != nil {
			return err
		}
		if s.Image == "" && s.Blocks == 0 {
			return fmt.Errorf("board: storage %q needs blocks or an image", s.Name)
		}
	}
	for _, in := range c.Input {
		if err := claim("input", in.Name); err != nil {
			return err
		}
	}
	return nil
}

// ParseConfig decodes a YAML board description and fills in defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("board: parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML board description from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("board: read config: %w", err)
	}
	return ParseConfig(data)
}

// Marshal encodes cfg with defaults filled in.
func (c Config) Marshal() ([]byte, error) {
	c.normalize()
	return yaml.Marshal(c)
}
