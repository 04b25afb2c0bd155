package board

import (
	"fmt"

	"github.com/tinyrange/captain/internal/devices/fwcfg"
	"github.com/tinyrange/captain/internal/fdt"
)

// DeviceTree describes the board as a flattened device tree: cores, RAM,
// device windows and every controller with its interrupt line and the core
// and vector the line is routed to.
func (b *Board[K]) DeviceTree() []byte {
	cfg := b.cfg
	root := fdt.NewNode("")
	root.Strings("compatible", "tinyrange,captain-hosted").
		Strings("model", cfg.Name).
		U32("#address-cells", 2).
		U32("#size-cells", 2)
	root.Child("chosen").Strings("captain,config", b.hash.String())

	cpus := root.Child("cpus").U32("#address-cells", 1).U32("#size-cells", 0)
	for i := 0; i < cfg.Cores.Count; i++ {
		cpu := cpus.Child(fmt.Sprintf("cpu@%d", i)).
			Strings("device_type", "cpu").
			Strings("compatible", cfg.Cores.Manufacturer+","+cfg.Cores.Model).
			U32("reg", uint32(i)).
			U64("clock-frequency", cfg.Cores.FrequencyHz).
			U32("captain,vectors", uint32(cfg.Cores.Vectors))
		if i == cfg.Cores.Boot {
			cpu.Flag("captain,boot-processor")
		}
	}

	root.Child(fmt.Sprintf("memory@%x", cfg.Memory.RAMBase)).
		Strings("device_type", "memory").
		U64("reg", cfg.Memory.RAMBase, cfg.Memory.RAMSize)

	soc := root.Child("soc").
		Strings("compatible", "simple-bus").
		U32("#address-cells", 2).
		U32("#size-cells", 2).
		Flag("ranges")
	for _, w := range cfg.Memory.Devices {
		soc.Child(fmt.Sprintf("%s@%x", w.Name, w.Base)).
			Strings("compatible", "captain,device-window").
			U64("reg", w.Base, w.Size)
	}

	soc.Child(fmt.Sprintf("fw-cfg@%x", cfg.Firmware.Base)).
		Strings("compatible", "qemu,fw-cfg-mmio").
		U64("reg", cfg.Firmware.Base, fwcfg.WindowSize).
		Flag("dma-coherent")

	device := func(kind, name, compatible string, irq uint8) *fdt.Node {
		n := soc.Child(fmt.Sprintf("%s@%s", kind, name)).Strings("compatible", compatible)
		if irq != 0 {
			n.U32("interrupts", uint32(irq))
			if to, ok := b.router.Lookup(irq); ok {
				n.U32("captain,route", uint32(to.Core), uint32(to.Vector))
			}
		}
		return n
	}
	for _, c := range cfg.PCI {
		device("pci", c.Name, "pci-host-cam-generic", 0).U32("captain,functions", uint32(len(c.Functions)))
	}
	for _, c := range cfg.USB {
		device("usb", c.Name, "generic-xhci", 0).U32("captain,devices", uint32(len(c.Devices)))
	}
	for _, c := range cfg.Serial {
		device("serial", c.Name, "ns16550a", c.IRQ)
	}
	for _, c := range cfg.Framebuffers {
		device("framebuffer", c.Name, "qemu,ramfb", 0).
			U32("width", c.Width).
			U32("height", c.Height)
	}
	for _, c := range cfg.NICs {
		n := device("ethernet", c.Name, "captain,loopback-nic", c.IRQ).Strings("mac-address-string", c.MAC)
		if c.Peer != "" {
			n.Strings("captain,peer", c.Peer)
		}
	}
	for _, c := range cfg.Timers {
		device("timer", c.Name, "intel,hpet", c.IRQ)
	}
	for _, c := range cfg.RTC {
		device("rtc", c.Name, "arm,pl031", c.IRQ)
	}
	for _, c := range cfg.GPIO {
		device("gpio", c.Name, "captain,gpio", c.IRQ).U32("ngpios", uint32(c.Pins))
	}
	for _, c := range cfg.Storage {
		n := device("block", c.Name, "captain,ramdisk", 0)
		if c.ReadOnly {
			n.Flag("read-only")
		}
	}
	for _, c := range cfg.Input {
		device("input", c.Name, "captain,"+c.Model, c.IRQ)
	}
	return fdt.Encode(root)
}
