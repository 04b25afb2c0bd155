package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"

	"github.com/tinyrange/captain/internal/board"
	"github.com/tinyrange/captain/internal/captain"
	"github.com/tinyrange/captain/internal/hal"
)

type row struct {
	key, value string
}

// renderTable lays rows out in two columns. Values are cut to fit width when
// width is positive.
func renderTable(rows []row, width int, color bool) string {
	keyWidth := 0
	for _, r := range rows {
		keyWidth = max(keyWidth, ansi.StringWidth(r.key))
	}
	// The renderer writes nowhere; it only decides which escapes to emit.
	renderer := lipgloss.NewRenderer(io.Discard)
	if color {
		renderer.SetColorProfile(termenv.ANSI)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}
	keyStyle := renderer.NewStyle().Bold(true)

	var sb strings.Builder
	for _, r := range rows {
		key := r.key + strings.Repeat(" ", keyWidth-ansi.StringWidth(r.key))
		value := r.value
		if width > 0 {
			value = ansi.Truncate(value, max(width-keyWidth-2, 1), "…")
		}
		key = keyStyle.Render(key)
		fmt.Fprintf(&sb, "%s  %s\n", key, value)
	}
	return sb.String()
}

func inventoryRows(p *hal.Platform[monitor], b *board.Board[monitor]) []row {
	inv := p.Inventory()
	rows := []row{
		{"board", b.Config().Name},
		{"config", b.Hash().Short()},
		{"cores", fmt.Sprintf("%d (boot %d)", inv.Cores, p.BootProcessor())},
	}
	mem := b.Memory().Stats()
	rows = append(rows, row{"memory", fmt.Sprintf("%d frames of %d bytes", mem.RAMFrames, mem.FrameSize)})

	add := func(name string, n int, names []string) {
		if n == 0 {
			return
		}
		rows = append(rows, row{name, fmt.Sprintf("%d %s", n, strings.Join(names, " "))})
	}
	add("pci", inv.PciControllers, driverNames(p.PciControllers))
	add("usb", inv.UsbControllers, driverNames(p.UsbControllers))
	add("nic", inv.NicControllers, driverNames(p.NicControllers))
	add("gpio", inv.GpioControllers, driverNames(p.GpioControllers))
	add("storage", inv.StorageControllers, driverNames(p.StorageControllers))
	add("serial", inv.SerialPorts, driverNames(p.SerialPorts))
	add("framebuffer", inv.Framebuffers, driverNames(p.Framebuffers))
	add("input", inv.HidInputs, driverNames(p.HidInputs))
	add("timer", inv.Timers, driverNames(p.Timers))
	return rows
}

func driverNames[T hal.Driven](locks []*hal.Lock[T]) []string {
	names := make([]string, len(locks))
	for i, l := range locks {
		d := l.RLock()
		names[i] = d.Driver()
		l.RUnlock()
	}
	return names
}

func summaryRows(p *hal.Platform[monitor], b *board.Board[monitor], c *captain.Captain[monitor]) []row {
	bs := b.Stats()
	ds := c.Dispatcher().Stats()
	rows := []row{
		{"power", b.Power().State().String()},
		{"raised", fmt.Sprintf("%d (%d latched)", bs.Raised, bs.Latched)},
		{"dispatched", fmt.Sprintf("%d (%d busy, %d unhandled)", ds.Dispatched, ds.Busy, ds.Unhandled)},
	}
	k := p.Kernel.RLock()
	defer p.Kernel.RUnlock()
	for _, v := range k.vectors() {
		rows = append(rows, row{fmt.Sprintf("vector %d", v), fmt.Sprintf("%d", k.counts[v])})
	}
	rows = append(rows, row{"console bytes", fmt.Sprintf("%d", k.console)})
	for _, ln := range b.Lines() {
		rows = append(rows, row{fmt.Sprintf("irq %d", ln.IRQ),
			fmt.Sprintf("%d asserts (%s)", ln.Asserts, strings.Join(ln.Owners, ", "))})
	}
	return rows
}
