package main

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tinyrange/captain/internal/board"
	"github.com/tinyrange/captain/internal/devices/hpet"
	"github.com/tinyrange/captain/internal/hal"
)

// monitor is the kernel extension: per-vector interrupt counts and the bytes
// read from serial ports.
type monitor struct {
	counts  map[int]uint64
	console uint64
	ticks   uint64
}

func newMonitor() *monitor {
	return &monitor{counts: make(map[int]uint64)}
}

func (m *monitor) vectors() []int {
	out := make([]int, 0, len(m.counts))
	for v := range m.counts {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// installHandlers binds a handler for every routed serial port, timer and
// wall clock. Timers fire every tick and wall clocks every second.
func installHandlers(b *board.Board[monitor], tick time.Duration) hal.DriverInit[monitor] {
	return func(p *hal.Platform[monitor]) error {
		cfg := b.Config()
		for i, s := range cfg.Serial {
			if err := bind(b, p, s.IRQ, "serial:"+s.Name, echo(i)); err != nil {
				return err
			}
		}
		for i, t := range cfg.Timers {
			if err := bind(b, p, t.IRQ, "timer:"+t.Name, heartbeat); err != nil {
				return err
			}
			b.Timers[i].SetPeriodic(uint64(tick.Nanoseconds()) * hpet.FrequencyHz / uint64(time.Second))
		}
		for i, r := range cfg.RTC {
			index := len(cfg.Timers) + i
			if err := bind(b, p, r.IRQ, "rtc:"+r.Name, everySecond(index)); err != nil {
				return err
			}
			if err := p.Timers[index].Write(func(t *hal.Timer) error {
				return (*t).SetDeadline((*t).Now() + 1)
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func bind(b *board.Board[monitor], p *hal.Platform[monitor], line uint8, name string, action hal.InterruptHandlerAction[monitor]) error {
	if line == 0 {
		return nil
	}
	route, ok := b.Router().Lookup(line)
	if !ok {
		slog.Warn("captain: line has no route", "line", line, "handler", name)
		return nil
	}
	return p.Cores[route.Core].Write(func(c *hal.Core[monitor]) error {
		if err := (*c).RegisterInterruptHandler(route.Vector, hal.InterruptHandler[monitor]{Name: name, Action: action}, false); err != nil {
			return fmt.Errorf("bind %s to vector %d: %w", name, route.Vector, err)
		}
		return nil
	})
}

// heartbeat counts a timer tick and advances a bar across every
// framebuffer, one column per tick.
var heartbeat = hal.NeedPlatformAndKernel[monitor](func(ctx hal.InterruptContext, p *hal.Platform[monitor], m *monitor) {
	m.counts[ctx.Vector()]++
	m.ticks++
	for _, l := range p.Framebuffers {
		fb, ok := l.TryLock()
		if !ok {
			continue
		}
		drawBar(*fb, m.ticks)
		if err := (*fb).SwapBuffers(); err != nil {
			slog.Warn("captain: present frame", "driver", (*fb).Driver(), "err", err)
		}
		l.Unlock()
	}
})

// everySecond counts a wall clock match and re-arms the clock at timer
// index for the next second. Re-arming drops the level-triggered line.
func everySecond(index int) hal.InterruptHandlerAction[monitor] {
	return hal.NeedPlatformAndKernel[monitor](func(ctx hal.InterruptContext, p *hal.Platform[monitor], m *monitor) {
		m.counts[ctx.Vector()]++
		t, ok := p.Timers[index].TryLock()
		if !ok {
			return
		}
		defer p.Timers[index].Unlock()
		if err := (*t).SetDeadline((*t).Now() + 1); err != nil {
			slog.Warn("captain: re-arm rtc", "err", err)
		}
	})
}

// echo sends whatever serial port index received straight back.
func echo(index int) hal.InterruptHandlerAction[monitor] {
	return hal.NeedPlatformAndKernel[monitor](func(ctx hal.InterruptContext, p *hal.Platform[monitor], m *monitor) {
		m.counts[ctx.Vector()]++
		port, ok := p.SerialPorts[index].TryLock()
		if !ok {
			return
		}
		defer p.SerialPorts[index].Unlock()

		var buf [16]byte
		n, _ := (*port).Read(buf[:])
		m.console += uint64(n)
		for off := 0; off < n && (*port).ReadyForWriting(); {
			w, err := (*port).Write(buf[off:n])
			if err != nil {
				break
			}
			off += w
		}
	})
}
