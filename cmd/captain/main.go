// Command captain boots a hosted board and runs a small monitor kernel on it.
// Serial input is echoed back, timer ticks are counted and the interrupt
// totals are printed when the board powers off or the run is interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tinyrange/captain/internal/board"
	"github.com/tinyrange/captain/internal/captain"
	"github.com/tinyrange/captain/internal/driver"
	"github.com/tinyrange/captain/internal/trace"
)

const defaultBoard = `
name: demo
cores:
  count: 2
serial:
  - name: com1
    irq: 4
    console: true
timers:
  - name: hpet0
    irq: 2
rtc:
  - name: rtc0
    irq: 8
framebuffers:
  - name: fb0
    width: 320
    height: 32
    doubleBuffered: true
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "captain: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("captain", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "board description (YAML); a two-core demo board when empty")
	debug := flags.Bool("debug", false, "enable debug logging")
	printConfig := flags.Bool("print-config", false, "print the normalised board description and exit")
	interval := flags.Duration("interval", time.Millisecond, "device poll interval")
	tick := flags.Duration("tick", 100*time.Millisecond, "monitor timer period")
	duration := flags.Duration("duration", 0, "power off after this long (0 runs until interrupted)")
	noColor := flags.Bool("no-color", false, "disable coloured output")
	tracePath := flags.String("trace", "", "record every interrupt delivery to this file")
	dtbPath := flags.String("dtb", "", "write the board's flattened device tree to this file and exit")
	screenshotDir := flags.String("screenshot", "", "save the last frame of every framebuffer to this directory as PNG")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a hosted board and run the monitor kernel on it.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *printConfig {
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	p, b, err := board.New[monitor](cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if *dtbPath != "" {
		return os.WriteFile(*dtbPath, b.DeviceTree(), 0o644)
	}

	var shots *screens
	if *screenshotDir != "" {
		shots = watchScreens(b.Framebuffers)
	}

	reg := driver.NewRegistry[monitor]()
	reg.MustRegister("monitor-handlers", "v1.0.0", installHandlers(b, *tick))

	c, err := captain.Boot(p, reg, newMonitor())
	if err != nil {
		return err
	}
	b.SetDispatcher(c.Dispatcher())
	if err := c.StartCores(); err != nil {
		return err
	}

	if *tracePath != "" {
		closeTrace, err := startTrace(b, *tracePath)
		if err != nil {
			return err
		}
		defer closeTrace()
	}

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	width := 0
	if tty {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}
	color := tty && !*noColor
	fmt.Fprint(os.Stdout, renderTable(inventoryRows(p, b), width, color))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *duration > 0 {
		time.AfterFunc(*duration, func() {
			if err := b.Power().Shutdown(); err != nil {
				slog.Debug("captain: timed shutdown", "err", err)
			}
		})
	}

	slog.Info("captain: running", "board", cfg.Name, "config", b.Hash().Short())
	err = b.Run(ctx, *interval)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	fmt.Fprint(os.Stdout, renderTable(summaryRows(p, b, c), width, color))
	if shots != nil {
		if serr := shots.save(*screenshotDir); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func startTrace(b *board.Board[monitor], path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	w, err := trace.NewWriter(f, trace.Meta{Board: b.Config().Name, Config: b.Hash().String(), Started: time.Now()})
	if err != nil {
		f.Close()
		return nil, err
	}
	b.SetTrace(w)
	return func() {
		b.SetTrace(nil)
		if err := w.Close(); err != nil {
			slog.Warn("captain: close trace", "err", err)
		}
		if n := w.Dropped(); n > 0 {
			slog.Warn("captain: trace dropped events", "count", n)
		}
		f.Close()
	}, nil
}

func loadConfig(path string) (board.Config, error) {
	if path == "" {
		return board.ParseConfig([]byte(defaultBoard))
	}
	return board.LoadConfig(path)
}
