// Package captain is the kernel-side entry point. It takes a built platform,
// runs the registered drivers against it and hands interrupts to the kernel
// extension through the dispatcher.
package captain

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/captain/internal/driver"
	"github.com/tinyrange/captain/internal/hal"
	"github.com/tinyrange/captain/internal/irq"
)

// Captain owns a booted platform.
type Captain[K any] struct {
	platform   *hal.Lock[*hal.Platform[K]]
	dispatcher *irq.Dispatcher[K]
	drivers    []driver.Entry[K]
}

// Boot validates p, runs every driver in reg, installs kernel and builds the
// interrupt dispatcher. The first driver failure aborts the boot. reg may be
// nil.
func Boot[K any](p *hal.Platform[K], reg *driver.Registry[K], kernel *K) (*Captain[K], error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("captain: %w", err)
	}

	var drivers []driver.Entry[K]
	if reg != nil {
		drivers = reg.Entries()
	}
	for _, d := range drivers {
		if err := d.Init(p); err != nil {
			return nil, fmt.Errorf("captain: driver %s %s: %w", d.Name, d.Version, err)
		}
		slog.Debug("captain: driver initialised", "name", d.Name, "version", d.Version)
	}

	if err := p.InstallKernel(kernel); err != nil {
		return nil, fmt.Errorf("captain: install kernel: %w", err)
	}

	lock := hal.NewLock(p)
	c := &Captain[K]{
		platform:   lock,
		dispatcher: irq.NewDispatcher(lock),
		drivers:    drivers,
	}

	inv := p.Inventory()
	slog.Info("captain: booted",
		"cores", inv.Cores,
		"boot", p.BootProcessor(),
		"drivers", len(drivers),
		"serial", inv.SerialPorts,
		"nics", inv.NicControllers,
		"storage", inv.StorageControllers)
	if err := p.Logger.Write(func(l *hal.Logger) error {
		(*l).Log(fmt.Sprintf("captain: %d cores, %d drivers", inv.Cores, len(drivers)))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("captain: console: %w", err)
	}
	return c, nil
}

// StartCores starts every core that is not yet in use. Cores that fail to
// start are reported together; the rest still start.
func (c *Captain[K]) StartCores() error {
	p := c.platform.RLock()
	cores := p.Cores
	c.platform.RUnlock()

	var errs []error
	for i, l := range cores {
		err := l.Write(func(core *hal.Core[K]) error {
			if (*core).IsInUse() {
				return nil
			}
			return (*core).Start()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("captain: start core %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher is the interrupt entry the platform's trap handler calls.
func (c *Captain[K]) Dispatcher() *irq.Dispatcher[K] { return c.dispatcher }

// Platform is the lock the dispatcher acquires for NeedPlatform handlers.
func (c *Captain[K]) Platform() *hal.Lock[*hal.Platform[K]] { return c.platform }

// Drivers lists the drivers that ran at boot.
func (c *Captain[K]) Drivers() []driver.Entry[K] { return c.drivers }
