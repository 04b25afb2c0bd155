package irq

import (
	"sync/atomic"

	"github.com/tinyrange/captain/internal/hal"
)

// Stats counts dispatcher outcomes.
type Stats struct {
	Dispatched uint64
	Busy       uint64
	Unhandled  uint64
}

// Dispatcher runs the handler bound to an interrupt with the shared state its
// action shape declares. Every acquisition is non-blocking: a contended lock
// is reported as hal.ErrBusy before the handler runs.
type Dispatcher[K any] struct {
	platform *hal.Lock[*hal.Platform[K]]
	cores    []*hal.Lock[hal.Core[K]]
	kernel   *hal.Lock[*K]

	dispatched atomic.Uint64
	busy       atomic.Uint64
	unhandled  atomic.Uint64
}

// NewDispatcher captures the core and kernel locks of the platform guarded by
// platform. Both are fixed once the platform is built.
func NewDispatcher[K any](platform *hal.Lock[*hal.Platform[K]]) *Dispatcher[K] {
	p := platform.RLock()
	defer platform.RUnlock()

	cores := make([]*hal.Lock[hal.Core[K]], len(p.Cores))
	copy(cores, p.Cores)
	return &Dispatcher[K]{
		platform: platform,
		cores:    cores,
		kernel:   p.Kernel,
	}
}

// Dispatch runs the handler for ctx and then resumes the interrupted code
// through ctx.Restore. Like Restore it returns only on failure: either the
// interrupt could not be dispatched (no handler, contention) or resumption
// failed.
func (d *Dispatcher[K]) Dispatch(ctx hal.InterruptContext) error {
	h, err := d.lookup(ctx.Core(), ctx.Vector())
	if err != nil {
		d.unhandled.Add(1)
		return err
	}
	if err := d.run(ctx, h.Action); err != nil {
		if err == hal.ErrBusy {
			d.busy.Add(1)
		}
		return err
	}
	d.dispatched.Add(1)
	return ctx.Restore()
}

func (d *Dispatcher[K]) lookup(core, vector int) (hal.InterruptHandler[K], error) {
	if core < 0 || core >= len(d.cores) {
		return hal.InterruptHandler[K]{}, hal.ErrOutOfRange
	}
	c, ok := d.cores[core].TryRLock()
	if !ok {
		return hal.InterruptHandler[K]{}, hal.ErrBusy
	}
	h, bound := c.Handler(vector)
	d.cores[core].RUnlock()
	if !bound {
		return hal.InterruptHandler[K]{}, hal.ErrNoHandler
	}
	return h, nil
}

func (d *Dispatcher[K]) run(ctx hal.InterruptContext, action hal.InterruptHandlerAction[K]) error {
	switch a := action.(type) {
	case hal.Procedure:
		if a == nil {
			return hal.ErrNoHandler
		}
		a()
	case hal.Stub:
		if a == nil {
			return hal.ErrNoHandler
		}
		a(ctx)
	case hal.NeedPlatform[K]:
		if a == nil {
			return hal.ErrNoHandler
		}
		p, ok := d.platform.TryLock()
		if !ok {
			return hal.ErrBusy
		}
		defer d.platform.Unlock()
		a(ctx, *p)
	case hal.NeedKernel[K]:
		if a == nil {
			return hal.ErrNoHandler
		}
		k, ok := d.kernel.TryLock()
		if !ok {
			return hal.ErrBusy
		}
		defer d.kernel.Unlock()
		if *k == nil {
			return hal.ErrNoKernel
		}
		a(ctx, *k)
	case hal.NeedPlatformAndKernel[K]:
		if a == nil {
			return hal.ErrNoHandler
		}
		// Platform first, then kernel. Any other path that takes both must
		// use the same order.
		p, ok := d.platform.TryLock()
		if !ok {
			return hal.ErrBusy
		}
		defer d.platform.Unlock()
		k, ok := d.kernel.TryLock()
		if !ok {
			return hal.ErrBusy
		}
		defer d.kernel.Unlock()
		if *k == nil {
			return hal.ErrNoKernel
		}
		a(ctx, *p, *k)
	default:
		return hal.ErrUnsupported
	}
	return nil
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher[K]) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Busy:       d.busy.Load(),
		Unhandled:  d.unhandled.Load(),
	}
}
