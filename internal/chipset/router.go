package chipset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Route names the core and vector a line is delivered to.
type Route struct {
	Core   int
	Vector int
}

// Raiser is the trap entry a Router delivers to.
type Raiser interface {
	Raise(core, vector int) error
}

// Router is an InterruptSink that turns the rising edge of a routed line into
// a Raise on its core. Falling edges and unrouted lines are dropped.
type Router struct {
	mu     sync.Mutex
	routes map[uint8]Route
	target Raiser
	polls  []PollHandler
}

// NewRouter returns an empty Router delivering to target.
func NewRouter(target Raiser) *Router {
	return &Router{
		routes: make(map[uint8]Route),
		target: target,
	}
}

// WithInterruptLine routes line to the given core and vector. A line can be
// routed once.
func (r *Router) WithInterruptLine(line uint8, to Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, exists := r.routes[line]; exists {
		return fmt.Errorf("chipset: interrupt line %d already routed to core %d vector %d",
			line, existing.Core, existing.Vector)
	}
	r.routes[line] = to
	return nil
}

// Lookup returns the route for line.
func (r *Router) Lookup(line uint8) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	to, ok := r.routes[line]
	return to, ok
}

// SetIRQ implements InterruptSink.
func (r *Router) SetIRQ(line uint8, level bool) {
	if !level {
		return
	}
	to, ok := r.Lookup(line)
	if !ok {
		slog.Debug("chipset: unrouted interrupt line", "line", line)
		return
	}
	if err := r.target.Raise(to.Core, to.Vector); err != nil {
		slog.Warn("chipset: raise", "line", line, "core", to.Core, "vector", to.Vector, "err", err)
	}
}

// WithPollDevice adds a device to the Poll round.
func (r *Router) WithPollDevice(h PollHandler) error {
	if h == nil {
		return fmt.Errorf("chipset: poll handler is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = append(r.polls, h)
	return nil
}

// Poll executes Poll on all poll-capable devices.
func (r *Router) Poll(ctx context.Context) error {
	r.mu.Lock()
	polls := append([]PollHandler(nil), r.polls...)
	r.mu.Unlock()
	for _, handler := range polls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}
