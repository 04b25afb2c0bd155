package hal

// InterruptContext is the machine state captured by the trap entry when an
// interrupt is delivered.
type InterruptContext interface {
	// Core is the index of the core that took the interrupt.
	Core() int
	// Vector is the vector number that was raised.
	Vector() int

	// Restore transfers control back to the interrupted code. It returns
	// only if resumption failed, and the returned error is never nil. Code
	// after a successful Restore is unreachable.
	Restore() error
}

// InterruptHandlerAction is the closed set of handler shapes. The shape tells
// the dispatcher which shared state the handler needs so that it acquires no
// lock the handler does not use.
type InterruptHandlerAction[K any] interface {
	isInterruptHandlerAction()
}

// Procedure needs no context and no locks.
type Procedure func()

// Stub reads the interrupt context only.
type Stub func(ctx InterruptContext)

// NeedPlatform runs with the platform held exclusively.
type NeedPlatform[K any] func(ctx InterruptContext, p *Platform[K])

// NeedKernel runs with the kernel extension held exclusively.
type NeedKernel[K any] func(ctx InterruptContext, k *K)

// NeedPlatformAndKernel runs with both held. The platform is always acquired
// before the kernel.
type NeedPlatformAndKernel[K any] func(ctx InterruptContext, p *Platform[K], k *K)

func (Procedure) isInterruptHandlerAction()                {}
func (Stub) isInterruptHandlerAction()                     {}
func (NeedPlatform[K]) isInterruptHandlerAction()          {}
func (NeedKernel[K]) isInterruptHandlerAction()            {}
func (NeedPlatformAndKernel[K]) isInterruptHandlerAction() {}

var (
	_ InterruptHandlerAction[struct{}] = Procedure(nil)
	_ InterruptHandlerAction[struct{}] = Stub(nil)
	_ InterruptHandlerAction[struct{}] = NeedPlatform[struct{}](nil)
	_ InterruptHandlerAction[struct{}] = NeedKernel[struct{}](nil)
	_ InterruptHandlerAction[struct{}] = NeedPlatformAndKernel[struct{}](nil)
)

// InterruptHandler is a named action bound to at most one vector at a time.
type InterruptHandler[K any] struct {
	Name   string
	Action InterruptHandlerAction[K]
}

// BoundHandler pairs a vector with the handler bound to it.
type BoundHandler[K any] struct {
	Vector  int
	Handler InterruptHandler[K]
	// Fast records the placement hint passed at registration.
	Fast bool
}
