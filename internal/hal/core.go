package hal

// Core is one physical or logical processor.
type Core[K any] interface {
	IsInUse() bool
	// Start brings the core up. It succeeds at most once per core.
	Start() error
	IsBootProcessor() bool
	FrequencyHz() uint64
	Manufacturer() string
	Model() string

	// InterruptHandlers returns the bound handlers ordered by vector.
	InterruptHandlers() []BoundHandler[K]

	// RegisterInterruptHandler binds handler to vector. It fails with
	// ErrVectorOccupied when a handler is already bound; there is no
	// chaining and no silent replacement. preferFast is a placement hint.
	RegisterInterruptHandler(vector int, handler InterruptHandler[K], preferFast bool) error

	// UnregisterInterruptHandler removes and returns the handler bound to
	// vector, or fails with ErrNoHandler.
	UnregisterInterruptHandler(vector int) (InterruptHandler[K], error)

	// Handler returns the handler bound to vector without removing it.
	Handler(vector int) (InterruptHandler[K], bool)

	// DisableInterrupts and EnableInterrupts nest: every disable needs a
	// matching enable, and an enable with nothing to undo is a no-op.
	DisableInterrupts()
	EnableInterrupts()
	InterruptsEnabled() bool
}
