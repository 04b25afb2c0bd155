package hal

import (
	"context"
	"errors"
	"log/slog"
)

// Every error this package hands out is one of the values below. They are
// allocated once at program start so that interrupt-context code can return
// them without touching the allocator.
var (
	ErrBusy = errors.New("resource busy")

	ErrOutOfRange         = errors.New("index out of range")
	ErrOutOfFrames        = errors.New("out of physical frames")
	ErrInvalidVector      = errors.New("invalid interrupt vector")
	ErrMisaligned         = errors.New("address not frame aligned")
	ErrInvalidDeviceRange = errors.New("address outside any device window")

	ErrAlreadyGrabbed  = errors.New("device already grabbed")
	ErrNotGrabbed      = errors.New("device not grabbed from this controller")
	ErrVectorOccupied  = errors.New("interrupt vector already has a handler")
	ErrNoHandler       = errors.New("no handler bound to interrupt vector")
	ErrAlreadyMapped   = errors.New("address already mapped")
	ErrAlreadyStarted  = errors.New("core already started")
	ErrNoKernel        = errors.New("kernel extension not installed")
	ErrKernelInstalled = errors.New("kernel extension already installed")
	ErrReleased        = errors.New("handle already released")
	ErrRestricted      = errors.New("mapping restricted to kernel")
	ErrPowerRequested  = errors.New("power transition already requested")

	ErrUnsupported = errors.New("operation not supported by controller")
	ErrHardware    = errors.New("hardware reported a failure")
)

// Class groups errors by the condition a caller has to react to.
type Class int

const (
	ClassUnknown Class = iota
	// ClassContention is transient: the resource was held by someone else.
	ClassContention
	// ClassRange covers indices, vectors and addresses the caller got wrong.
	ClassRange
	// ClassState covers requests that conflict with current ownership or binding.
	ClassState
	// ClassUnsupported covers missing features and hardware faults.
	ClassUnsupported
)

func (c Class) String() string {
	switch c {
	case ClassContention:
		return "contention"
	case ClassRange:
		return "range"
	case ClassState:
		return "state"
	case ClassUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

var classes = []struct {
	err   error
	class Class
}{
	{ErrBusy, ClassContention},

	{ErrOutOfRange, ClassRange},
	{ErrOutOfFrames, ClassRange},
	{ErrInvalidVector, ClassRange},
	{ErrMisaligned, ClassRange},
	{ErrInvalidDeviceRange, ClassRange},

	{ErrAlreadyGrabbed, ClassState},
	{ErrNotGrabbed, ClassState},
	{ErrVectorOccupied, ClassState},
	{ErrNoHandler, ClassState},
	{ErrAlreadyMapped, ClassState},
	{ErrAlreadyStarted, ClassState},
	{ErrNoKernel, ClassState},
	{ErrKernelInstalled, ClassState},
	{ErrReleased, ClassState},
	{ErrRestricted, ClassState},
	{ErrPowerRequested, ClassState},

	{ErrUnsupported, ClassUnsupported},
	{ErrHardware, ClassUnsupported},
}

// ClassOf reports the class of err, looking through wrapping.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassUnknown
}

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassContention
}

// DebugEnabled reports whether the default logger keeps debug records.
// Runtime failure paths log their detail only behind it and return a bare
// sentinel, which keeps a failed call free of allocations.
func DebugEnabled() bool {
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}
