package hal

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{ErrBusy, ClassContention},
		{ErrOutOfRange, ClassRange},
		{ErrOutOfFrames, ClassRange},
		{ErrInvalidVector, ClassRange},
		{ErrMisaligned, ClassRange},
		{ErrAlreadyGrabbed, ClassState},
		{ErrVectorOccupied, ClassState},
		{ErrNoHandler, ClassState},
		{ErrAlreadyMapped, ClassState},
		{ErrPowerRequested, ClassState},
		{ErrUnsupported, ClassUnsupported},
		{ErrHardware, ClassUnsupported},
		{fmt.Errorf("pci: grab 3: %w", ErrAlreadyGrabbed), ClassState},
		{errors.New("something else"), ClassUnknown},
		{nil, ClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.err); got != tt.want {
			t.Errorf("ClassOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDistinctMappingFailures(t *testing.T) {
	// Callers must be able to tell these apart.
	errs := []error{ErrOutOfFrames, ErrAlreadyMapped, ErrMisaligned}
	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Fatalf("%v matches %v", a, b)
			}
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(fmt.Errorf("wrapped: %w", ErrBusy)) {
		t.Fatalf("wrapped ErrBusy should be transient")
	}
	if IsTransient(ErrAlreadyGrabbed) {
		t.Fatalf("ErrAlreadyGrabbed should not be transient")
	}
}
