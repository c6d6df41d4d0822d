package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied. Exhausted address space, a failed
	// commit and an Accountant refusal all look the same to the caller.
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrTooLarge is returned when a request can never be satisfied by a segment, regardless of its state
	ErrTooLarge error = errors.New("allocation exceeds the maximum segment size")
	// ErrDestroyed is returned when an operation is attempted on a segment that has already been torn down
	ErrDestroyed error = errors.New("segment has been destroyed")
	// ErrInvalidPointer is the panic value for pointers that do not head a block inside a segment
	ErrInvalidPointer error = errors.New("pointer does not refer to an allocation in this segment")
	// ErrDoubleFree is the panic value for pointers whose block is not currently allocated
	ErrDoubleFree error = errors.New("block is not allocated")
	// ErrInconsistent is returned from Validate methods when internal bookkeeping is broken
	ErrInconsistent error = errors.New("internal consistency check failed")
)
