package memutils

// Validatable is implemented by every structure that can audit its own bookkeeping. Segments, budgets and
// the mmap emulator all satisfy it, which lets DebugValidate assert them after mutating operations.
type Validatable interface {
	Validate() error
}
