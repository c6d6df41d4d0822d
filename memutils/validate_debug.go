//go:build debug_mem_utils

package memutils

// DebugValidate audits a segment, budget or emulator after it has been mutated and panics with the
// Validate error if its bookkeeping is broken. Built without debug_mem_utils it does nothing, so the
// consistency walk costs nothing in production.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value, typically a page size reported by a provider, is not a power of two
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
