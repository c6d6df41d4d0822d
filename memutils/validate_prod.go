//go:build !debug_mem_utils

package memutils

// DebugValidate is compiled out without the debug_mem_utils tag. Call Validate directly to audit
// bookkeeping in a production build.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 is compiled out without the debug_mem_utils tag
func DebugCheckPow2[T Number](value T, name string) {
}
