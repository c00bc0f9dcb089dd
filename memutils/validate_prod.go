//go:build !debug_halloc

package memutils

import "unsafe"

// DebugMargin is the number of canary bytes placed after each payload the
// allocator hands out. Zero outside debug builds: payloads are packed tight.
const DebugMargin = 0

// WriteMagicValue fills the DebugMargin bytes at data+offset with the canary
// pattern. Compiled out unless the debug_halloc build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// ValidateMagicValue reports whether the canary written by WriteMagicValue
// is intact. Always true unless the debug_halloc build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate runs the full consistency check on validatable and panics on
// any failure. Compiled out unless the debug_halloc build tag is present.
func DebugValidate(validatable Validatable) {
}
