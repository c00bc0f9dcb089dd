//go:build debug_halloc

package memutils

import "unsafe"

// DebugMargin is the number of canary bytes placed after each payload the
// allocator hands out.
const DebugMargin = 16

// canaryPattern is repeated across the margin; a payload overrun tears it.
var canaryPattern = [4]byte{0x9D, 0x2F, 0x70, 0xA1}

// WriteMagicValue fills the DebugMargin bytes at data+offset with the canary
// pattern. Compiled out unless the debug_halloc build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	margin := unsafe.Slice((*byte)(unsafe.Add(data, offset)), DebugMargin)
	for i := range margin {
		margin[i] = canaryPattern[i%len(canaryPattern)]
	}
}

// ValidateMagicValue reports whether the canary written by WriteMagicValue
// is intact. Always true unless the debug_halloc build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	margin := unsafe.Slice((*byte)(unsafe.Add(data, offset)), DebugMargin)
	for i := range margin {
		if margin[i] != canaryPattern[i%len(canaryPattern)] {
			return false
		}
	}
	return true
}

// DebugValidate runs the full consistency check on validatable and panics on
// any failure. Compiled out unless the debug_halloc build tag is present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
