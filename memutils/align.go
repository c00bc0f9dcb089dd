// Package memutils holds the small shared pieces of the allocator: size
// alignment, the debug validation hooks, and the statistics rollups the
// blocks report into.
package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// ErrNotPowerOfTwo is wrapped by CheckPow2 when the tested value is not a
// power of two.
var ErrNotPowerOfTwo = cerrors.New("value must be a power of two")

// CheckPow2 verifies that value is a positive power of two, naming the
// offending value in the returned error if it is not.
func CheckPow2(value int, name string) error {
	if value <= 0 || value&(value-1) != 0 {
		return cerrors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, value)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment, which must
// be a power of two.
func AlignUp(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}
