package halloc

import "github.com/pkg/errors"

var (
	// ErrInvalidSize is returned from Alloc when the requested size is less
	// than one byte.
	ErrInvalidSize = errors.New("allocation size must be at least one byte")

	// ErrOutOfMemory is returned from Alloc when no block can hold the
	// request and no further block can be created, either because MaxBlocks
	// has been reached or because the page provider refused a region.
	ErrOutOfMemory = errors.New("no block can hold the requested allocation")

	// ErrNotOwned is returned from Dealloc when the pointer is not a live
	// allocation of this allocator: it lies outside every block, was never
	// returned by Alloc, or has already been released.
	ErrNotOwned = errors.New("pointer does not belong to this allocator")

	// ErrDoubleFree is returned by the block layer when the segment behind
	// the pointer is already free. Dealloc reports a repeated release as
	// ErrNotOwned, because the pointer has already left the live registry.
	ErrDoubleFree = errors.New("payload is already free")

	// ErrConstructFailed marks errors from New when the page provider
	// refuses the initial block's region. The provider's error stays in the
	// chain.
	ErrConstructFailed = errors.New("block construction failed")
)
