package halloc

import (
	"context"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/hexbyte/halloc/memutils"
	"github.com/hexbyte/halloc/pages"
)

const (
	// DefaultBlockSize is the region size requested from the page provider
	// when CreateOptions.BlockSize is zero.
	DefaultBlockSize = 256 * 1024 * 1024
	// DefaultMaxBlocks caps the number of regions when
	// CreateOptions.MaxBlocks is zero.
	DefaultMaxBlocks = 4
)

// CreateOptions configures a new Halloc. The zero value selects the default
// block geometry, the operating-system page provider, and slog.Default().
type CreateOptions struct {
	// BlockSize is the size in bytes of each region requested from the page
	// provider. It is also the ceiling on a single allocation: requests
	// larger than BlockSize-HeaderSize always fail, because an allocation
	// never spans blocks.
	BlockSize int
	// MaxBlocks bounds the number of regions; total capacity is
	// BlockSize multiplied by MaxBlocks.
	MaxBlocks int
	// Provider supplies mapped regions. Nil selects pages.NewOSProvider().
	Provider pages.Provider
	// Logger receives leak reports and diagnostics. Nil selects
	// slog.Default().
	Logger *slog.Logger
}

// Halloc is the public allocator surface: a block container plus a registry
// of live allocations used for dealloc validation and teardown leak reports.
type Halloc struct {
	logger    *slog.Logger
	container *blockContainer
	live      *swiss.Map[uintptr, int]
}

// New constructs an allocator, eagerly mapping the first block. Construction
// fails if the geometry is unusable or the page provider refuses the first
// region.
func New(options CreateOptions) (*Halloc, error) {
	if options.BlockSize == 0 {
		options.BlockSize = DefaultBlockSize
	}
	if options.MaxBlocks == 0 {
		options.MaxBlocks = DefaultMaxBlocks
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Provider == nil {
		options.Provider = pages.NewOSProvider()
	}

	if options.BlockSize <= HeaderSize {
		return nil, errors.Errorf("BlockSize %d cannot hold a %d-byte segment header and a payload", options.BlockSize, HeaderSize)
	}
	if options.MaxBlocks < 1 {
		return nil, errors.Errorf("MaxBlocks must be at least 1, not %d", options.MaxBlocks)
	}

	container, err := newBlockContainer(options.Provider, options.BlockSize, options.MaxBlocks, options.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct the initial block")
	}

	return &Halloc{
		logger:    options.Logger,
		container: container,
		live:      swiss.NewMap[uintptr, int](64),
	}, nil
}

// Alloc returns a pointer suitable for reading and writing bytes bytes, or
// an error: ErrInvalidSize for a zero or negative request, ErrOutOfMemory
// when capacity is exhausted.
func (h *Halloc) Alloc(bytes int) (unsafe.Pointer, error) {
	if bytes < 1 {
		return nil, errors.Wrapf(ErrInvalidSize, "requested %d bytes", bytes)
	}

	ptr, err := h.container.allocate(bytes + memutils.DebugMargin)
	if err != nil {
		return nil, err
	}

	memutils.WriteMagicValue(ptr, bytes)
	h.live.Put(uintptr(ptr), bytes)

	return ptr, nil
}

// Dealloc releases a pointer previously returned by Alloc. The bytes
// argument is part of the call surface; the segment header already records
// the extent.
func (h *Halloc) Dealloc(ptr unsafe.Pointer, bytes int) error {
	size, ok := h.live.Get(uintptr(ptr))
	if !ok {
		return errors.Wrapf(ErrNotOwned, "pointer %x was not returned by this allocator", uintptr(ptr))
	}

	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(ptr, size) {
		panic("memory corruption detected after a freed allocation")
	}

	h.live.Delete(uintptr(ptr))
	return h.container.deallocate(ptr, bytes+memutils.DebugMargin)
}

// Destroy unmaps every block. Allocations still live at teardown are logged
// individually and reported as an error after the regions are released.
func (h *Halloc) Destroy() error {
	leaked := h.live.Count()
	if leaked > 0 {
		h.live.Iter(func(addr uintptr, size int) bool {
			h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Uint64("address", uint64(addr)),
				slog.Int("size", size))
			return false
		})
		h.live.Clear()
	}

	err := h.container.destroy()
	if err != nil {
		return err
	}

	if leaked > 0 {
		return errors.Errorf("%d allocations were not freed before the destruction of this allocator", leaked)
	}
	return nil
}

// AllocationCount returns the number of live allocations.
func (h *Halloc) AllocationCount() int {
	return h.live.Count()
}

// IsEmpty returns true when no allocations are live in any block.
func (h *Halloc) IsEmpty() bool {
	return h.container.isEmpty()
}

// Validate runs the full consistency check over every block and cross-checks
// the live registry against the blocks' allocation counts.
func (h *Halloc) Validate() error {
	err := h.container.Validate()
	if err != nil {
		return err
	}

	var stats memutils.Statistics
	stats.Clear()
	h.container.addStatistics(&stats)

	if stats.AllocationCount != h.live.Count() {
		return errors.Errorf("the blocks hold %d allocations but the registry holds %d", stats.AllocationCount, h.live.Count())
	}

	return nil
}

// Statistics collects the cheap rollup numbers across all blocks.
func (h *Halloc) Statistics() memutils.Statistics {
	var stats memutils.Statistics
	stats.Clear()
	h.container.addStatistics(&stats)
	return stats
}

// DetailedStatistics walks every segment in every block.
func (h *Halloc) DetailedStatistics() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.container.addDetailedStatistics(&stats)
	return stats
}

// CheckCorruption verifies the debug margin after every live allocation.
// It reports success unless the module was built with the debug_halloc tag,
// since the margins only exist in that build.
func (h *Halloc) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	var err error
	h.live.Iter(func(addr uintptr, size int) bool {
		if !memutils.ValidateMagicValue(unsafe.Pointer(addr), size) {
			err = errors.Errorf("memory corruption detected after the allocation at %x", addr)
			return true
		}
		return false
	})

	return err
}

// DebugLogAllAllocations emits one log line per live allocation across all
// blocks. Slow; diagnostic use only.
func (h *Halloc) DebugLogAllAllocations() {
	h.container.debugLogAllAllocations(h.logger)
}

// BuildStatsString renders the allocator's state as a json document. With
// detailed set, every block includes a segment-by-segment map.
func (h *Halloc) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	stats := h.DetailedStatistics()

	general := obj.Name("General").Object()
	general.Name("BlockCount").Int(stats.BlockCount)
	general.Name("BlockBytes").Int(stats.BlockBytes)
	general.Name("AllocationCount").Int(stats.AllocationCount)
	general.Name("AllocationBytes").Int(stats.AllocationBytes)
	general.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	general.End()

	blocks := obj.Name("Blocks").Object()
	h.container.containerJsonData(blocks, detailed)
	blocks.End()

	obj.End()
	return string(writer.Bytes())
}
