package halloc

import (
	"context"
	"math"
	"strconv"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/hexbyte/halloc/memutils"
	"github.com/hexbyte/halloc/pages"
)

// blockContainer composes a fixed-capacity array of blocks. Allocation picks
// the globally smallest fitting free segment across every initialized block,
// creating a new block on demand when none fits; deallocation locates the
// owning block by address-range containment.
type blockContainer struct {
	blocks  []block
	current int

	blockSize int
	provider  pages.Provider
	logger    *slog.Logger
}

// newBlockContainer builds the container and eagerly initializes slot 0.
func newBlockContainer(provider pages.Provider, blockSize, maxBlocks int, logger *slog.Logger) (*blockContainer, error) {
	c := &blockContainer{
		blocks:    make([]block, maxBlocks),
		blockSize: blockSize,
		provider:  provider,
		logger:    logger,
	}

	err := c.blocks[0].init(provider, blockSize)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *blockContainer) destroy() error {
	var firstErr error
	for i := 0; i <= c.current; i++ {
		err := c.blocks[i].destroy()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.current = 0
	return firstErr
}

// bestFitAcross queries every initialized block and returns the index and
// node of the smallest fit, or (-1, nil). Equal sizes go to the lower index.
func (c *blockContainer) bestFitAcross(bytes int) (int, *segment) {
	bestIndex := -1
	bestSize := math.MaxInt
	var bestNode *segment

	for i := 0; i <= c.current; i++ {
		node := c.blocks[i].bestFit(bytes)
		if node == nil {
			continue
		}

		if node.payloadSize() < bestSize {
			bestSize = node.payloadSize()
			bestIndex = i
			bestNode = node
		}
	}

	return bestIndex, bestNode
}

func (c *blockContainer) allocate(bytes int) (unsafe.Pointer, error) {
	if bytes < 1 {
		return nil, errors.Wrapf(ErrInvalidSize, "requested %d bytes", bytes)
	}

	index, node := c.bestFitAcross(bytes)
	if node == nil {
		if c.current+1 >= len(c.blocks) {
			return nil, errors.Wrapf(ErrOutOfMemory, "requested %d bytes with all %d blocks exhausted", bytes, len(c.blocks))
		}

		// Initialize the next slot before publishing it, so a provider
		// failure leaves the container exactly as it was.
		err := c.blocks[c.current+1].init(c.provider, c.blockSize)
		if err != nil {
			c.logger.LogAttrs(context.Background(), slog.LevelWarn, "page provider refused a new block",
				slog.Int("blockSize", c.blockSize),
				slog.Any("error", err))
			return nil, errors.Wrapf(ErrOutOfMemory, "the page provider refused a %d-byte region: %s", c.blockSize, err)
		}
		c.current++

		index = c.current
		node = c.blocks[index].bestFit(bytes)
		if node == nil {
			// A fresh block could not fit the request either; nothing
			// larger will ever exist.
			return nil, errors.Wrapf(ErrOutOfMemory, "requested %d bytes but a block holds at most %d", bytes, c.blockSize-HeaderSize)
		}
	}

	return c.blocks[index].allocate(bytes, node), nil
}

func (c *blockContainer) deallocate(payload unsafe.Pointer, bytes int) error {
	for i := 0; i <= c.current; i++ {
		if c.blocks[i].contains(payload) {
			return c.blocks[i].deallocate(payload, bytes)
		}
	}

	return errors.Wrapf(ErrNotOwned, "payload at %x is not inside any block", uintptr(payload))
}

// Validate fans out to every initialized block and confirms that slots past
// the high-water index are untouched.
func (c *blockContainer) Validate() error {
	for i := 0; i <= c.current; i++ {
		err := c.blocks[i].Validate()
		if err != nil {
			return errors.Wrapf(err, "block %d", i)
		}
	}

	for i := c.current + 1; i < len(c.blocks); i++ {
		if c.blocks[i].head != nil {
			return errors.Errorf("block %d is past the high-water index but has a mapped region", i)
		}
	}

	return nil
}

func (c *blockContainer) isEmpty() bool {
	for i := 0; i <= c.current; i++ {
		if !c.blocks[i].isEmpty() {
			return false
		}
	}
	return true
}

func (c *blockContainer) addStatistics(stats *memutils.Statistics) {
	for i := 0; i <= c.current; i++ {
		c.blocks[i].addStatistics(stats)
	}
}

func (c *blockContainer) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for i := 0; i <= c.current; i++ {
		c.blocks[i].addDetailedStatistics(stats)
	}
}

// debugLogAllAllocations emits one log line per live allocation. Slow;
// diagnostic use only.
func (c *blockContainer) debugLogAllAllocations(logger *slog.Logger) {
	for i := 0; i <= c.current; i++ {
		blockIndex := i
		_ = c.blocks[i].visitAllSegments(func(offset, size int, free bool) error {
			if free {
				return nil
			}

			logger.LogAttrs(context.Background(), slog.LevelDebug, "live allocation",
				slog.Int("block", blockIndex),
				slog.Int("offset", offset),
				slog.Int("size", size))
			return nil
		})
	}
}

// containerJsonData writes one json object per initialized block, keyed by
// block index.
func (c *blockContainer) containerJsonData(obj jwriter.ObjectState, detailed bool) {
	for i := 0; i <= c.current; i++ {
		blockObj := obj.Name(strconv.Itoa(i)).Object()
		c.blocks[i].blockJsonData(blockObj, detailed)
		blockObj.End()
	}
}
