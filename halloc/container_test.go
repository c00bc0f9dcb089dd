package halloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"

	"github.com/hexbyte/halloc/pages"
	"github.com/hexbyte/halloc/pages/mock_pages"
)

func newTestContainer(t *testing.T, blockSize, maxBlocks int) *blockContainer {
	t.Helper()

	c, err := newBlockContainer(pages.NewOSProvider(), blockSize, maxBlocks, slog.Default())
	require.NoError(t, c.Validate())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.destroy())
	})

	return c
}

func TestContainerEagerFirstBlock(t *testing.T) {
	c := newTestContainer(t, 1024, 3)

	require.Equal(t, 0, c.current)
	require.NotNil(t, c.blocks[0].head)
	require.Nil(t, c.blocks[1].head)
	require.Nil(t, c.blocks[2].head)
}

func TestContainerRejectsZeroSize(t *testing.T) {
	c := newTestContainer(t, 1024, 1)

	_, err := c.allocate(0)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestContainerBestFitAcrossBlocks(t *testing.T) {
	c := newTestContainer(t, 1024, 3)

	// Block 0: a 512 allocation splits the region into 512 used and
	// 1024-2H-512 free.
	big, err := c.allocate(512)
	require.NoError(t, err)
	require.True(t, c.blocks[0].contains(big))
	require.NoError(t, c.Validate())

	// A whole-region request cannot fit block 0's remainder; block 1 is
	// created on demand.
	huge, err := c.allocate(1024 - 2*HeaderSize)
	require.NoError(t, err)
	require.Equal(t, 1, c.current)
	require.True(t, c.blocks[1].contains(huge))
	require.NoError(t, c.Validate())

	// A small request lands in block 0's remainder rather than growing the
	// container.
	small, err := c.allocate(128)
	require.NoError(t, err)
	require.Equal(t, 1, c.current)
	require.True(t, c.blocks[0].contains(small))
	require.NoError(t, c.Validate())

	require.NoError(t, c.deallocate(big, 512))
	require.NoError(t, c.Validate())

	// The freed 512 hole in block 0 is now the global best fit; block 2
	// must not be created for a request it can satisfy.
	refill, err := c.allocate(500)
	require.NoError(t, err)
	require.Equal(t, 1, c.current)
	require.True(t, c.blocks[0].contains(refill))
	require.NoError(t, c.Validate())

	require.NoError(t, c.deallocate(huge, 1024-2*HeaderSize))
	require.NoError(t, c.deallocate(small, 128))
	require.NoError(t, c.deallocate(refill, 500))
	require.True(t, c.isEmpty())
}

func TestContainerTieBreaksOnLowerIndex(t *testing.T) {
	c := newTestContainer(t, 1024, 2)

	// Fill block 0, force block 1 into existence, then free both whole
	// regions so the two blocks offer equal-size candidates.
	first, err := c.allocate(1024 - HeaderSize)
	require.NoError(t, err)
	second, err := c.allocate(1024 - HeaderSize)
	require.NoError(t, err)
	require.Equal(t, 1, c.current)

	require.NoError(t, c.deallocate(first, 1024-HeaderSize))
	require.NoError(t, c.deallocate(second, 1024-HeaderSize))

	index, node := c.bestFitAcross(64)
	require.Equal(t, 0, index)
	require.NotNil(t, node)
}

func TestContainerCapacityExhaustion(t *testing.T) {
	c := newTestContainer(t, 400, 1)

	// The single block's free payload is 400-H, so a whole-block-size
	// request can never fit.
	_, err := c.allocate(400)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.NoError(t, c.Validate())

	ptr, err := c.allocate(400 - HeaderSize)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	_, err = c.allocate(1)
	require.ErrorIs(t, err, ErrOutOfMemory)

	require.NoError(t, c.deallocate(ptr, 400-HeaderSize))
}

func TestContainerOversizedRequestFailsAfterNewBlock(t *testing.T) {
	c := newTestContainer(t, 1024, 3)

	// Nothing fits a request larger than a whole block's payload, not even
	// a freshly created one.
	_, err := c.allocate(1024)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// The attempt still created a block; the container stays consistent.
	require.NoError(t, c.Validate())
}

func TestContainerDeallocateUnknownPointer(t *testing.T) {
	c := newTestContainer(t, 1024, 1)

	var local int
	err := c.deallocate(unsafe.Pointer(&local), 8)
	require.ErrorIs(t, err, ErrNotOwned)
}

func TestContainerOwnerLookup(t *testing.T) {
	c := newTestContainer(t, 1024, 3)

	first, err := c.allocate(1024 - HeaderSize)
	require.NoError(t, err)
	second, err := c.allocate(1024 - HeaderSize)
	require.NoError(t, err)

	// Each pointer is released by the block that owns it, regardless of
	// dealloc order.
	require.NoError(t, c.deallocate(second, 1024-HeaderSize))
	require.NoError(t, c.deallocate(first, 1024-HeaderSize))
	require.NoError(t, c.Validate())

	err = c.deallocate(second, 1024-HeaderSize)
	require.ErrorIs(t, err, ErrDoubleFree)
}

func TestContainerProviderFailureLeavesStateIntact(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var regions [][]uint64
	provider := mock_pages.NewMockProvider(ctrl)

	okMap := provider.EXPECT().Map(1024).DoAndReturn(func(bytes int) (unsafe.Pointer, error) {
		buf := make([]uint64, (bytes+7)/8)
		regions = append(regions, buf)
		return unsafe.Pointer(&buf[0]), nil
	})
	provider.EXPECT().Map(1024).Return(unsafe.Pointer(nil), errMockMap).After(okMap)

	c, err := newBlockContainer(provider, 1024, 4, slog.Default())
	require.NoError(t, err)

	ptr, err := c.allocate(1024 - HeaderSize)
	require.NoError(t, err)

	// The next allocation needs a second block; the provider refuses, the
	// container reports exhaustion and keeps its shape.
	_, err = c.allocate(64)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, 0, c.current)
	require.NoError(t, c.Validate())

	require.NoError(t, c.deallocate(ptr, 1024-HeaderSize))

	provider.EXPECT().Unmap(gomock.Any(), 1024).Return(nil)
	require.NoError(t, c.destroy())
}
