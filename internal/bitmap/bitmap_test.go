package bitmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/blockdevice"
	"github.com/dargueta/tinyfs/internal/bitmap"
	"github.com/dargueta/tinyfs/internal/blockcache"
)

func newBitmap(numBlocks, capacity uint32) (*bitmap.Bitmap, tinyfs.BlockDevice) {
	device := blockdevice.NewMemDevice(numBlocks + 1)
	cache := blockcache.New()
	return bitmap.New(cache, device, 1, numBlocks, capacity), device
}

func TestAllocReturnsSmallestFreeBit(t *testing.T) {
	bm, _ := newBitmap(1, 4096)

	first, err := bm.Alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 0, first)

	second, err := bm.Alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 1, second)

	require.NoError(t, bm.Free(0))

	third, err := bm.Alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 0, third, "alloc should prefer the just-freed lowest bit")
}

func TestFreeOfClearBitPanics(t *testing.T) {
	bm, _ := newBitmap(1, 4096)

	idx, err := bm.Alloc()
	require.NoError(t, err)
	require.NoError(t, bm.Free(idx))

	assert.Panics(t, func() {
		bm.Free(idx)
	}, "freeing an already-clear bit is a double free and must panic")
}

func TestAllocExhaustion(t *testing.T) {
	bm, _ := newBitmap(1, 8)

	for i := 0; i < 8; i++ {
		_, err := bm.Alloc()
		require.NoError(t, err)
	}

	_, err := bm.Alloc()
	assert.ErrorIs(t, err, tinyfs.ErrNoSpace)
}

func TestAllocSkipsPaddingBeyondCapacity(t *testing.T) {
	// One block holds 4096 raw bits, but capacity restricts the bitmap to
	// fewer allocatable units; allocating all of them must not spill into
	// the padding bits.
	bm, _ := newBitmap(1, 10)

	for i := 0; i < 10; i++ {
		_, err := bm.Alloc()
		require.NoError(t, err)
	}

	_, err := bm.Alloc()
	assert.ErrorIs(t, err, tinyfs.ErrNoSpace)
}

func TestCountFree(t *testing.T) {
	bm, _ := newBitmap(1, 16)

	free, err := bm.CountFree()
	require.NoError(t, err)
	assert.EqualValues(t, 16, free)

	_, err = bm.Alloc()
	require.NoError(t, err)

	free, err = bm.CountFree()
	require.NoError(t, err)
	assert.EqualValues(t, 15, free)
}

func TestAllocCrossesWordBoundary(t *testing.T) {
	bm, _ := newBitmap(1, 200)

	for i := uint32(0); i < 64; i++ {
		_, err := bm.Alloc()
		require.NoError(t, err)
	}

	next, err := bm.Alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 64, next, "alloc should move into the second word once the first is full")
}
