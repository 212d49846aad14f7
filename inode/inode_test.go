package inode_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/blockdevice"
	"github.com/dargueta/tinyfs/internal/bitmap"
	"github.com/dargueta/tinyfs/internal/blockcache"
	"github.com/dargueta/tinyfs/inode"
)

const testDataAreaBase = tinyfs.BlockID(10)

type fixture struct {
	resolver *inode.Resolver
	cache    *blockcache.Cache
	device   tinyfs.BlockDevice
	data     *bitmap.Bitmap
}

func newFixture(totalDataBlocks uint32) fixture {
	device := blockdevice.NewMemDevice(uint32(testDataAreaBase) + totalDataBlocks)
	cache := blockcache.New()
	data := bitmap.New(cache, device, 0, 1, totalDataBlocks)
	return fixture{
		resolver: inode.NewResolver(cache, device, data, testDataAreaBase),
		cache:    cache,
		device:   device,
		data:     data,
	}
}

func TestBlocksNumNeeded(t *testing.T) {
	assert.EqualValues(t, 0, inode.BlocksNumNeeded(0))
	assert.EqualValues(t, 1, inode.BlocksNumNeeded(1))
	assert.EqualValues(t, 1, inode.BlocksNumNeeded(tinyfs.BlockSize))
	assert.EqualValues(t, 2, inode.BlocksNumNeeded(tinyfs.BlockSize+1))
}

func TestWriteAtThenReadAtRoundTrips(t *testing.T) {
	f := newFixture(4096)
	var di tinyfs.DiskInode

	content := bytes.Repeat([]byte{0xA5}, 64*1024)
	n, err := f.resolver.WriteAt(&di, content, 0)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.EqualValues(t, len(content), di.Size)
	assert.NotZero(t, di.Indirect1, "64 KiB must cross into indirect1")

	readBack := make([]byte, len(content))
	n, err = f.resolver.ReadAt(&di, readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.True(t, bytes.Equal(content, readBack))
}

func TestWriteAtCrossingDoubleIndirect(t *testing.T) {
	f := newFixture(4096)
	var di tinyfs.DiskInode

	content := bytes.Repeat([]byte{0x7E}, 200*1024)
	n, err := f.resolver.WriteAt(&di, content, 0)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.EqualValues(t, 200*1024, di.Size)
	assert.NotZero(t, di.Indirect2, "200 KiB must cross into indirect2")

	readBack := make([]byte, len(content))
	_, err = f.resolver.ReadAt(&di, readBack, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, readBack))
}

func TestClearFreesAllAllocatedBlocks(t *testing.T) {
	const totalDataBlocks = 4096
	f := newFixture(totalDataBlocks)
	var di tinyfs.DiskInode

	content := bytes.Repeat([]byte{0x01}, 200*1024)
	_, err := f.resolver.WriteAt(&di, content, 0)
	require.NoError(t, err)

	require.NoError(t, f.resolver.Clear(&di))
	assert.Zero(t, di.Size)
	assert.Zero(t, di.Indirect1)
	assert.Zero(t, di.Indirect2)
	for _, id := range di.Direct {
		assert.Zero(t, id)
	}

	free, err := f.data.CountFree()
	require.NoError(t, err)
	assert.EqualValues(t, totalDataBlocks, free, "every block the write allocated must be free again")
}

func TestReadAtPastEndOfFileReturnsEOF(t *testing.T) {
	f := newFixture(16)
	var di tinyfs.DiskInode

	_, err := f.resolver.WriteAt(&di, []byte("hello"), 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = f.resolver.ReadAt(&di, buf, int64(di.Size))
	assert.ErrorIs(t, err, io.EOF)
}
