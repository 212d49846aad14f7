package filesystem_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/filesystem"
	"github.com/dargueta/tinyfs/tinyfstest"
)

func TestFormatAndRoot(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)

	root := fs.RootInode()
	assert.EqualValues(t, 0, root.ID())

	isDir, err := root.IsDirectory()
	require.NoError(t, err)
	assert.True(t, isDir)

	size, err := root.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	names, err := root.Ls()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateAndFind(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	_, err := root.Create("hello", tinyfs.InodeFile)
	require.NoError(t, err)

	found, err := root.Find("hello")
	require.NoError(t, err)
	assert.NotNil(t, found)

	_, err = root.Create("hello", tinyfs.InodeFile)
	assert.ErrorIs(t, err, tinyfs.ErrExists)

	names, err := root.Ls()
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, names)
}

func TestCreateOnFileFails(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	file, err := root.Create("leaf", tinyfs.InodeFile)
	require.NoError(t, err)

	_, err = file.Create("nested", tinyfs.InodeFile)
	assert.ErrorIs(t, err, tinyfs.ErrNotADirectory)
}

func TestLargeWriteCrossingIndirect1(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	big, err := root.Create("big", tinyfs.InodeFile)
	require.NoError(t, err)

	content := bytes.Repeat([]byte{0xA5}, 64*1024)
	n, err := big.Write(0, content)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)

	size, err := big.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 65536, size)

	readBack := make([]byte, len(content))
	_, err = big.Read(0, readBack)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, readBack))
}

func TestDoubleIndirectWrite(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	huge, err := root.Create("huge", tinyfs.InodeFile)
	require.NoError(t, err)

	content := bytes.Repeat([]byte{0x3C}, 200*1024)
	_, err = huge.Write(0, content)
	require.NoError(t, err)

	size, err := huge.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 204800, size)

	readBack := make([]byte, len(content))
	_, err = huge.Read(0, readBack)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, readBack))
}

func TestClearFreesData(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	statBefore, err := fs.Stat()
	require.NoError(t, err)

	file, err := root.Create("tmp", tinyfs.InodeFile)
	require.NoError(t, err)

	content := bytes.Repeat([]byte{0x11}, 200*1024)
	_, err = file.Write(0, content)
	require.NoError(t, err)

	require.NoError(t, file.Clear())

	size, err := file.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	statAfter, err := fs.Stat()
	require.NoError(t, err)
	// statBefore was taken before "tmp" existed, so the one data block
	// Create allocated for the root directory's first entry is the allowed
	// difference; every block of "tmp" itself must be released again (the
	// directory entry itself persists until Destroy).
	assert.InDelta(t, int64(statBefore.BlocksFree), int64(statAfter.BlocksFree), 1)
}

func TestDestroyRemovesEntryAndFreesInode(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	statBefore, err := fs.Stat()
	require.NoError(t, err)

	_, err = root.Create("a", tinyfs.InodeFile)
	require.NoError(t, err)
	_, err = root.Create("b", tinyfs.InodeFile)
	require.NoError(t, err)

	require.NoError(t, root.Destroy("a"))

	names, err := root.Ls()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	_, err = root.Find("a")
	assert.ErrorIs(t, err, tinyfs.ErrNotFound)

	statAfter, err := fs.Stat()
	require.NoError(t, err)
	assert.Equal(t, statBefore.FilesFree, statAfter.FilesFree+1, "one inode should remain allocated for \"b\"")
}

func TestRenameEntry(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	_, err := root.Create("old", tinyfs.InodeFile)
	require.NoError(t, err)

	require.NoError(t, root.Rename("old", "new"))

	_, err = root.Find("old")
	assert.ErrorIs(t, err, tinyfs.ErrNotFound)

	_, err = root.Find("new")
	require.NoError(t, err)
}

func TestSyncAllIsIdempotent(t *testing.T) {
	fs := tinyfstest.FormatMemFS(t)
	root := fs.RootInode()

	_, err := root.Create("x", tinyfs.InodeFile)
	require.NoError(t, err)

	require.NoError(t, fs.Sync())
	require.NoError(t, fs.Sync())
}

func TestOpenReconstructsFormattedImage(t *testing.T) {
	device := tinyfstest.NewMemDevice(tinyfstest.DefaultTotalBlocks)

	formatted, err := filesystem.Format(device, tinyfstest.DefaultTotalBlocks, tinyfstest.DefaultInodeBitmapBlocks)
	require.NoError(t, err)

	_, err = formatted.RootInode().Create("persisted", tinyfs.InodeFile)
	require.NoError(t, err)
	require.NoError(t, formatted.Sync())

	reopened, err := filesystem.Open(device)
	require.NoError(t, err)

	names, err := reopened.RootInode().Ls()
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted"}, names)

	statFormatted, err := formatted.Stat()
	require.NoError(t, err)
	statReopened, err := reopened.Stat()
	require.NoError(t, err)
	assert.Equal(t, statFormatted, statReopened)
}
