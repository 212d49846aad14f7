// Package tinyfstest provides shared test fixtures for tinyfs's
// implementation packages, mirroring the role of disko/testing's
// CreateRandomImage/CreateDefaultCache helpers: build throwaway in-memory
// devices and formatted filesystems so individual _test.go files don't
// repeat the same setup boilerplate.
package tinyfstest

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/blockdevice"
	"github.com/dargueta/tinyfs/filesystem"
)

// DefaultTotalBlocks and DefaultInodeBitmapBlocks mirror the reference
// configuration in tinyfs.DefaultTotalBlocks/DefaultInodeBitmapBlocks, so
// tests can refer to tinyfstest without also importing the root package.
const (
	DefaultTotalBlocks       = tinyfs.DefaultTotalBlocks
	DefaultInodeBitmapBlocks = tinyfs.DefaultInodeBitmapBlocks
)

// RandomBytes returns n cryptographically random bytes, failing the test
// immediately if the source is exhausted.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err, "failed to generate %d random bytes", n)
	return buf
}

// NewMemDevice returns a zeroed in-memory block device of totalBlocks
// blocks.
func NewMemDevice(totalBlocks uint32) *blockdevice.Device {
	return blockdevice.NewMemDevice(totalBlocks)
}

// FormatMemFS formats a fresh in-memory filesystem with the reference
// configuration (8192 blocks, 1 inode bitmap block), failing the test on
// any error.
func FormatMemFS(t *testing.T) *filesystem.FileSystem {
	t.Helper()
	return FormatMemFSWith(t, DefaultTotalBlocks, DefaultInodeBitmapBlocks)
}

// FormatMemFSWith formats a fresh in-memory filesystem with the given
// total block count and inode bitmap block count, failing the test on any
// error.
func FormatMemFSWith(t *testing.T, totalBlocks, inodeBitmapBlocks uint32) *filesystem.FileSystem {
	t.Helper()

	device := NewMemDevice(totalBlocks)
	fs, err := filesystem.Format(device, totalBlocks, inodeBitmapBlocks)
	require.NoError(t, err, "failed to format test filesystem")
	return fs
}
