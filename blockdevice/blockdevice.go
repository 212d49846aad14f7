// Package blockdevice implements tinyfs.BlockDevice over an
// io.ReadWriteSeeker, the way dargueta/disko's BlockDevice wraps a stream.
// Both a file-backed device and an in-memory device (for images that never
// need to hit disk, such as in tests) are offered; both go through the
// same seek/read/write core.
package blockdevice

import (
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/tinyfs"
)

// Device is a tinyfs.BlockDevice backed by any io.ReadWriteSeeker, treating
// it as a flat array of fixed-size blocks starting at byte offset 0.
type Device struct {
	stream      io.ReadWriteSeeker
	totalBlocks uint32
	closer      io.Closer
}

// New wraps an arbitrary stream as a block device of totalBlocks blocks of
// tinyfs.BlockSize bytes each.
func New(stream io.ReadWriteSeeker, totalBlocks uint32) *Device {
	return &Device{stream: stream, totalBlocks: totalBlocks}
}

// Open opens (or creates, with create=true) the file at path and wraps it
// as a block device exposing totalBlocks blocks. The caller must call
// Close when done to release the underlying file handle.
func Open(path string, totalBlocks uint32, create bool) (*Device, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: failed to open %q: %w", path, err)
	}

	if create {
		size := int64(totalBlocks) * tinyfs.BlockSize
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdevice: failed to size %q to %d bytes: %w", path, size, err)
		}
	}

	return &Device{stream: f, totalBlocks: totalBlocks, closer: f}, nil
}

// NewMemDevice creates an in-memory block device of totalBlocks zeroed
// blocks, backed by a plain byte slice through bytesextra.
func NewMemDevice(totalBlocks uint32) *Device {
	buf := make([]byte, int64(totalBlocks)*tinyfs.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(buf)
	return &Device{stream: stream, totalBlocks: totalBlocks}
}

// TotalBlocks implements tinyfs.BlockDevice.
func (d *Device) TotalBlocks() uint32 {
	return d.totalBlocks
}

func (d *Device) checkBounds(id tinyfs.BlockID) error {
	if uint32(id) >= d.totalBlocks {
		return fmt.Errorf(
			"blockdevice: block id %d not in range [0, %d)", id, d.totalBlocks,
		)
	}
	return nil
}

func (d *Device) seekToBlock(id tinyfs.BlockID) error {
	offset := int64(id) * tinyfs.BlockSize
	_, err := d.stream.Seek(offset, io.SeekStart)
	return err
}

// ReadBlock implements tinyfs.BlockDevice.
func (d *Device) ReadBlock(id tinyfs.BlockID, buf []byte) error {
	if len(buf) != tinyfs.BlockSize {
		panic(fmt.Sprintf("blockdevice: read buffer must be %d bytes, got %d", tinyfs.BlockSize, len(buf)))
	}
	if err := d.checkBounds(id); err != nil {
		return err
	}
	if err := d.seekToBlock(id); err != nil {
		return fmt.Errorf("blockdevice: seek to block %d failed: %w", id, err)
	}

	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return fmt.Errorf("blockdevice: read of block %d failed: %w", id, err)
	}
	return nil
}

// WriteBlock implements tinyfs.BlockDevice.
func (d *Device) WriteBlock(id tinyfs.BlockID, buf []byte) error {
	if len(buf) != tinyfs.BlockSize {
		panic(fmt.Sprintf("blockdevice: write buffer must be %d bytes, got %d", tinyfs.BlockSize, len(buf)))
	}
	if err := d.checkBounds(id); err != nil {
		return err
	}
	if err := d.seekToBlock(id); err != nil {
		return fmt.Errorf("blockdevice: seek to block %d failed: %w", id, err)
	}

	if _, err := d.stream.Write(buf); err != nil {
		return fmt.Errorf("blockdevice: write of block %d failed: %w", id, err)
	}
	return nil
}

// Close releases the underlying file handle, if this device owns one.
func (d *Device) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
