// Package filesystem assembles the block device, block cache, bitmap
// allocators, and inode index arithmetic into a complete filesystem: format
// a fresh image, open an existing one, and hand out Inode handles rooted at
// inode 0. Grounded in disko/drivers/unixv1/formattingdriver.go's region
// accounting at format time and inode.go's bitmap-backed allocator
// reconstruction at open time.
package filesystem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/internal/bitmap"
	"github.com/dargueta/tinyfs/internal/blockcache"
	"github.com/dargueta/tinyfs/inode"
)

// diskInodeSize is sizeof(DiskInode): 4 (Size) + 28*4 (Direct) + 4
// (Indirect1) + 4 (Indirect2) + 4 (Type_) = 128 bytes, four per block.
const diskInodeSize = 128

const inodesPerBlock = tinyfs.BlockSize / diskInodeSize

// bitsPerBitmapBlock is the number of allocation units one BitmapBlock can
// track: 512 bytes * 8 bits/byte = 4096.
const bitsPerBitmapBlock = tinyfs.BlockSize * 8

// dataBitsPerBitmapBlockBudget is the budget used when sizing the data
// bitmap: "one bitmap block per 4097 total [data] blocks, to cover itself".
const dataBitsPerBitmapBlockBudget = bitsPerBitmapBlock + 1

type regions struct {
	inodeBitmapStart tinyfs.BlockID
	inodeAreaStart   tinyfs.BlockID
	dataBitmapStart  tinyfs.BlockID
	dataAreaStart    tinyfs.BlockID
}

// FileSystem is an assembled, open filesystem over a BlockDevice. The zero
// value is not usable; obtain one with Format or Open.
type FileSystem struct {
	mu sync.Mutex

	device tinyfs.BlockDevice
	cache  *blockcache.Cache

	super   tinyfs.SuperBlock
	regions regions

	inodeBitmap *bitmap.Bitmap
	dataBitmap  *bitmap.Bitmap
	resolver    *inode.Resolver
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

func computeRegions(inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks uint32) regions {
	return regions{
		inodeBitmapStart: 1,
		inodeAreaStart:   tinyfs.BlockID(1 + inodeBitmapBlocks),
		dataBitmapStart:  tinyfs.BlockID(1 + inodeBitmapBlocks + inodeAreaBlocks),
		dataAreaStart:    tinyfs.BlockID(1 + inodeBitmapBlocks + inodeAreaBlocks + dataBitmapBlocks),
	}
}

// Format zeroes every block of device, lays out the SuperBlock | inode
// bitmap | inode area | data bitmap | data area regions to fit totalBlocks
// blocks with inodeBitmapBlocks bitmap blocks, and creates the root
// directory at inode 0.
func Format(device tinyfs.BlockDevice, totalBlocks uint32, inodeBitmapBlocks uint32) (*FileSystem, error) {
	if totalBlocks != device.TotalBlocks() {
		return nil, tinyfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("totalBlocks %d does not match device capacity %d", totalBlocks, device.TotalBlocks()),
		)
	}

	inodeBitmapCapacity := inodeBitmapBlocks * bitsPerBitmapBlock
	inodeAreaBlocks := ceilDiv(inodeBitmapCapacity*diskInodeSize, tinyfs.BlockSize)
	inodeTotal := 1 + inodeBitmapBlocks + inodeAreaBlocks

	if inodeTotal >= totalBlocks {
		return nil, tinyfs.ErrInvalidArgument.WithMessage("inode region leaves no room for a data region")
	}

	dataTotal := totalBlocks - inodeTotal
	dataBitmapBlocks := ceilDiv(dataTotal, dataBitsPerBitmapBlockBudget)
	dataAreaBlocks := dataTotal - dataBitmapBlocks

	r := computeRegions(inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks)
	cache := blockcache.New()

	zero := make([]byte, tinyfs.BlockSize)
	for i := uint32(0); i < totalBlocks; i++ {
		if err := device.WriteBlock(tinyfs.BlockID(i), zero); err != nil {
			return nil, fmt.Errorf("filesystem: failed to zero block %d while formatting: %w", i, err)
		}
	}

	super := tinyfs.SuperBlock{
		Magic:             tinyfs.Magic,
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    dataAreaBlocks,
	}
	err := blockcache.Modify[tinyfs.SuperBlock](cache, device, 0, 0, func(sb *tinyfs.SuperBlock) {
		*sb = super
	})
	if err != nil {
		return nil, err
	}

	inodeCount := inodeAreaBlocks * inodesPerBlock
	fs := &FileSystem{
		device:      device,
		cache:       cache,
		super:       super,
		regions:     r,
		inodeBitmap: bitmap.New(cache, device, r.inodeBitmapStart, inodeBitmapBlocks, inodeCount),
		dataBitmap:  bitmap.New(cache, device, r.dataBitmapStart, dataBitmapBlocks, dataAreaBlocks),
	}
	fs.resolver = inode.NewResolver(cache, device, fs.dataBitmap, r.dataAreaStart)

	rootID, err := fs.allocInode()
	if err != nil {
		return nil, err
	}
	if rootID != 0 {
		panic("filesystem: root inode did not receive bit 0 on a freshly formatted image")
	}

	err = fs.updateInode(rootID, func(di *tinyfs.DiskInode) error {
		*di = tinyfs.DiskInode{Type_: uint32(tinyfs.InodeDirectory)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := cache.SyncAll(); err != nil {
		return nil, err
	}

	return fs, nil
}

// Open reads the SuperBlock from an existing image and reconstructs its
// bitmaps and region offsets. A magic mismatch means the image is not a
// tinyfs image (or is corrupt) and is a fatal invariant violation.
func Open(device tinyfs.BlockDevice) (*FileSystem, error) {
	cache := blockcache.New()

	var super tinyfs.SuperBlock
	err := blockcache.View[tinyfs.SuperBlock](cache, device, 0, 0, func(sb *tinyfs.SuperBlock) {
		super = *sb
	})
	if err != nil {
		return nil, err
	}
	if !super.Valid() {
		panic(fmt.Sprintf("filesystem: superblock magic %#x does not match expected %#x", super.Magic, tinyfs.Magic))
	}

	r := computeRegions(super.InodeBitmapBlocks, super.InodeAreaBlocks, super.DataBitmapBlocks)
	inodeCount := super.InodeAreaBlocks * inodesPerBlock

	fs := &FileSystem{
		device:      device,
		cache:       cache,
		super:       super,
		regions:     r,
		inodeBitmap: bitmap.New(cache, device, r.inodeBitmapStart, super.InodeBitmapBlocks, inodeCount),
		dataBitmap:  bitmap.New(cache, device, r.dataBitmapStart, super.DataBitmapBlocks, super.DataAreaBlocks),
	}
	fs.resolver = inode.NewResolver(cache, device, fs.dataBitmap, r.dataAreaStart)

	return fs, nil
}

// RootInode returns a handle to inode 0, always the root directory.
func (fs *FileSystem) RootInode() *Inode {
	return &Inode{fs: fs, id: 0}
}

// Sync flushes every dirty block cache slot to the device.
func (fs *FileSystem) Sync() error {
	return fs.cache.SyncAll()
}

// Stat reports filesystem-wide usage, derived entirely from the region
// layout recorded at format time and the bitmaps' current contents.
func (fs *FileSystem) Stat() (tinyfs.FSStat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	freeData, err := fs.dataBitmap.CountFree()
	if err != nil {
		return tinyfs.FSStat{}, err
	}
	freeInodes, err := fs.inodeBitmap.CountFree()
	if err != nil {
		return tinyfs.FSStat{}, err
	}

	return tinyfs.FSStat{
		BlockSize:   tinyfs.BlockSize,
		TotalBlocks: uint64(fs.super.TotalBlocks),
		BlocksFree:  uint64(freeData),
		Files:       uint64(fs.inodeBitmap.Capacity()) - uint64(freeInodes),
		FilesFree:   uint64(freeInodes),
	}, nil
}

func (fs *FileSystem) diskInodePos(id tinyfs.InodeID) (tinyfs.BlockID, int) {
	block := fs.regions.inodeAreaStart + tinyfs.BlockID(uint32(id)/inodesPerBlock)
	offset := int(uint32(id)%inodesPerBlock) * diskInodeSize
	return block, offset
}

func (fs *FileSystem) viewInode(id tinyfs.InodeID, fn func(*tinyfs.DiskInode)) error {
	block, offset := fs.diskInodePos(id)
	return blockcache.View[tinyfs.DiskInode](fs.cache, fs.device, block, offset, fn)
}

func (fs *FileSystem) readInode(id tinyfs.InodeID) (tinyfs.DiskInode, error) {
	var meta tinyfs.DiskInode
	err := fs.viewInode(id, func(di *tinyfs.DiskInode) { meta = *di })
	return meta, err
}

// updateInode reads a copy of id's DiskInode and lets mutate change it (which
// may itself fail partway through, e.g. with ErrNoSpace from the block index
// resolver after it has already allocated and written some of a write's
// blocks). The changed copy is written back regardless of whether mutate
// returned an error: a resolver call that fails mid-write has already
// updated meta's Direct/Indirect pointers and Size to cover whatever prefix
// it actually completed, and discarding that copy would leave the blocks it
// allocated allocated but unreferenced by anything. mutate's error is still
// returned to the caller, so a short write is still reported as one.
//
// This split (decode, mutate outside the lock, re-encode) exists because the
// block cache's typed Modify callback has no way to report failure of its
// own; any resolver call that can fail happens against the decoded copy,
// outside the cache's lock.
func (fs *FileSystem) updateInode(id tinyfs.InodeID, mutate func(*tinyfs.DiskInode) error) error {
	meta, err := fs.readInode(id)
	if err != nil {
		return err
	}

	mutateErr := mutate(&meta)

	block, offset := fs.diskInodePos(id)
	writeErr := blockcache.Modify[tinyfs.DiskInode](fs.cache, fs.device, block, offset, func(di *tinyfs.DiskInode) {
		*di = meta
	})
	if writeErr != nil {
		return writeErr
	}
	return mutateErr
}

func (fs *FileSystem) allocInode() (tinyfs.InodeID, error) {
	idx, err := fs.inodeBitmap.Alloc()
	if err != nil {
		return 0, err
	}
	return tinyfs.InodeID(idx), nil
}

func (fs *FileSystem) freeInode(id tinyfs.InodeID) error {
	return fs.inodeBitmap.Free(uint32(id))
}

func encodeDirEntry(entry *tinyfs.DirEntry) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(tinyfs.DirEntrySize)
	if err := binary.Write(buf, binary.LittleEndian, entry); err != nil {
		panic(fmt.Sprintf("filesystem: failed to encode directory entry: %s", err))
	}
	return buf.Bytes()
}

func decodeDirEntry(raw []byte) tinyfs.DirEntry {
	var entry tinyfs.DirEntry
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &entry); err != nil {
		panic(fmt.Sprintf("filesystem: corrupt directory entry: %s", err))
	}
	return entry
}
