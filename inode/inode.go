// Package inode implements the mixed direct/single-indirect/double-indirect
// block index arithmetic of a DiskInode: translating a logical byte offset
// within a file into the physical data block that holds it, growing that
// index on write, and tearing it down on truncate. It is grounded on
// dargueta/disko's ClusterStream, generalized from a flat run of clusters
// to a three-level index tree.
package inode

import (
	"io"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/internal/bitmap"
	"github.com/dargueta/tinyfs/internal/blockcache"
)

// BlocksNumNeeded returns the number of BlockSize-sized blocks required to
// hold byteSize bytes of file content.
func BlocksNumNeeded(byteSize uint32) uint32 {
	return (byteSize + tinyfs.BlockSize - 1) / tinyfs.BlockSize
}

// Resolver walks and grows a DiskInode's block index against a data area
// that begins at dataAreaBase and is allocated through data.
type Resolver struct {
	cache        *blockcache.Cache
	device       tinyfs.BlockDevice
	data         *bitmap.Bitmap
	dataAreaBase tinyfs.BlockID
}

// NewResolver builds a Resolver over the data area starting at
// dataAreaBase, allocated and freed through data.
func NewResolver(
	cache *blockcache.Cache,
	device tinyfs.BlockDevice,
	data *bitmap.Bitmap,
	dataAreaBase tinyfs.BlockID,
) *Resolver {
	return &Resolver{cache: cache, device: device, data: data, dataAreaBase: dataAreaBase}
}

func (r *Resolver) allocDataBlock() (tinyfs.BlockID, error) {
	idx, err := r.data.Alloc()
	if err != nil {
		return 0, err
	}
	return r.dataAreaBase + tinyfs.BlockID(idx), nil
}

func (r *Resolver) freeDataBlock(id tinyfs.BlockID) error {
	return r.data.Free(uint32(id - r.dataAreaBase))
}

func (r *Resolver) zeroBlock(id tinyfs.BlockID) error {
	return blockcache.WithBlockMutable(r.cache, r.device, id, func(buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
	})
}

func (r *Resolver) readIndirectEntry(indirectID tinyfs.BlockID, idx uint32) (tinyfs.BlockID, bool, error) {
	var id uint32
	err := blockcache.View[tinyfs.IndirectBlock](r.cache, r.device, indirectID, 0, func(ib *tinyfs.IndirectBlock) {
		id = ib.Entries[idx]
	})
	return tinyfs.BlockID(id), id != 0, err
}

// Resolve returns the data block holding logical block `index` of inode's
// content, or ok=false if that block has never been written (a sparse
// hole).
func (r *Resolver) Resolve(inode *tinyfs.DiskInode, index uint32) (tinyfs.BlockID, bool, error) {
	if index >= tinyfs.MaxFileBlocks {
		panic("inode: logical block index out of range")
	}

	switch {
	case index < tinyfs.NDirect:
		id := inode.Direct[index]
		return tinyfs.BlockID(id), id != 0, nil

	case index < tinyfs.NDirect+tinyfs.Indirect1Capacity:
		if inode.Indirect1 == 0 {
			return 0, false, nil
		}
		return r.readIndirectEntry(tinyfs.BlockID(inode.Indirect1), index-tinyfs.NDirect)

	default:
		if inode.Indirect2 == 0 {
			return 0, false, nil
		}
		idx := index - tinyfs.NDirect - tinyfs.Indirect1Capacity
		outer, inner := idx/tinyfs.Indirect1Capacity, idx%tinyfs.Indirect1Capacity

		outerID, ok, err := r.readIndirectEntry(tinyfs.BlockID(inode.Indirect2), outer)
		if err != nil || !ok {
			return 0, ok, err
		}
		return r.readIndirectEntry(outerID, inner)
	}
}

// ensureIndirectBlock returns the block id referenced by *field, allocating
// and zeroing a fresh indirect block and storing it in *field if this is
// the first time this index level has been needed.
func (r *Resolver) ensureIndirectBlock(field *uint32) (tinyfs.BlockID, error) {
	if *field != 0 {
		return tinyfs.BlockID(*field), nil
	}

	id, err := r.allocDataBlock()
	if err != nil {
		return 0, err
	}
	if err := r.zeroBlock(id); err != nil {
		return 0, err
	}
	*field = uint32(id)
	return id, nil
}

// ensureIndirectBlockEntry is like ensureIndirectBlock but for an entry
// inside an indirect block that itself points to another indirect block
// (the outer level of a double-indirect chain).
func (r *Resolver) ensureIndirectBlockEntry(indirectID tinyfs.BlockID, idx uint32) (tinyfs.BlockID, error) {
	existing, ok, err := r.readIndirectEntry(indirectID, idx)
	if err != nil {
		return 0, err
	}
	if ok {
		return existing, nil
	}

	newID, err := r.allocDataBlock()
	if err != nil {
		return 0, err
	}
	if err := r.zeroBlock(newID); err != nil {
		return 0, err
	}

	err = blockcache.Modify[tinyfs.IndirectBlock](r.cache, r.device, indirectID, 0, func(ib *tinyfs.IndirectBlock) {
		ib.Entries[idx] = uint32(newID)
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

// ensureIndirectEntry is like ensureIndirectBlockEntry but for a leaf entry
// that points directly to a data block.
func (r *Resolver) ensureIndirectEntry(indirectID tinyfs.BlockID, idx uint32) (tinyfs.BlockID, error) {
	existing, ok, err := r.readIndirectEntry(indirectID, idx)
	if err != nil {
		return 0, err
	}
	if ok {
		return existing, nil
	}

	newID, err := r.allocDataBlock()
	if err != nil {
		return 0, err
	}

	err = blockcache.Modify[tinyfs.IndirectBlock](r.cache, r.device, indirectID, 0, func(ib *tinyfs.IndirectBlock) {
		ib.Entries[idx] = uint32(newID)
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

// EnsureBlock returns the data block holding logical block `index`,
// allocating it (and any indirect blocks on the path to it) if it does not
// exist yet.
func (r *Resolver) EnsureBlock(inode *tinyfs.DiskInode, index uint32) (tinyfs.BlockID, error) {
	if index >= tinyfs.MaxFileBlocks {
		return 0, tinyfs.ErrFileTooLarge
	}

	switch {
	case index < tinyfs.NDirect:
		if inode.Direct[index] != 0 {
			return tinyfs.BlockID(inode.Direct[index]), nil
		}
		id, err := r.allocDataBlock()
		if err != nil {
			return 0, err
		}
		inode.Direct[index] = uint32(id)
		return id, nil

	case index < tinyfs.NDirect+tinyfs.Indirect1Capacity:
		indirectID, err := r.ensureIndirectBlock(&inode.Indirect1)
		if err != nil {
			return 0, err
		}
		return r.ensureIndirectEntry(indirectID, index-tinyfs.NDirect)

	default:
		outerID, err := r.ensureIndirectBlock(&inode.Indirect2)
		if err != nil {
			return 0, err
		}
		idx := index - tinyfs.NDirect - tinyfs.Indirect1Capacity
		outer, inner := idx/tinyfs.Indirect1Capacity, idx%tinyfs.Indirect1Capacity

		innerID, err := r.ensureIndirectBlockEntry(outerID, outer)
		if err != nil {
			return 0, err
		}
		return r.ensureIndirectEntry(innerID, inner)
	}
}

// ReadAt copies min(len(buf), inode.Size-offset) bytes of inode content
// starting at offset into buf, returning the number of bytes copied. It
// returns io.EOF if offset is at or past the end of the file. Logical
// blocks that were never written read back as zero, so a file with holes
// reads the way a sparse file does.
func (r *Resolver) ReadAt(inode *tinyfs.DiskInode, buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, tinyfs.ErrInvalidArgument
	}

	size := int64(inode.Size)
	if offset >= size {
		return 0, io.EOF
	}
	if offset+int64(len(buf)) > size {
		buf = buf[:size-offset]
	}

	total := 0
	for total < len(buf) {
		pos := offset + int64(total)
		blockIndex := uint32(pos / tinyfs.BlockSize)
		blockOffset := int(pos % tinyfs.BlockSize)

		chunk := tinyfs.BlockSize - blockOffset
		if remaining := len(buf) - total; chunk > remaining {
			chunk = remaining
		}

		blockID, ok, err := r.Resolve(inode, blockIndex)
		if err != nil {
			return total, err
		}

		if !ok {
			for i := 0; i < chunk; i++ {
				buf[total+i] = 0
			}
		} else {
			err := blockcache.WithBlock(r.cache, r.device, blockID, func(raw []byte) {
				copy(buf[total:total+chunk], raw[blockOffset:blockOffset+chunk])
			})
			if err != nil {
				return total, err
			}
		}

		total += chunk
	}

	return total, nil
}

// WriteAt writes data into inode's content starting at offset, allocating
// whatever blocks are needed and growing inode.Size to cover whatever
// prefix of data was actually written. If EnsureBlock or the device write
// fails partway through (e.g. ErrNoSpace on a nearly-full image), the blocks
// written so far are already referenced by inode's Direct/Indirect1/
// Indirect2 pointers and inode.Size is grown to include them before
// returning: a short write's progress is durable, not discarded, matching
// the number of bytes the return value reports as written. Writes that
// would push the file past MaxFileSize fail immediately with
// ErrFileTooLarge without writing anything.
func (r *Resolver) WriteAt(inode *tinyfs.DiskInode, data []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, tinyfs.ErrInvalidArgument
	}

	end := offset + int64(len(data))
	if end > tinyfs.MaxFileSize {
		return 0, tinyfs.ErrFileTooLarge
	}

	total := 0
	for total < len(data) {
		pos := offset + int64(total)
		blockIndex := uint32(pos / tinyfs.BlockSize)
		blockOffset := int(pos % tinyfs.BlockSize)

		chunk := tinyfs.BlockSize - blockOffset
		if remaining := len(data) - total; chunk > remaining {
			chunk = remaining
		}

		blockID, err := r.EnsureBlock(inode, blockIndex)
		if err != nil {
			r.growSize(inode, offset+int64(total))
			return total, err
		}

		err = blockcache.WithBlockMutable(r.cache, r.device, blockID, func(raw []byte) {
			copy(raw[blockOffset:blockOffset+chunk], data[total:total+chunk])
		})
		if err != nil {
			r.growSize(inode, offset+int64(total))
			return total, err
		}

		total += chunk
	}

	r.growSize(inode, offset+int64(total))
	return total, nil
}

// growSize raises inode.Size to size if it doesn't already cover it. Never
// shrinks Size; WriteAt only ever calls this with a size it just wrote.
func (r *Resolver) growSize(inode *tinyfs.DiskInode, size int64) {
	if size > int64(inode.Size) {
		inode.Size = uint32(size)
	}
}

// Clear frees every data block and indirect block owned by inode and
// resets its size and block pointers to zero. Its Type_ is left untouched.
func (r *Resolver) Clear(inode *tinyfs.DiskInode) error {
	// Walk every logical block the inode's pointers can reach, not only those
	// below Size: a directory shrunk by Destroy keeps its tail blocks.
	numBlocks := uint32(tinyfs.NDirect)
	if inode.Indirect2 != 0 {
		numBlocks = tinyfs.MaxFileBlocks
	} else if inode.Indirect1 != 0 {
		numBlocks = tinyfs.NDirect + tinyfs.Indirect1Capacity
	}
	for i := uint32(0); i < numBlocks; i++ {
		id, ok, err := r.Resolve(inode, i)
		if err != nil {
			return err
		}
		if ok {
			if err := r.freeDataBlock(id); err != nil {
				return err
			}
		}
	}

	if inode.Indirect1 != 0 {
		if err := r.freeDataBlock(tinyfs.BlockID(inode.Indirect1)); err != nil {
			return err
		}
		inode.Indirect1 = 0
	}

	if inode.Indirect2 != 0 {
		var entries [tinyfs.Indirect1Capacity]uint32
		err := blockcache.View[tinyfs.IndirectBlock](
			r.cache, r.device, tinyfs.BlockID(inode.Indirect2), 0,
			func(ib *tinyfs.IndirectBlock) { entries = ib.Entries },
		)
		if err != nil {
			return err
		}

		for _, id := range entries {
			if id != 0 {
				if err := r.freeDataBlock(tinyfs.BlockID(id)); err != nil {
					return err
				}
			}
		}

		if err := r.freeDataBlock(tinyfs.BlockID(inode.Indirect2)); err != nil {
			return err
		}
		inode.Indirect2 = 0
	}

	for i := range inode.Direct {
		inode.Direct[i] = 0
	}
	inode.Size = 0
	return nil
}
