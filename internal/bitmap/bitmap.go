// Package bitmap implements the on-disk allocation bitmap shared by the
// inode and data-block allocators: a contiguous run of blocks, one bit per
// allocatable unit, scanned in block order and allocated first-fit.
//
// Allocation walks blocks low to high and, within a block, words low to
// high, using math/bits to find the lowest clear bit in a word; this gives
// the deterministic lowest-available-index behavior the filesystem's
// allocators depend on. The bit itself is flipped through a
// github.com/boljen/go-bitmap view over the block's raw bytes rather than
// by hand, so the actual mutation goes through the same library the rest
// of the module's allocation code is grounded on.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	gobitmap "github.com/boljen/go-bitmap"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/internal/blockcache"
)

const (
	bitsPerBlock  = tinyfs.BlockSize * 8
	wordsPerBlock = tinyfs.BlockSize / 8
)

// Bitmap is a view over a contiguous run of on-disk bitmap blocks.
type Bitmap struct {
	cache     *blockcache.Cache
	device    tinyfs.BlockDevice
	baseBlock tinyfs.BlockID
	numBlocks uint32
	capacity  uint32
}

// New returns a Bitmap covering numBlocks blocks starting at baseBlock,
// exposing the low capacity bits of that range as allocatable units. Bits
// at or beyond capacity (padding within the last block) are never
// considered free and are never touched.
func New(
	cache *blockcache.Cache,
	device tinyfs.BlockDevice,
	baseBlock tinyfs.BlockID,
	numBlocks uint32,
	capacity uint32,
) *Bitmap {
	return &Bitmap{
		cache:     cache,
		device:    device,
		baseBlock: baseBlock,
		numBlocks: numBlocks,
		capacity:  capacity,
	}
}

// Capacity returns the number of allocatable bits the bitmap exposes.
func (b *Bitmap) Capacity() uint32 {
	return b.capacity
}

// Alloc finds the lowest-indexed clear bit, sets it, and returns its index.
// It fails with ErrNoSpace if every bit is already set.
func (b *Bitmap) Alloc() (uint32, error) {
	index, ok, err := b.scanForClearBit()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, tinyfs.ErrNoSpace
	}
	if err := b.setBit(index, true); err != nil {
		return 0, err
	}
	return index, nil
}

// Free clears the bit at index. Freeing a bit that is already clear is a
// double-free and a fatal invariant violation in the core, so it panics
// rather than silently no-opping: any latent double-free bug elsewhere
// surfaces here instead of being masked.
func (b *Bitmap) Free(index uint32) error {
	if index >= b.capacity {
		panic("bitmap: Free index out of range")
	}

	set, err := b.IsSet(index)
	if err != nil {
		return err
	}
	if !set {
		panic(fmt.Sprintf("bitmap: double free of bit %d", index))
	}
	return b.setBit(index, false)
}

// IsSet reports whether the bit at index is currently allocated.
func (b *Bitmap) IsSet(index uint32) (bool, error) {
	if index >= b.capacity {
		panic("bitmap: IsSet index out of range")
	}

	blockID := b.blockForBit(index)
	bitInBlock := int(index % bitsPerBlock)

	var isSet bool
	err := blockcache.WithBlock(b.cache, b.device, blockID, func(buf []byte) {
		isSet = gobitmap.Bitmap(buf).Get(bitInBlock)
	})
	return isSet, err
}

func (b *Bitmap) blockForBit(index uint32) tinyfs.BlockID {
	return b.baseBlock + tinyfs.BlockID(index/bitsPerBlock)
}

func (b *Bitmap) setBit(index uint32, value bool) error {
	blockID := b.blockForBit(index)
	bitInBlock := int(index % bitsPerBlock)

	return blockcache.WithBlockMutable(b.cache, b.device, blockID, func(buf []byte) {
		gobitmap.Bitmap(buf).Set(bitInBlock, value)
	})
}

// scanForClearBit walks blocks in order and, within each block, walks its
// 64-bit words in order, returning the lowest-indexed clear bit found. The
// complement of a word has a 1 wherever the original had a 0, so the
// lowest clear bit in the word is the lowest set bit of its complement.
func (b *Bitmap) scanForClearBit() (uint32, bool, error) {
	for blk := uint32(0); blk < b.numBlocks; blk++ {
		blockID := b.baseBlock + tinyfs.BlockID(blk)

		var (
			foundInBlock bool
			foundIndex   uint32
		)
		err := blockcache.WithBlock(b.cache, b.device, blockID, func(buf []byte) {
			for w := 0; w < wordsPerBlock; w++ {
				word := binary.LittleEndian.Uint64(buf[w*8 : w*8+8])
				if word == ^uint64(0) {
					continue
				}

				bitInWord := bits.TrailingZeros64(^word)
				global := blk*bitsPerBlock + uint32(w*64+bitInWord)
				if global >= b.capacity {
					continue
				}

				foundIndex = global
				foundInBlock = true
				return
			}
		})
		if err != nil {
			return 0, false, err
		}
		if foundInBlock {
			return foundIndex, true, nil
		}
	}

	return 0, false, nil
}

// CountFree scans the whole bitmap and returns the number of clear bits.
// Intended for FileSystem.Stat(); not on any hot path.
func (b *Bitmap) CountFree() (uint32, error) {
	var free uint32
	for i := uint32(0); i < b.capacity; i++ {
		set, err := b.IsSet(i)
		if err != nil {
			return 0, err
		}
		if !set {
			free++
		}
	}
	return free, nil
}
