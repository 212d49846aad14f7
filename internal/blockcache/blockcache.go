// Package blockcache implements the bounded, process-wide block cache that
// sits between the filesystem's higher-level logic and the raw BlockDevice.
//
// It holds up to tinyfs.CacheLimit resident slots, evicting with a
// scan-based, reference-counted policy: a miss that finds the cache full
// scans slots in insertion order and reclaims the first one nobody is
// actively using. Typed access to the fixed-layout on-disk records is
// offered through View/Modify rather than unsafe pointer casts, since every
// record tinyfs defines is built entirely from fixed-width integers and
// byte arrays — a natural fit for encoding/binary.
package blockcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dargueta/tinyfs"
)

// slot is one resident (block id, buffer, dirty flag) triple. refCount
// starts at 1 once a slot is resident, meaning "only the cache holds it";
// acquiring it for an accessor call bumps it to 2 for the duration of that
// call. Eviction only ever reclaims a slot sitting at the baseline of 1.
type slot struct {
	mu       sync.Mutex
	blockID  tinyfs.BlockID
	buf      [tinyfs.BlockSize]byte
	modified bool
	device   tinyfs.BlockDevice
	refCount int32
}

// Cache is the bounded block cache. The zero value is not usable; construct
// one with New, or use the process-wide singleton via Init/Active/Teardown.
type Cache struct {
	mu    sync.Mutex
	slots []*slot
}

// New creates an empty cache with no resident slots.
func New() *Cache {
	return &Cache{}
}

var (
	globalMu sync.Mutex
	global   *Cache
)

// Init installs the process-wide block cache. The spec requires the cache
// to be explicit, process-wide state with explicit init/teardown; Init
// panics if one is already active, since that would mean two filesystems
// are sharing state they each believe they own exclusively.
func Init() *Cache {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		panic("blockcache: already initialized; call Teardown() first")
	}
	global = New()
	return global
}

// Active returns the process-wide cache installed by Init, or nil if none
// is active.
func Active() *Cache {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Teardown flushes every dirty slot in the process-wide cache (if any) and
// releases it. It is safe to call when no cache is active.
func Teardown() error {
	globalMu.Lock()
	c := global
	global = nil
	globalMu.Unlock()

	if c == nil {
		return nil
	}
	return c.SyncAll()
}

// -----------------------------------------------------------------------------

func (c *Cache) findLocked(blockID tinyfs.BlockID) *slot {
	for _, s := range c.slots {
		if s.blockID == blockID {
			return s
		}
	}
	return nil
}

// acquire returns the slot for blockID, loading it from device on a miss
// and evicting an idle slot first if the cache is already full. The
// returned slot's refCount has been bumped for the duration of the caller's
// access; the caller must call c.release(slot) exactly once when done.
func (c *Cache) acquire(blockID tinyfs.BlockID, device tinyfs.BlockDevice) (*slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.findLocked(blockID); s != nil {
		s.refCount++
		return s, nil
	}

	if len(c.slots) >= tinyfs.CacheLimit {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}

	s := &slot{blockID: blockID, device: device, refCount: 2}
	if err := device.ReadBlock(blockID, s.buf[:]); err != nil {
		return nil, fmt.Errorf("blockcache: failed to load block %d: %w", blockID, err)
	}

	c.slots = append(c.slots, s)
	return s, nil
}

func (c *Cache) release(s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.refCount--
}

// evictLocked scans slots in insertion order (head to tail) and reclaims
// the first one at its resting refCount of 1, flushing it first if dirty.
// If every slot is actively in use, there is nowhere to evict from; this is
// an implementation bug in the core (too many live accessors at once), so
// it panics rather than returning an error.
func (c *Cache) evictLocked() error {
	for i, s := range c.slots {
		if s.refCount != 1 {
			continue
		}

		if s.modified {
			if err := s.device.WriteBlock(s.blockID, s.buf[:]); err != nil {
				return fmt.Errorf(
					"blockcache: failed to flush block %d during eviction: %w",
					s.blockID, err,
				)
			}
		}

		c.slots = append(c.slots[:i], c.slots[i+1:]...)
		return nil
	}

	panic(fmt.Sprintf(
		"blockcache: cache exhausted: all %d slots are in use", tinyfs.CacheLimit,
	))
}

// SyncAll writes back every dirty slot and clears its modified flag. It is
// idempotent: calling it twice in a row performs no device writes the
// second time, since every slot is clean after the first call.
func (c *Cache) SyncAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.slots {
		s.mu.Lock()
		if s.modified {
			err := s.device.WriteBlock(s.blockID, s.buf[:])
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("blockcache: failed to flush block %d: %w", s.blockID, err)
			}
			s.modified = false
		}
		s.mu.Unlock()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Typed access.

func sizeOf[T any]() int {
	var zero T
	return binary.Size(zero)
}

func checkRecordBounds(offset, size int) {
	if offset < 0 || size < 0 || offset+size > tinyfs.BlockSize {
		panic(fmt.Sprintf(
			"blockcache: record of %d bytes at offset %d overflows a %d-byte block",
			size, offset, tinyfs.BlockSize,
		))
	}
}

// View decodes the record of type T living at `offset` bytes into block
// `blockID` and invokes fn with it. The slot is not marked dirty; fn's
// mutations, if any, are discarded. offset+sizeof(T) > BlockSize is a fatal
// invariant violation and panics.
func View[T any](
	c *Cache,
	device tinyfs.BlockDevice,
	blockID tinyfs.BlockID,
	offset int,
	fn func(*T),
) error {
	size := sizeOf[T]()
	checkRecordBounds(offset, size)

	s, err := c.acquire(blockID, device)
	if err != nil {
		return err
	}
	defer c.release(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec T
	decodeRecord(s.buf[offset:offset+size], &rec)
	fn(&rec)
	return nil
}

// Modify decodes the record of type T living at `offset` bytes into block
// `blockID`, invokes fn with it, then re-encodes fn's result back into the
// slot and marks it dirty. offset+sizeof(T) > BlockSize panics.
func Modify[T any](
	c *Cache,
	device tinyfs.BlockDevice,
	blockID tinyfs.BlockID,
	offset int,
	fn func(*T),
) error {
	size := sizeOf[T]()
	checkRecordBounds(offset, size)

	s, err := c.acquire(blockID, device)
	if err != nil {
		return err
	}
	defer c.release(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	var rec T
	decodeRecord(s.buf[offset:offset+size], &rec)
	fn(&rec)
	encodeRecord(s.buf[offset:offset+size], &rec)
	s.modified = true
	return nil
}

func decodeRecord(raw []byte, out any) {
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out); err != nil {
		panic(fmt.Sprintf("blockcache: corrupt on-disk record: %s", err))
	}
}

func encodeRecord(dst []byte, in any) {
	buf := new(bytes.Buffer)
	buf.Grow(len(dst))
	if err := binary.Write(buf, binary.LittleEndian, in); err != nil {
		panic(fmt.Sprintf("blockcache: record of type %T cannot be serialized: %s", in, err))
	}
	copy(dst, buf.Bytes())
}

// WithBlock exposes the raw bytes of blockID for read-only inspection, for
// treating a DataBlock as opaque bytes rather than a typed record.
func WithBlock(
	c *Cache,
	device tinyfs.BlockDevice,
	blockID tinyfs.BlockID,
	fn func(buf []byte),
) error {
	s, err := c.acquire(blockID, device)
	if err != nil {
		return err
	}
	defer c.release(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.buf[:])
	return nil
}

// WithBlockMutable exposes the raw bytes of blockID for mutation and marks
// the slot dirty once fn returns.
func WithBlockMutable(
	c *Cache,
	device tinyfs.BlockDevice,
	blockID tinyfs.BlockID,
	fn func(buf []byte),
) error {
	s, err := c.acquire(blockID, device)
	if err != nil {
		return err
	}
	defer c.release(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.buf[:])
	s.modified = true
	return nil
}

// ResidentSlots returns the number of blocks currently held in the cache.
// Intended for tests.
func (c *Cache) ResidentSlots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
