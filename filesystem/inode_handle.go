package filesystem

import (
	"github.com/hashicorp/go-multierror"

	"github.com/dargueta/tinyfs"
)

// Inode is a live handle bound to one on-disk DiskInode. It carries no
// state of its own beyond that identity and a back-reference to the
// FileSystem that owns the bitmaps, cache, and device it reads and writes
// through: a handle is relation-plus-lookup, never independent storage,
// and never outlives the FileSystem it was issued from.
type Inode struct {
	fs *FileSystem
	id tinyfs.InodeID
}

// ID returns the inode's 0-based index within the inode area.
func (in *Inode) ID() tinyfs.InodeID {
	return in.id
}

// IsDirectory reports whether this handle refers to a directory.
func (in *Inode) IsDirectory() (bool, error) {
	meta, err := in.fs.readInode(in.id)
	if err != nil {
		return false, err
	}
	return meta.IsDirectory(), nil
}

// Size returns the inode's content size in bytes (file content length, or
// DirEntrySize times the directory's entry count).
func (in *Inode) Size() (uint32, error) {
	meta, err := in.fs.readInode(in.id)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

// findLocked scans meta's directory content for name, returning the child
// inode id and whether it was found. Callers must hold in.fs.mu and have
// already checked meta.IsDirectory().
func (in *Inode) findLocked(meta *tinyfs.DiskInode, name string) (tinyfs.InodeID, bool, error) {
	count := meta.Size / tinyfs.DirEntrySize
	buf := make([]byte, tinyfs.DirEntrySize)

	for i := uint32(0); i < count; i++ {
		if _, err := in.fs.resolver.ReadAt(meta, buf, int64(i)*tinyfs.DirEntrySize); err != nil {
			return 0, false, err
		}
		entry := decodeDirEntry(buf)
		if entry.NameString() == name {
			return tinyfs.InodeID(entry.InodeID), true, nil
		}
	}
	return 0, false, nil
}

// Ls lists the names of a directory's entries, in on-disk order.
func (in *Inode) Ls() ([]string, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	meta, err := in.fs.readInode(in.id)
	if err != nil {
		return nil, err
	}
	if !meta.IsDirectory() {
		return nil, tinyfs.ErrNotADirectory
	}

	count := meta.Size / tinyfs.DirEntrySize
	names := make([]string, 0, count)
	buf := make([]byte, tinyfs.DirEntrySize)

	for i := uint32(0); i < count; i++ {
		if _, err := in.fs.resolver.ReadAt(&meta, buf, int64(i)*tinyfs.DirEntrySize); err != nil {
			return nil, err
		}
		names = append(names, decodeDirEntry(buf).NameString())
	}
	return names, nil
}

// Find looks up name among a directory's children and returns a handle to
// it, or ErrNotFound. Returns ErrNotADirectory if called on a file.
func (in *Inode) Find(name string) (*Inode, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	meta, err := in.fs.readInode(in.id)
	if err != nil {
		return nil, err
	}
	if !meta.IsDirectory() {
		return nil, tinyfs.ErrNotADirectory
	}

	id, found, err := in.findLocked(&meta, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, tinyfs.ErrNotFound
	}
	return &Inode{fs: in.fs, id: id}, nil
}

// Create adds a new child of the given type under this directory and
// returns a handle to it. Fails with ErrExists if name is already taken,
// or ErrNotADirectory if this handle is not a directory.
func (in *Inode) Create(name string, kind tinyfs.InodeType) (*Inode, error) {
	if err := tinyfs.ValidateName(name); err != nil {
		return nil, err
	}

	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	parentMeta, err := in.fs.readInode(in.id)
	if err != nil {
		return nil, err
	}
	if !parentMeta.IsDirectory() {
		return nil, tinyfs.ErrNotADirectory
	}

	if _, found, err := in.findLocked(&parentMeta, name); err != nil {
		return nil, err
	} else if found {
		return nil, tinyfs.ErrExists
	}

	childID, err := in.fs.allocInode()
	if err != nil {
		return nil, err
	}

	err = in.fs.updateInode(childID, func(di *tinyfs.DiskInode) error {
		*di = tinyfs.DiskInode{Type_: uint32(kind)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := tinyfs.NewDirEntry(name, childID)
	raw := encodeDirEntry(&entry)

	err = in.fs.updateInode(in.id, func(di *tinyfs.DiskInode) error {
		_, werr := in.fs.resolver.WriteAt(di, raw, int64(di.Size))
		return werr
	})
	if err != nil {
		return nil, err
	}

	if err := in.fs.cache.SyncAll(); err != nil {
		return nil, err
	}

	return &Inode{fs: in.fs, id: childID}, nil
}

// Read copies up to len(buf) bytes of file content starting at offset into
// buf, returning the number of bytes copied. Returns ErrIsADirectory for a
// directory handle.
func (in *Inode) Read(offset int64, buf []byte) (int, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	meta, err := in.fs.readInode(in.id)
	if err != nil {
		return 0, err
	}
	if meta.IsDirectory() {
		return 0, tinyfs.ErrIsADirectory
	}

	return in.fs.resolver.ReadAt(&meta, buf, offset)
}

// Write writes data into file content starting at offset, growing the file
// (and allocating whatever data blocks that requires) if the write extends
// past the current end of file. Returns ErrIsADirectory for a directory
// handle.
//
// A write that fails partway through (e.g. ErrNoSpace once the image fills
// up) still returns the number of bytes it actually wrote, and that prefix
// is still synced to device: the cache is flushed unconditionally, not only
// on the success path, so a short write's progress is never left durable on
// the in-memory copy alone and then lost.
func (in *Inode) Write(offset int64, data []byte) (int, error) {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	var n int
	err := in.fs.updateInode(in.id, func(di *tinyfs.DiskInode) error {
		if di.IsDirectory() {
			return tinyfs.ErrIsADirectory
		}
		var werr error
		n, werr = in.fs.resolver.WriteAt(di, data, offset)
		return werr
	})

	if syncErr := in.fs.cache.SyncAll(); syncErr != nil && err == nil {
		err = syncErr
	}
	return n, err
}

// Clear frees every data block (and indirect block) this inode owns and
// resets its size to 0. The inode's own bit and directory entry, if any,
// are left intact; see Destroy to remove both.
func (in *Inode) Clear() error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	err := in.fs.updateInode(in.id, func(di *tinyfs.DiskInode) error {
		return in.fs.resolver.Clear(di)
	})
	if err != nil {
		return err
	}
	return in.fs.cache.SyncAll()
}

// Destroy removes name from this directory entirely: it clears the named
// child's data, frees the child's inode bit, and removes the DirEntry from
// this directory's content. The entry is removed by overwriting it with
// the directory's last entry and shrinking size by one DirEntrySize (an
// O(1) compaction, since directory order is not a spec invariant) rather
// than shifting every following entry down.
//
// Failures partway through are aggregated rather than stopping at the
// first one, so a caller can see everything that went wrong freeing a
// child; the target's directory entry is always removed last, after its
// resources have been reclaimed.
func (in *Inode) Destroy(name string) error {
	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	parentMeta, err := in.fs.readInode(in.id)
	if err != nil {
		return err
	}
	if !parentMeta.IsDirectory() {
		return tinyfs.ErrNotADirectory
	}

	targetID, targetIndex, found, err := in.locateEntryLocked(&parentMeta, name)
	if err != nil {
		return err
	}
	if !found {
		return tinyfs.ErrNotFound
	}

	var merr *multierror.Error

	if err := in.fs.updateInode(targetID, func(di *tinyfs.DiskInode) error {
		return in.fs.resolver.Clear(di)
	}); err != nil {
		merr = multierror.Append(merr, err)
	}

	if err := in.fs.freeInode(targetID); err != nil {
		merr = multierror.Append(merr, err)
	}

	lastIndex := parentMeta.Size/tinyfs.DirEntrySize - 1
	err = in.fs.updateInode(in.id, func(di *tinyfs.DiskInode) error {
		if targetIndex != lastIndex {
			lastBuf := make([]byte, tinyfs.DirEntrySize)
			if _, err := in.fs.resolver.ReadAt(di, lastBuf, int64(lastIndex)*tinyfs.DirEntrySize); err != nil {
				return err
			}
			if _, err := in.fs.resolver.WriteAt(di, lastBuf, int64(targetIndex)*tinyfs.DirEntrySize); err != nil {
				return err
			}
		}
		di.Size -= tinyfs.DirEntrySize
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	if err := in.fs.cache.SyncAll(); err != nil {
		merr = multierror.Append(merr, err)
	}

	return merr.ErrorOrNil()
}

func (in *Inode) locateEntryLocked(meta *tinyfs.DiskInode, name string) (tinyfs.InodeID, uint32, bool, error) {
	count := meta.Size / tinyfs.DirEntrySize
	buf := make([]byte, tinyfs.DirEntrySize)

	for i := uint32(0); i < count; i++ {
		if _, err := in.fs.resolver.ReadAt(meta, buf, int64(i)*tinyfs.DirEntrySize); err != nil {
			return 0, 0, false, err
		}
		entry := decodeDirEntry(buf)
		if entry.NameString() == name {
			return tinyfs.InodeID(entry.InodeID), i, true, nil
		}
	}
	return 0, 0, false, nil
}

// Rename changes the name of the directory entry oldName to newName,
// in place. Fails with ErrNotFound if oldName does not exist, or
// ErrExists if newName is already taken by a different entry.
func (in *Inode) Rename(oldName, newName string) error {
	if err := tinyfs.ValidateName(newName); err != nil {
		return err
	}

	in.fs.mu.Lock()
	defer in.fs.mu.Unlock()

	meta, err := in.fs.readInode(in.id)
	if err != nil {
		return err
	}
	if !meta.IsDirectory() {
		return tinyfs.ErrNotADirectory
	}

	if _, found, err := in.findLocked(&meta, newName); err != nil {
		return err
	} else if found && newName != oldName {
		return tinyfs.ErrExists
	}

	_, index, found, err := in.locateEntryLocked(&meta, oldName)
	if err != nil {
		return err
	}
	if !found {
		return tinyfs.ErrNotFound
	}

	buf := make([]byte, tinyfs.DirEntrySize)
	if _, err := in.fs.resolver.ReadAt(&meta, buf, int64(index)*tinyfs.DirEntrySize); err != nil {
		return err
	}
	entry := decodeDirEntry(buf)
	entry.Name = [tinyfs.DirNameMaxLen]byte{}
	copy(entry.Name[:], newName)
	raw := encodeDirEntry(&entry)

	err = in.fs.updateInode(in.id, func(di *tinyfs.DiskInode) error {
		_, werr := in.fs.resolver.WriteAt(di, raw, int64(index)*tinyfs.DirEntrySize)
		return werr
	})
	if err != nil {
		return err
	}

	return in.fs.cache.SyncAll()
}
