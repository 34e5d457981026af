package pnlfs

import (
	"fmt"

	"go.uber.org/zap"
)

// Namespace implements the directory-tree operations (create, unlink,
// mkdir, rmdir, rename, lookup, readdir) on top of the inode store and
// the two bitmap allocators, the way pnlfs_create/pnlfs_unlink/
// pnlfs_mkdir/pnlfs_rmdir/pnlfs_rename/pnlfs_readdir compose
// get_next_ifree/get_next_bfree and the directory block helpers in the
// original module.
type Namespace struct {
	device  BlockDevice
	inodes  *InodeStore
	ibitmap *Bitmap
	bbitmap *Bitmap
	dataLo  uint32 // first absolute block number of the data area
	log     *zap.Logger
}

// NewNamespace wires a Namespace over an already-populated inode store
// and pair of bitmaps.
func NewNamespace(device BlockDevice, inodes *InodeStore, ibitmap, bbitmap *Bitmap, dataLo uint32, log *zap.Logger) *Namespace {
	if log == nil {
		log = zap.NewNop()
	}
	return &Namespace{device: device, inodes: inodes, ibitmap: ibitmap, bbitmap: bbitmap, dataLo: dataLo, log: log}
}

func (ns *Namespace) allocInode() (Ino, error) {
	idx, ok := ns.ibitmap.Alloc()
	if !ok {
		return 0, NoFreeInode
	}
	return Ino(idx), nil
}

func (ns *Namespace) allocBlock() (uint32, error) {
	idx, ok := ns.bbitmap.Alloc()
	if !ok {
		return 0, NoFreeBlock
	}
	return ns.dataLo + uint32(idx), nil
}

func (ns *Namespace) freeInode(ino Ino) error {
	if err := ns.ibitmap.Free(uint(ino)); err != nil {
		ns.log.Warn("double free of inode", zap.Stringer("ino", ino))
		return err
	}
	ns.inodes.Evict(ino)
	return nil
}

func (ns *Namespace) freeBlock(block uint32) error {
	if err := ns.bbitmap.Free(uint(block - ns.dataLo)); err != nil {
		ns.log.Warn("double free of block", zap.Uint32("block", block))
		return err
	}
	return nil
}

// dirBlockOf loads the directory block and live-entry count for dirIno,
// verifying dirIno actually names a directory.
func (ns *Namespace) dirBlockOf(dirIno Ino) (rec InodeRecord, block DirBlock, err error) {
	rec, err = ns.inodes.Get(dirIno)
	if err != nil {
		return InodeRecord{}, DirBlock{}, err
	}
	if !rec.Mode.IsDir() {
		return InodeRecord{}, DirBlock{}, NotADirectory
	}
	block, err = ReadDirBlock(ns.device, rec.IndexBlock)
	if err != nil {
		return InodeRecord{}, DirBlock{}, err
	}
	return rec, block, nil
}

// Lookup resolves name within dirIno, the primitive behind pnlfs_lookup.
func (ns *Namespace) Lookup(dirIno Ino, name string) (Ino, error) {
	rec, block, err := ns.dirBlockOf(dirIno)
	if err != nil {
		return 0, err
	}
	ino, ok := DirLookup(&block, rec.NrEntries, name)
	if !ok {
		return 0, NotFound
	}
	return ino, nil
}

// Readdir lists dirIno's entries, the primitive behind
// pnlfs_readdir/pnlfs_iterate: per §4.F and §9, the two implicit "."
// and ".." entries are synthesized at cursor positions 0 and 1 ahead of
// the stored bindings. parentIno names dirIno's parent (dirIno itself
// for the root, since the root has no parent of its own); the core has
// no dentry tree to resolve this itself, so the caller supplies it.
func (ns *Namespace) Readdir(dirIno, parentIno Ino) ([]DirEntry, error) {
	rec, block, err := ns.dirBlockOf(dirIno)
	if err != nil {
		return nil, err
	}
	return DirEntries(&block, rec.NrEntries, dirIno, parentIno), nil
}

// createEntry is shared by Create and Mkdir: it allocates an inode and a
// fresh index block, records the new inode, and only then binds name to
// it in dirIno. The new index block and dirIno's directory block are
// written to the device at once; the inode records and bitmaps reach
// the device only on the next Sync.
func (ns *Namespace) createEntry(dirIno Ino, name string, mode Mode) (Ino, error) {
	if len(name) > FilenameLen {
		return 0, NameTooLongError{Name: name}
	}
	dirRec, dirBlock, err := ns.dirBlockOf(dirIno)
	if err != nil {
		return 0, err
	}
	if _, ok := DirLookup(&dirBlock, dirRec.NrEntries, name); ok {
		return 0, NameExists
	}
	if dirRec.NrEntries >= MaxDirEntries {
		return 0, DirFull
	}

	ino, err := ns.allocInode()
	if err != nil {
		return 0, err
	}
	indexBlock, err := ns.allocBlock()
	if err != nil {
		_ = ns.freeInode(ino)
		return 0, err
	}

	newRec := InodeRecord{Mode: mode, IndexBlock: indexBlock, FileSize: 0, NrEntries: 0}
	if mode.IsDir() {
		var empty DirBlock
		if err := WriteDirBlock(ns.device, indexBlock, &empty); err != nil {
			return 0, err
		}
	} else {
		var empty FileIndexBlock
		var buf [BlockSize]byte
		EncodeFileIndexBlock(&empty, &buf)
		if err := ns.device.WriteBlock(indexBlock, buf[:]); err != nil {
			return 0, fmt.Errorf("create: init file index block: %w", err)
		}
	}
	if err := ns.inodes.Put(ino, newRec); err != nil {
		return 0, err
	}

	newCount, err := DirInsert(&dirBlock, dirRec.NrEntries, ino, name)
	if err != nil {
		return 0, err
	}
	if err := WriteDirBlock(ns.device, dirRec.IndexBlock, &dirBlock); err != nil {
		return 0, err
	}
	dirRec.NrEntries = newCount
	if err := ns.inodes.Put(dirIno, dirRec); err != nil {
		return 0, err
	}

	ns.log.Debug("created entry", zap.Stringer("parent", dirIno), zap.String("name", name), zap.Stringer("ino", ino))
	return ino, nil
}

// Create binds a new regular file named name under dirIno, per
// pnlfs_create.
func (ns *Namespace) Create(dirIno Ino, name string, perm uint32) (Ino, error) {
	return ns.createEntry(dirIno, name, ModeRegular|Mode(perm&modePermMask))
}

// Mkdir binds a new, empty directory named name under dirIno, per
// pnlfs_mkdir.
func (ns *Namespace) Mkdir(dirIno Ino, name string, perm uint32) (Ino, error) {
	return ns.createEntry(dirIno, name, ModeDir|Mode(perm&modePermMask))
}

// removeEntry is shared by Unlink and Rmdir: it verifies the target's
// type, removes the binding from dirIno, and only then frees the
// target's index block and inode, so a directory entry never refers to
// an inode that has already been freed. It
// returns the invalidated Ino so a host dentry cache can drop it
// without the core reaching into host structures (§9's
// d_invalidate note).
func (ns *Namespace) removeEntry(dirIno Ino, name string, wantDir bool) (Ino, error) {
	dirRec, dirBlock, err := ns.dirBlockOf(dirIno)
	if err != nil {
		return 0, err
	}
	targetIno, ok := DirLookup(&dirBlock, dirRec.NrEntries, name)
	if !ok {
		return 0, NotFound
	}
	if targetIno == RootIno {
		return 0, ErrRootRemoval
	}
	targetRec, err := ns.inodes.Get(targetIno)
	if err != nil {
		return 0, err
	}
	switch {
	case wantDir && !targetRec.Mode.IsDir():
		return 0, NotADirectory
	case !wantDir && targetRec.Mode.IsDir():
		return 0, IsADirectory
	}
	if wantDir && targetRec.NrEntries > 0 {
		return 0, NotEmpty
	}

	if _, _, err := DirRemove(&dirBlock, dirRec.NrEntries, name); err != nil {
		return 0, err
	}
	if err := WriteDirBlock(ns.device, dirRec.IndexBlock, &dirBlock); err != nil {
		return 0, err
	}
	dirRec.NrEntries--
	if err := ns.inodes.Put(dirIno, dirRec); err != nil {
		return 0, err
	}

	if err := ns.freeBlock(targetRec.IndexBlock); err != nil {
		return 0, err
	}
	if err := ns.freeInode(targetIno); err != nil {
		return 0, err
	}

	ns.log.Debug("removed entry", zap.Stringer("parent", dirIno), zap.String("name", name), zap.Stringer("ino", targetIno))
	return targetIno, nil
}

// Unlink removes a regular-file binding, per pnlfs_unlink, and returns
// the invalidated Ino.
func (ns *Namespace) Unlink(dirIno Ino, name string) (Ino, error) {
	return ns.removeEntry(dirIno, name, false)
}

// Rmdir removes an empty-directory binding, per pnlfs_rmdir, and
// returns the invalidated Ino.
func (ns *Namespace) Rmdir(dirIno Ino, name string) (Ino, error) {
	return ns.removeEntry(dirIno, name, true)
}

// Rename rebinds oldName under oldDirIno to newName under newDirIno,
// replacing any existing newName binding the way pnlfs_rename does.
// pnlfs_rename performs no type check between the moved inode and a
// replaced target — a file can displace a directory and vice versa —
// so neither does this; an existing directory target must still be
// empty before it can be displaced, per §6's NotEmpty case. It returns
// the Ino of any displaced target so a host dentry cache can drop it
// (§9's d_invalidate note), or 0 if nothing was displaced.
func (ns *Namespace) Rename(oldDirIno Ino, oldName string, newDirIno Ino, newName string) (Ino, error) {
	if len(newName) > FilenameLen {
		return 0, NameTooLongError{Name: newName}
	}
	sameParent := oldDirIno == newDirIno

	oldDirRec, oldDirBlock, err := ns.dirBlockOf(oldDirIno)
	if err != nil {
		return 0, err
	}
	movedIno, ok := DirLookup(&oldDirBlock, oldDirRec.NrEntries, oldName)
	if !ok {
		return 0, NotFound
	}
	if movedIno == RootIno {
		return 0, ErrRootRemoval
	}

	// When the source and destination share a parent, reuse the single
	// decode for both edits so the two DirRemove/DirInsert calls agree on
	// the same underlying slots instead of racing two independent views
	// of one physical block.
	newDirRec := oldDirRec
	newDirBlock := oldDirBlock
	if !sameParent {
		newDirRec, newDirBlock, err = ns.dirBlockOf(newDirIno)
		if err != nil {
			return 0, err
		}
	}

	var displaced Ino
	if existingIno, exists := DirLookup(&newDirBlock, newDirRec.NrEntries, newName); exists {
		if existingIno == movedIno {
			return 0, nil
		}
		existingRec, err := ns.inodes.Get(existingIno)
		if err != nil {
			return 0, err
		}
		if existingRec.Mode.IsDir() && existingRec.NrEntries > 0 {
			return 0, NotEmpty
		}
		if _, _, err := DirRemove(&newDirBlock, newDirRec.NrEntries, newName); err != nil {
			return 0, err
		}
		newDirRec.NrEntries--
		if err := ns.freeBlock(existingRec.IndexBlock); err != nil {
			return 0, err
		}
		if err := ns.freeInode(existingIno); err != nil {
			return 0, err
		}
		displaced = existingIno
	}

	if sameParent {
		if _, _, err := DirRemove(&newDirBlock, newDirRec.NrEntries, oldName); err != nil {
			return 0, err
		}
		newDirRec.NrEntries--
	} else {
		if _, _, err := DirRemove(&oldDirBlock, oldDirRec.NrEntries, oldName); err != nil {
			return 0, err
		}
		oldDirRec.NrEntries--
	}

	newCount, err := DirInsert(&newDirBlock, newDirRec.NrEntries, movedIno, newName)
	if err != nil {
		return 0, err
	}
	newDirRec.NrEntries = newCount

	if err := WriteDirBlock(ns.device, newDirRec.IndexBlock, &newDirBlock); err != nil {
		return 0, err
	}
	if err := ns.inodes.Put(newDirIno, newDirRec); err != nil {
		return 0, err
	}
	if !sameParent {
		if err := WriteDirBlock(ns.device, oldDirRec.IndexBlock, &oldDirBlock); err != nil {
			return 0, err
		}
		if err := ns.inodes.Put(oldDirIno, oldDirRec); err != nil {
			return 0, err
		}
	}

	ns.log.Debug("renamed entry",
		zap.Stringer("from_parent", oldDirIno), zap.String("from_name", oldName),
		zap.Stringer("to_parent", newDirIno), zap.String("to_name", newName),
	)
	return displaced, nil
}

// Stat returns the inode record backing ino, for `pnlfsctl ls`.
func (ns *Namespace) Stat(ino Ino) (InodeInfo, error) {
	return ns.inodes.GetInfo(ino)
}
