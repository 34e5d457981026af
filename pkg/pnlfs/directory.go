package pnlfs

import "fmt"

// ReadDirBlock reads and decodes the directory block at blockNr.
func ReadDirBlock(device BlockDevice, blockNr uint32) (DirBlock, error) {
	var buf [BlockSize]byte
	if err := device.ReadBlock(blockNr, buf[:]); err != nil {
		return DirBlock{}, fmt.Errorf("read dir block %d: %w", blockNr, err)
	}
	return DecodeDirBlock(&buf), nil
}

// WriteDirBlock encodes and writes block to blockNr.
func WriteDirBlock(device BlockDevice, blockNr uint32, block *DirBlock) error {
	var buf [BlockSize]byte
	EncodeDirBlock(block, &buf)
	if err := device.WriteBlock(blockNr, buf[:]); err != nil {
		return fmt.Errorf("write dir block %d: %w", blockNr, err)
	}
	return nil
}

// DirLookup performs the linear scan pnlfs_inode_by_name does: it walks
// the first nrEntries live slots of block and returns the inode bound to
// name. Slots at or beyond nrEntries are stale garbage left by previous
// removals and must never be consulted.
func DirLookup(block *DirBlock, nrEntries uint32, name string) (Ino, bool) {
	for i := uint32(0); i < nrEntries && i < MaxDirEntries; i++ {
		if block.Entries[i].Name() == name {
			return block.Entries[i].Ino, true
		}
	}
	return 0, false
}

// DirInsert appends a new {ino, name} binding at slot nrEntries and
// returns the incremented count. It does not check for a duplicate name;
// callers must DirLookup first, the way pnlfs_create does, so that the
// NameExists decision is made once by the namespace layer.
func DirInsert(block *DirBlock, nrEntries uint32, ino Ino, name string) (uint32, error) {
	if len(name) > FilenameLen {
		return nrEntries, NameTooLongError{Name: name}
	}
	if nrEntries >= MaxDirEntries {
		return nrEntries, DirFull
	}
	block.Entries[nrEntries].Ino = ino
	block.Entries[nrEntries].SetName(name)
	return nrEntries + 1, nil
}

// DirRemove finds name among the first nrEntries live slots, and
// compacts the hole by shifting every slot after it left by one, the
// way pnlfs_unlink's memcpy of the tail does, preserving the relative
// order of the surviving entries. It returns the removed inode and the
// decremented live count.
func DirRemove(block *DirBlock, nrEntries uint32, name string) (Ino, uint32, error) {
	for i := uint32(0); i < nrEntries && i < MaxDirEntries; i++ {
		if block.Entries[i].Name() != name {
			continue
		}
		removed := block.Entries[i].Ino
		last := nrEntries - 1
		for j := i; j < last; j++ {
			block.Entries[j] = block.Entries[j+1]
		}
		block.Entries[last] = DirEntry{}
		return removed, last, nil
	}
	return 0, nrEntries, NotFound
}

// DirEntries returns the names and inodes of the first nrEntries live
// slots, in storage order, preceded by the two implicit "." and ".."
// entries §4.F mandates at cursor positions 0 and 1, bound to selfIno
// and parentIno respectively.
func DirEntries(block *DirBlock, nrEntries uint32, selfIno, parentIno Ino) []DirEntry {
	if nrEntries > MaxDirEntries {
		nrEntries = MaxDirEntries
	}
	out := make([]DirEntry, 0, nrEntries+2)

	var dot DirEntry
	dot.Ino = selfIno
	dot.SetName(".")
	out = append(out, dot)

	var dotdot DirEntry
	dotdot.Ino = parentIno
	dotdot.SetName("..")
	out = append(out, dotdot)

	out = append(out, block.Entries[:nrEntries]...)
	return out
}
