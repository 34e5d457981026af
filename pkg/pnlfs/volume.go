package pnlfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Volume is a mounted PNLFS filesystem: the superblock, both bitmap
// allocators, the inode store and the namespace operations built on top
// of them, plus the single-writer mutation lock described in §5 —
// readers run concurrently with each other, but a mutating call
// (create, unlink, mkdir, rmdir, rename) holds the lock exclusively for
// its whole duration. It is grounded on the teacher's FileSystem type in
// filesystem.go, whose Mount/Flush pair plays the same role around a
// single *os.File.
type Volume struct {
	mu sync.RWMutex

	device BlockDevice
	log    *zap.Logger
	id     uuid.UUID

	sb      Superblock
	ibitmap *Bitmap
	bbitmap *Bitmap
	inodes  *InodeStore
	ns      *Namespace

	mounted bool
}

func ibitmapLo() uint32 { return 1 }

func (sb *Superblock) bbitmapLo() uint32 { return 1 + sb.NrIfreeBlocks }
func (sb *Superblock) istoreLo() uint32  { return 1 + sb.NrIfreeBlocks + sb.NrBfreeBlocks }
func (sb *Superblock) dataLo() uint32    { return sb.istoreLo() + sb.NrIstoreBlocks }

// MountOptions configures Mount. The zero value requests no overrides.
type MountOptions struct {
	// RootMode, if nonzero, is applied to the root inode's mode word the
	// first time it is loaded with a zero mode word — the Go analogue
	// of pnlfs_fill_super's inode_init_owner fixup, which reconciles the
	// root inode against the mounting context exactly once. It never
	// overwrites a root mode that mkfs already set.
	RootMode Mode
}

// Mount reads the superblock and both bitmaps off device and assembles
// a ready-to-use Volume, the Go analogue of pnlfs_fill_super. log may be
// nil, in which case mounting is silent.
func Mount(device BlockDevice, opts MountOptions, log *zap.Logger) (*Volume, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var sbBuf [BlockSize]byte
	if err := device.ReadBlock(SuperblockNr, sbBuf[:]); err != nil {
		return nil, fmt.Errorf("mount: read superblock: %w", err)
	}
	sb, err := DecodeSuperblock(&sbBuf)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	ibitmap, err := loadBitmapArea(device, ibitmapLo(), sb.NrIfreeBlocks, uint(sb.NrInodes))
	if err != nil {
		return nil, fmt.Errorf("mount: inode bitmap: %w", err)
	}
	if ibitmap.Count() != uint(sb.NrFreeInodes) {
		log.Warn("inode bitmap popcount mismatch at mount",
			zap.Uint("counted", ibitmap.Count()), zap.Uint32("recorded", sb.NrFreeInodes))
		return nil, InconsistentBitmap
	}

	nrDataBlocks := sb.NrBlocks - sb.dataLo()
	bbitmap, err := loadBitmapArea(device, sb.bbitmapLo(), sb.NrBfreeBlocks, uint(nrDataBlocks))
	if err != nil {
		return nil, fmt.Errorf("mount: block bitmap: %w", err)
	}
	if bbitmap.Count() != uint(sb.NrFreeBlocks) {
		log.Warn("block bitmap popcount mismatch at mount",
			zap.Uint("counted", bbitmap.Count()), zap.Uint32("recorded", sb.NrFreeBlocks))
		return nil, InconsistentBitmap
	}

	inodes := NewInodeStore(device, sb.istoreLo(), sb.NrInodes, log)
	ns := NewNamespace(device, inodes, ibitmap, bbitmap, sb.dataLo(), log)

	if opts.RootMode != 0 {
		rootRec, err := inodes.Get(RootIno)
		if err != nil {
			return nil, fmt.Errorf("mount: root inode: %w", err)
		}
		if rootRec.Mode == 0 {
			rootRec.Mode = opts.RootMode
			if err := inodes.Put(RootIno, rootRec); err != nil {
				return nil, fmt.Errorf("mount: root inode: %w", err)
			}
			log.Info("fixed up root inode mode at mount", zap.Stringer("mode", opts.RootMode))
		}
	}

	vol := &Volume{
		device:  device,
		log:     log,
		id:      uuid.New(),
		sb:      sb,
		ibitmap: ibitmap,
		bbitmap: bbitmap,
		inodes:  inodes,
		ns:      ns,
		mounted: true,
	}
	log.Info("mounted volume", zap.Stringer("session", vol.id), zap.Uint32("blocks", sb.NrBlocks))
	return vol, nil
}

// loadBitmapArea decodes a bitmap spanning nrBlocks on-disk blocks
// starting at lo, each packed as little-endian uint64 words, into a
// live Bitmap of size bits.
func loadBitmapArea(device BlockDevice, lo, nrBlocks uint32, size uint) (*Bitmap, error) {
	wordsPerBlock := BlockSize / 8
	words := make([]uint64, 0, int(nrBlocks)*wordsPerBlock)
	var buf [BlockSize]byte
	for b := uint32(0); b < nrBlocks; b++ {
		if err := device.ReadBlock(lo+b, buf[:]); err != nil {
			return nil, err
		}
		for w := 0; w < wordsPerBlock; w++ {
			words = append(words, binary.LittleEndian.Uint64(buf[w*8:w*8+8]))
		}
	}
	return LoadBitmap(words, size), nil
}

// storeBitmapArea is the write-side counterpart of loadBitmapArea.
func storeBitmapArea(device BlockDevice, lo, nrBlocks uint32, bm *Bitmap) error {
	words := bm.Words()
	wordsPerBlock := BlockSize / 8
	var buf [BlockSize]byte
	for b := uint32(0); b < nrBlocks; b++ {
		for i := range buf {
			buf[i] = 0
		}
		for w := 0; w < wordsPerBlock; w++ {
			idx := int(b)*wordsPerBlock + w
			if idx < len(words) {
				binary.LittleEndian.PutUint64(buf[w*8:w*8+8], words[idx])
			}
		}
		if err := device.WriteBlock(lo+b, buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves name within dirIno. Readers may run concurrently.
func (vol *Volume) Lookup(dirIno Ino, name string) (Ino, error) {
	vol.mu.RLock()
	defer vol.mu.RUnlock()
	return vol.ns.Lookup(dirIno, name)
}

// Readdir lists dirIno's entries, including the synthesized "." and
// ".." bindings; parentIno names dirIno's parent (pass dirIno itself
// for the root). Readers may run concurrently.
func (vol *Volume) Readdir(dirIno, parentIno Ino) ([]DirEntry, error) {
	vol.mu.RLock()
	defer vol.mu.RUnlock()
	return vol.ns.Readdir(dirIno, parentIno)
}

// Stat returns the inode info for ino.
func (vol *Volume) Stat(ino Ino) (InodeInfo, error) {
	vol.mu.RLock()
	defer vol.mu.RUnlock()
	return vol.ns.Stat(ino)
}

// Create makes a new regular file, holding the volume's mutation lock
// exclusively for the duration.
func (vol *Volume) Create(dirIno Ino, name string, perm uint32) (Ino, error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	ino, err := vol.ns.Create(dirIno, name, perm)
	if err == nil {
		vol.sb.NrFreeInodes--
		vol.sb.NrFreeBlocks--
	}
	return ino, err
}

// Mkdir makes a new empty directory, holding the volume's mutation lock
// exclusively for the duration.
func (vol *Volume) Mkdir(dirIno Ino, name string, perm uint32) (Ino, error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	ino, err := vol.ns.Mkdir(dirIno, name, perm)
	if err == nil {
		vol.sb.NrFreeInodes--
		vol.sb.NrFreeBlocks--
	}
	return ino, err
}

// Unlink removes a regular-file binding and returns the invalidated
// Ino, so a host dentry cache can drop it.
func (vol *Volume) Unlink(dirIno Ino, name string) (Ino, error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	ino, err := vol.ns.Unlink(dirIno, name)
	if err != nil {
		return 0, err
	}
	vol.sb.NrFreeInodes++
	vol.sb.NrFreeBlocks++
	return ino, nil
}

// Rmdir removes an empty-directory binding and returns the invalidated
// Ino, so a host dentry cache can drop it.
func (vol *Volume) Rmdir(dirIno Ino, name string) (Ino, error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	ino, err := vol.ns.Rmdir(dirIno, name)
	if err != nil {
		return 0, err
	}
	vol.sb.NrFreeInodes++
	vol.sb.NrFreeBlocks++
	return ino, nil
}

// Rename rebinds a name, possibly replacing an existing target, and
// returns the Ino of any displaced target (0 if none), so a host
// dentry cache can drop it.
//
// Replacing a target frees its inode and block, so the superblock's
// free counters are refreshed from the bitmaps rather than
// incrementally adjusted, since Rename's replace-or-not outcome isn't
// known until after Namespace.Rename runs.
func (vol *Volume) Rename(oldDirIno Ino, oldName string, newDirIno Ino, newName string) (Ino, error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	displaced, err := vol.ns.Rename(oldDirIno, oldName, newDirIno, newName)
	if err != nil {
		return 0, err
	}
	vol.sb.NrFreeInodes = uint32(vol.ibitmap.Count())
	vol.sb.NrFreeBlocks = uint32(vol.bbitmap.Count())
	return displaced, nil
}

// Sync writes the superblock, both bitmaps and every dirty inode back
// to the device, the Go analogue of pnlfs_sync_fs.
func (vol *Volume) Sync() error {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	return vol.syncLocked()
}

func (vol *Volume) syncLocked() error {
	if err := vol.inodes.Flush(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := storeBitmapArea(vol.device, ibitmapLo(), vol.sb.NrIfreeBlocks, vol.ibitmap); err != nil {
		return fmt.Errorf("sync: inode bitmap: %w", err)
	}
	if err := storeBitmapArea(vol.device, vol.sb.bbitmapLo(), vol.sb.NrBfreeBlocks, vol.bbitmap); err != nil {
		return fmt.Errorf("sync: block bitmap: %w", err)
	}
	var sbBuf [BlockSize]byte
	EncodeSuperblock(&vol.sb, &sbBuf)
	if err := vol.device.WriteBlock(SuperblockNr, sbBuf[:]); err != nil {
		return fmt.Errorf("sync: superblock: %w", err)
	}
	if err := vol.device.Flush(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	vol.log.Info("synced volume", zap.Stringer("session", vol.id))
	return nil
}

// Unmount flushes the volume and marks it unmounted, the Go analogue of
// pnlfs_put_super. A second Unmount returns ErrVolumeAlreadyUnmounted;
// the other methods do not check whether vol is still mounted.
func (vol *Volume) Unmount() error {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	if !vol.mounted {
		return ErrVolumeAlreadyUnmounted
	}
	if err := vol.syncLocked(); err != nil {
		return err
	}
	vol.mounted = false
	vol.log.Info("unmounted volume", zap.Stringer("session", vol.id))
	return nil
}

// Superblock returns a copy of the volume's current superblock, for
// `pnlfsctl stat` and tests asserting §8's counter invariants.
func (vol *Volume) Superblock() Superblock {
	vol.mu.RLock()
	defer vol.mu.RUnlock()
	return vol.sb
}
