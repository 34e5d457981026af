package pnlfs

import (
	"fmt"

	"go.uber.org/zap"
)

// FormatOptions configures Format's layout decisions.
type FormatOptions struct {
	// NrBlocks is the total size of the device, in blocks, including the
	// superblock, both bitmaps and the inode store.
	NrBlocks uint32
	// NrInodes is the size of the inode table. It is the caller's
	// responsibility to pick a number the data area can support; Format
	// does not second-guess the ratio.
	NrInodes uint32
}

// Format lays down a fresh PNLFS image on device: the superblock, both
// bitmap areas (fully free except for the slots Format itself reserves),
// an empty inode table, and a root directory whose own entry occupies
// inode 0. It is the Go analogue of the original module's mkfs helper
// and of the teacher's NewFileSystem.
func Format(device BlockDevice, opts FormatOptions, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.NrInodes == 0 {
		return fmt.Errorf("format: NrInodes must be > 0")
	}

	nrIstoreBlocks := (opts.NrInodes + InodesPerBlock - 1) / InodesPerBlock
	nrIfreeBlocks := NrWordBlocks(uint(opts.NrInodes))

	// The block bitmap must cover every block past the data area's
	// start, but that start depends on the block bitmap's own size, so
	// solve for nrBfreeBlocks by iterating until the layout is
	// self-consistent — at most a couple of passes in practice since
	// each bitmap block covers 32768 blocks.
	nrBfreeBlocks := uint32(1)
	for {
		dataLo := 1 + nrIfreeBlocks + nrBfreeBlocks + nrIstoreBlocks
		if dataLo >= opts.NrBlocks {
			return fmt.Errorf("format: device too small for %d inodes", opts.NrInodes)
		}
		nrDataBlocks := opts.NrBlocks - dataLo
		need := NrWordBlocks(uint(nrDataBlocks))
		if need == nrBfreeBlocks {
			break
		}
		nrBfreeBlocks = need
	}

	dataLo := 1 + nrIfreeBlocks + nrBfreeBlocks + nrIstoreBlocks
	nrDataBlocks := opts.NrBlocks - dataLo

	ibitmap := NewBitmap(uint(opts.NrInodes))
	bbitmap := NewBitmap(uint(nrDataBlocks))

	rootIno, ok := ibitmap.Alloc()
	if !ok || Ino(rootIno) != RootIno {
		return fmt.Errorf("format: could not reserve root inode")
	}
	rootBlockIdx, ok := bbitmap.Alloc()
	if !ok {
		return fmt.Errorf("format: could not reserve root directory block")
	}
	rootBlock := dataLo + uint32(rootBlockIdx)

	sb := Superblock{
		Magic:          Magic,
		NrBlocks:       opts.NrBlocks,
		NrInodes:       opts.NrInodes,
		NrIstoreBlocks: nrIstoreBlocks,
		NrIfreeBlocks:  nrIfreeBlocks,
		NrBfreeBlocks:  nrBfreeBlocks,
		NrFreeInodes:   uint32(ibitmap.Count()),
		NrFreeBlocks:   uint32(bbitmap.Count()),
	}

	var sbBuf [BlockSize]byte
	EncodeSuperblock(&sb, &sbBuf)
	if err := device.WriteBlock(SuperblockNr, sbBuf[:]); err != nil {
		return fmt.Errorf("format: write superblock: %w", err)
	}
	if err := storeBitmapArea(device, ibitmapLo(), nrIfreeBlocks, ibitmap); err != nil {
		return fmt.Errorf("format: write inode bitmap: %w", err)
	}
	if err := storeBitmapArea(device, sb.bbitmapLo(), nrBfreeBlocks, bbitmap); err != nil {
		return fmt.Errorf("format: write block bitmap: %w", err)
	}

	inodes := NewInodeStore(device, sb.istoreLo(), sb.NrInodes, log)
	rootRec := InodeRecord{Mode: ModeDir | 0o755, IndexBlock: rootBlock, FileSize: 0, NrEntries: 0}
	if err := inodes.Put(RootIno, rootRec); err != nil {
		return fmt.Errorf("format: write root inode: %w", err)
	}
	if err := inodes.Flush(); err != nil {
		return fmt.Errorf("format: flush root inode: %w", err)
	}

	var rootDirBuf [BlockSize]byte
	var emptyDir DirBlock
	EncodeDirBlock(&emptyDir, &rootDirBuf)
	if err := device.WriteBlock(rootBlock, rootDirBuf[:]); err != nil {
		return fmt.Errorf("format: write root directory block: %w", err)
	}

	if err := device.Flush(); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	log.Info("formatted volume",
		zap.Uint32("blocks", opts.NrBlocks),
		zap.Uint32("inodes", opts.NrInodes),
		zap.Uint32("data_blocks", nrDataBlocks),
	)
	return nil
}
