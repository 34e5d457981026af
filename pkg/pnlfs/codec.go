package pnlfs

import (
	"encoding/binary"
	"fmt"
)

// Superblock mirrors the on-disk superblock record (block 0). All
// integers are little-endian on disk, matching §3.
type Superblock struct {
	Magic          uint32
	NrBlocks       uint32
	NrInodes       uint32
	NrIstoreBlocks uint32
	NrIfreeBlocks  uint32
	NrBfreeBlocks  uint32
	NrFreeInodes   uint32
	NrFreeBlocks   uint32
}

// DecodeSuperblock reads a Superblock out of a raw block-0 buffer,
// rejecting anything whose magic doesn't match.
func DecodeSuperblock(buf *[BlockSize]byte) (Superblock, error) {
	var sb Superblock
	sb.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if sb.Magic != Magic {
		return Superblock{}, BadImageError{
			Reason: fmt.Sprintf("unrecognized magic `%#08x`", sb.Magic),
		}
	}
	sb.NrBlocks = binary.LittleEndian.Uint32(buf[4:8])
	sb.NrInodes = binary.LittleEndian.Uint32(buf[8:12])
	sb.NrIstoreBlocks = binary.LittleEndian.Uint32(buf[12:16])
	sb.NrIfreeBlocks = binary.LittleEndian.Uint32(buf[16:20])
	sb.NrBfreeBlocks = binary.LittleEndian.Uint32(buf[20:24])
	sb.NrFreeInodes = binary.LittleEndian.Uint32(buf[24:28])
	sb.NrFreeBlocks = binary.LittleEndian.Uint32(buf[28:32])
	return sb, nil
}

// EncodeSuperblock writes sb into buf; encode(decode(buf)) round-trips
// for any buffer produced this way (§8 property 3).
func EncodeSuperblock(sb *Superblock, buf *[BlockSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.NrBlocks)
	binary.LittleEndian.PutUint32(buf[8:12], sb.NrInodes)
	binary.LittleEndian.PutUint32(buf[12:16], sb.NrIstoreBlocks)
	binary.LittleEndian.PutUint32(buf[16:20], sb.NrIfreeBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], sb.NrBfreeBlocks)
	binary.LittleEndian.PutUint32(buf[24:28], sb.NrFreeInodes)
	binary.LittleEndian.PutUint32(buf[28:32], sb.NrFreeBlocks)
}

// InodeRecord is the fixed 16-byte on-disk inode record.
type InodeRecord struct {
	Mode       Mode
	IndexBlock uint32
	FileSize   uint32
	NrEntries  uint32
}

// DecodeInodeRecord decodes one InodeRecord from a slot-sized slice.
func DecodeInodeRecord(buf *[InodeRecordSize]byte) InodeRecord {
	return InodeRecord{
		Mode:       Mode(binary.LittleEndian.Uint32(buf[0:4])),
		IndexBlock: binary.LittleEndian.Uint32(buf[4:8]),
		FileSize:   binary.LittleEndian.Uint32(buf[8:12]),
		NrEntries:  binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// EncodeInodeRecord encodes rec into buf.
func EncodeInodeRecord(rec *InodeRecord, buf *[InodeRecordSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rec.Mode))
	binary.LittleEndian.PutUint32(buf[4:8], rec.IndexBlock)
	binary.LittleEndian.PutUint32(buf[8:12], rec.FileSize)
	binary.LittleEndian.PutUint32(buf[12:16], rec.NrEntries)
}

// DirEntry is one {inode, filename} slot of a directory block.
type DirEntry struct {
	Ino      Ino
	Filename [FilenameLen]byte
}

// Name returns the entry's filename up to strnlen(Filename, FilenameLen),
// matching §3's "valid prefix length" definition.
func (entry *DirEntry) Name() string {
	n := 0
	for n < FilenameLen && entry.Filename[n] != 0 {
		n++
	}
	return string(entry.Filename[:n])
}

// SetName null-pads name into the entry's Filename field. Callers must
// check len(name) <= FilenameLen first (NameTooLongError).
func (entry *DirEntry) SetName(name string) {
	var buf [FilenameLen]byte
	copy(buf[:], name)
	entry.Filename = buf
}

// DirBlock is the full contents of one directory block: up to
// MaxDirEntries {inode, filename} records. Only the first nrEntries of
// them (the owning inode's count) are in use; the rest are garbage, per
// §4.E's edge case.
type DirBlock struct {
	Entries [MaxDirEntries]DirEntry
}

// DecodeDirBlock decodes a raw block buffer into a DirBlock.
func DecodeDirBlock(buf *[BlockSize]byte) DirBlock {
	var block DirBlock
	for i := 0; i < MaxDirEntries; i++ {
		off := i * DirEntrySize
		block.Entries[i].Ino = Ino(binary.LittleEndian.Uint32(buf[off : off+4]))
		copy(block.Entries[i].Filename[:], buf[off+4:off+DirEntrySize])
	}
	return block
}

// EncodeDirBlock encodes block into buf.
func EncodeDirBlock(block *DirBlock, buf *[BlockSize]byte) {
	for i := 0; i < MaxDirEntries; i++ {
		off := i * DirEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(block.Entries[i].Ino))
		copy(buf[off+4:off+DirEntrySize], block.Entries[i].Filename[:])
	}
}

// FileIndexBlock is the full contents of one file-index block: up to
// MaxFileIndexEntries logical-block-index -> physical-block-number
// mappings. Only the first nrEntries slots are valid.
type FileIndexBlock struct {
	Blocks [MaxFileIndexEntries]uint32
}

// DecodeFileIndexBlock decodes a raw block buffer into a FileIndexBlock.
func DecodeFileIndexBlock(buf *[BlockSize]byte) FileIndexBlock {
	var block FileIndexBlock
	for i := 0; i < MaxFileIndexEntries; i++ {
		block.Blocks[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return block
}

// EncodeFileIndexBlock encodes block into buf.
func EncodeFileIndexBlock(block *FileIndexBlock, buf *[BlockSize]byte) {
	for i := 0; i < MaxFileIndexEntries; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], block.Blocks[i])
	}
}
